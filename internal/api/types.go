package api

import (
	"time"

	"github.com/google/uuid"
)

type BookAppointmentRequest struct {
	ProviderID string `json:"provider_id"`
	PatientID  string `json:"patient_id"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Notes      string `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type CompleteAppointmentRequest struct {
	VisitType    string `json:"visit_type,omitempty"`
	TestsDone    string `json:"tests_done,omitempty"`
	Diagnosis    string `json:"diagnosis"`
	Prescription string `json:"prescription,omitempty"`
	Medicines    string `json:"medicines,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

type OverrideStatusRequest struct {
	Status string `json:"status"`
}

// ReplaceAvailabilityRequest carries a whole-map replacement. Days maps a
// date to explicit HH:MM labels; Blocks maps a date to block names
// ("08:00-12:00", "16:00-21:00") that expand to hourly labels. Both may be
// set for the same day.
type ReplaceAvailabilityRequest struct {
	Days   map[string][]string `json:"days"`
	Blocks map[string][]string `json:"blocks,omitempty"`
}

type AppointmentResponse struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	Date       string    `json:"date"`
	Time       string    `json:"time"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type TreatmentResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	VisitType     string    `json:"visit_type,omitempty"`
	TestsDone     string    `json:"tests_done,omitempty"`
	Diagnosis     string    `json:"diagnosis"`
	Prescription  string    `json:"prescription,omitempty"`
	Medicines     string    `json:"medicines,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	PatientName  string             `json:"patient_name,omitempty"`
	ProviderName string             `json:"provider_name,omitempty"`
	Treatment    *TreatmentResponse `json:"treatment,omitempty"`
}

type AvailabilityResponse struct {
	ProviderID uuid.UUID           `json:"provider_id"`
	Days       map[string][]string `json:"days"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
