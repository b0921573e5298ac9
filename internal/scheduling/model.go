package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked    Status = "Booked"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// ParseStatus maps a wire value to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusBooked, StatusCompleted, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// Availability maps a "2006-01-02" date key to the sorted "HH:MM" labels a
// provider offers that day. An absent key and an empty list both mean no
// bookable slots. The map may keep past-dated keys; readers filter through
// the horizon helpers.
type Availability map[string][]string

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID           uuid.UUID
	Name         string
	Specialty    *string
	Availability Availability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Appointment struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	Date       string // "2006-01-02"
	Time       string // "HH:MM"
	Status     Status
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Treatment is the clinical record attached 1:1 to a completed appointment.
type Treatment struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	VisitType     string
	TestsDone     string
	Diagnosis     string
	Prescription  string
	Medicines     string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TreatmentInput carries the clinical fields recorded at completion time.
type TreatmentInput struct {
	VisitType    string
	TestsDone    string
	Diagnosis    string
	Prescription string
	Medicines    string
	Notes        string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Patient   *Patient
	Provider  *Provider
	Treatment *Treatment
}
