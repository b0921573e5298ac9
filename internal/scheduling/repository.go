package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTreatmentNotFound   = errors.New("treatment not found")

	// ErrDuplicateBookedSlot is returned by the storage layer when an insert
	// or slot move races past the conflict check and trips the unique index
	// over booked (provider, date, time) tuples.
	ErrDuplicateBookedSlot = errors.New("another booked appointment holds this slot")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)

	// Availability is replaced whole-map, last writer wins.
	GetProviderAvailability(ctx context.Context, providerID uuid.UUID) (Availability, error)
	ReplaceProviderAvailability(ctx context.Context, providerID uuid.UUID, av Availability) error
	PruneAvailabilityBefore(ctx context.Context, cutoffDate string) (int64, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// FindBookedAppointment is the conflict point query: the Booked row for
	// (providerID, date, timeLabel) if any, skipping excludeID when set.
	FindBookedAppointment(ctx context.Context, providerID uuid.UUID, date, timeLabel string, excludeID *uuid.UUID) (*Appointment, error)

	CreateBookedAppointment(ctx context.Context, patientID, providerID uuid.UUID, date, timeLabel, notes string) (*Appointment, error)
	UpdateAppointmentSlot(ctx context.Context, id uuid.UUID, newDate, newTime string) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// CompleteWithTreatment commits the status change and the treatment
	// upsert in one transaction.
	CompleteWithTreatment(ctx context.Context, id uuid.UUID, in TreatmentInput) (*Appointment, *Treatment, error)
	GetTreatmentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Treatment, error)

	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error)
	ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error)
	ListBookedBetween(ctx context.Context, providerID uuid.UUID, fromDate, toDate string) ([]Appointment, error)
	ListTreatmentsByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Treatment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
