package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/clinicore/clinic-scheduling/internal/redis"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventStatusOverridden       = "APPOINTMENT_STATUS_OVERRIDDEN"
	EventAvailabilityReplaced   = "AVAILABILITY_REPLACED"
)

var (
	// ErrSlotNotOffered means the provider never declared this (date, time)
	// as bookable. Distinct from ErrSlotTaken for caller messaging.
	ErrSlotNotOffered = errors.New("provider does not offer this slot")
	ErrSlotTaken      = errors.New("slot already has a booked appointment")
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	// ErrInvalidState is wrapped with the transition reason when an
	// operation is requested on an appointment whose status forbids it.
	ErrInvalidState = errors.New("invalid appointment state")

	ErrDiagnosisRequired = errors.New("diagnosis is required")
	ErrInvalidSlot       = errors.New("invalid slot")
	ErrPermanentRecord   = errors.New("completed appointments are permanent records")
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
}

func NewService(repo Repository, locker redisclient.Locker) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
	}
}

func slotLockKey(providerID uuid.UUID, date, timeLabel string) string {
	return fmt.Sprintf("%s:%s:%s", providerID, date, timeLabel)
}

// Book reserves a declared slot for a patient. Both the declared-availability
// check and the conflict check run inside the per-slot critical section so a
// page-load-stale submission cannot slip through; the partial unique index on
// booked slots backstops anything that races past the lock.
func (s *Service) Book(ctx context.Context, providerID, patientID uuid.UUID, date, timeLabel, notes string) (*Appointment, error) {
	if !ValidDateKey(date) || !ValidSlotLabel(timeLabel) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidSlot, date, timeLabel)
	}

	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	var created *Appointment

	err := s.locker.WithSlotLock(ctx, slotLockKey(providerID, date, timeLabel), func(lockCtx context.Context) error {
		av, err := s.repo.GetProviderAvailability(lockCtx, providerID)
		if err != nil {
			return fmt.Errorf("load availability: %w", err)
		}
		if !av.DayOffers(date, timeLabel) {
			return ErrSlotNotOffered
		}

		existing, err := s.repo.FindBookedAppointment(lockCtx, providerID, date, timeLabel, nil)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check booked appointment: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		appt, err := s.repo.CreateBookedAppointment(lockCtx, patientID, providerID, date, timeLabel, notes)
		if err != nil {
			if errors.Is(err, ErrDuplicateBookedSlot) {
				return ErrSlotTaken
			}
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentBooked, map[string]any{
			"provider_id": providerID.String(),
			"patient_id":  patientID.String(),
			"date":        date,
			"time":        timeLabel,
		})

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	return created, nil
}

// Reschedule moves a booked appointment to a new slot. Only date and time
// change; id, patient, provider, status and notes are untouched. The old slot
// frees implicitly once the row points at the new one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newDate, newTime string) (*Appointment, error) {
	if !ValidDateKey(newDate) || !ValidSlotLabel(newTime) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidSlot, newDate, newTime)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusBooked {
		return nil, fmt.Errorf("%w: only booked appointments can be rescheduled, status is %s", ErrInvalidState, appt.Status)
	}

	var updated *Appointment

	err = s.locker.WithSlotLock(ctx, slotLockKey(appt.ProviderID, newDate, newTime), func(lockCtx context.Context) error {
		av, err := s.repo.GetProviderAvailability(lockCtx, appt.ProviderID)
		if err != nil {
			return fmt.Errorf("load availability: %w", err)
		}
		if !av.DayOffers(newDate, newTime) {
			return ErrSlotNotOffered
		}

		// The appointment's own still-present row must not block its move.
		existing, err := s.repo.FindBookedAppointment(lockCtx, appt.ProviderID, newDate, newTime, &appt.ID)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check booked appointment: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		moved, err := s.repo.UpdateAppointmentSlot(lockCtx, appt.ID, newDate, newTime)
		if err != nil {
			if errors.Is(err, ErrDuplicateBookedSlot) {
				return ErrSlotTaken
			}
			if errors.Is(err, ErrAppointmentNotFound) {
				// Status changed between the precondition read and the
				// guarded update.
				return fmt.Errorf("%w: appointment is no longer booked", ErrInvalidState)
			}
			return fmt.Errorf("reschedule appointment: %w", err)
		}

		updated = moved

		s.logEvent(lockCtx, appt.ID, EventAppointmentRescheduled, map[string]any{
			"from_date": appt.Date,
			"from_time": appt.Time,
			"to_date":   newDate,
			"to_time":   newTime,
		})

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	return updated, nil
}

// Cancel moves a booked appointment to Cancelled. The slot frees implicitly:
// the conflict query only counts Booked rows.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusBooked {
		return nil, fmt.Errorf("%w: only booked appointments can be cancelled, status is %s", ErrInvalidState, appt.Status)
	}

	if ok, reason := CanTransition(appt.Status, StatusCancelled); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, reason)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusBooked, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment is no longer booked", ErrInvalidState)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{})

	return updated, nil
}

// Complete moves a booked appointment to Completed and records the treatment
// in the same transaction. Diagnosis is the one mandatory clinical field.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, in TreatmentInput) (*Appointment, *Treatment, error) {
	in.Diagnosis = strings.TrimSpace(in.Diagnosis)
	if in.Diagnosis == "" {
		return nil, nil, ErrDiagnosisRequired
	}
	if strings.TrimSpace(in.VisitType) == "" {
		in.VisitType = "In-person"
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if appt.Status != StatusBooked {
		return nil, nil, fmt.Errorf("%w: only booked appointments can be completed, status is %s", ErrInvalidState, appt.Status)
	}

	if ok, reason := CanTransition(appt.Status, StatusCompleted); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidState, reason)
	}

	updated, treatment, err := s.repo.CompleteWithTreatment(ctx, appt.ID, in)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil, fmt.Errorf("%w: appointment is no longer booked", ErrInvalidState)
		}
		return nil, nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{
		"treatment_id": treatment.ID.String(),
	})

	return updated, treatment, nil
}

// Delete hard-deletes an appointment. Completed appointments are permanent
// medical records and can never be removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return err
	}
	if appt.IsPermanentRecord() {
		return ErrPermanentRecord
	}

	if err := s.repo.DeleteAppointment(ctx, appt.ID); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentDeleted, map[string]any{
		"status": string(appt.Status),
	})

	return nil
}

// OverrideStatus applies an administrative status change through the same
// authoritative transition checker as everything else. Moving into Completed
// goes through Complete so the treatment record is never skipped.
func (s *Service) OverrideStatus(ctx context.Context, id uuid.UUID, target Status) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if appt.Status == target {
		return appt, nil
	}
	if target == StatusCompleted {
		return nil, fmt.Errorf("%w: completion requires a treatment record, use complete", ErrInvalidState)
	}

	if ok, reason := CanTransition(appt.Status, target); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, reason)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, target)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment status changed concurrently", ErrInvalidState)
		}
		return nil, fmt.Errorf("override status: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventStatusOverridden, map[string]any{
		"from": string(appt.Status),
		"to":   string(target),
	})

	return updated, nil
}

// SetAvailability replaces the provider's entire declared availability.
// Last writer wins; the surrounding UI always submits the full 7-day set.
func (s *Service) SetAvailability(ctx context.Context, providerID uuid.UUID, av Availability) (Availability, error) {
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		return nil, err
	}

	normalized, err := NormalizeAvailability(av)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}

	if err := s.repo.ReplaceProviderAvailability(ctx, providerID, normalized); err != nil {
		return nil, fmt.Errorf("replace availability: %w", err)
	}

	s.logEvent(ctx, uuid.Nil, EventAvailabilityReplaced, map[string]any{
		"provider_id": providerID.String(),
		"days":        len(normalized),
	})

	return normalized, nil
}

// GetAvailability returns the stored map as-is, stale keys included.
func (s *Service) GetAvailability(ctx context.Context, providerID uuid.UUID) (Availability, error) {
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		return nil, err
	}
	return s.repo.GetProviderAvailability(ctx, providerID)
}

// UpcomingAvailability returns the stored map filtered to the 7-day horizon
// starting at now.
func (s *Service) UpcomingAvailability(ctx context.Context, providerID uuid.UUID, now time.Time) (Availability, error) {
	av, err := s.GetAvailability(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return FilterToHorizon(av, now), nil
}

// GetAppointment retrieves a fully hydrated appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) ListByProvider(ctx context.Context, providerID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	appts, err := s.repo.ListAppointmentsByProvider(ctx, providerID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return appts, nil
}

// ProviderWeek returns the provider's booked appointments from today through
// the end of the horizon, for the day/week dashboard views.
func (s *Service) ProviderWeek(ctx context.Context, providerID uuid.UUID, now time.Time) ([]Appointment, error) {
	from := now.Format(DateLayout)
	to := now.AddDate(0, 0, HorizonDays-1).Format(DateLayout)
	appts, err := s.repo.ListBookedBetween(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list booked between: %w", err)
	}
	return appts, nil
}

// TreatmentHistory returns a patient's treatments, newest first.
func (s *Service) TreatmentHistory(ctx context.Context, patientID uuid.UUID, limit int) ([]Treatment, error) {
	if limit <= 0 {
		limit = 50
	}
	ts, err := s.repo.ListTreatmentsByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list treatments by patient: %w", err)
	}
	return ts, nil
}

// PruneStaleAvailability removes availability keys dated before today. Run
// by the sweeper; readers never depend on it since they filter by horizon.
func (s *Service) PruneStaleAvailability(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.PruneAvailabilityBefore(ctx, now.Format(DateLayout))
	if err != nil {
		return 0, fmt.Errorf("prune stale availability: %w", err)
	}
	return n, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	if appointmentID != uuid.Nil {
		apptID := appointmentID
		ev.AppointmentID = &apptID
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for appointment %s: %v", eventType, appointmentID, err)
	}
}
