package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// bookedSlotIndex is the partial unique index over (provider_id, date, time)
// WHERE status = 'Booked'. A violation means a concurrent booking won the
// slot between our conflict check and the write.
const bookedSlotIndex = "uq_provider_slot_booked"

const appointmentColumns = `
	id, patient_id, provider_id,
	to_char(date, 'YYYY-MM-DD'), to_char(time, 'HH24:MI'),
	status, notes, created_at, updated_at`

const treatmentColumns = `
	id, appointment_id, visit_type, tests_done, diagnosis,
	prescription, medicines, notes, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func isBookedSlotViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" &&
		pgErr.ConstraintName == bookedSlotIndex
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var specialty *string
	var availability []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&specialty,
		&availability,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	p.Availability = Availability{}
	if len(availability) > 0 {
		if err := json.Unmarshal(availability, &p.Availability); err != nil {
			return nil, fmt.Errorf("decode availability: %w", err)
		}
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var notes *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Date,
		&a.Time,
		&a.Status,
		&notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if notes != nil {
		a.Notes = *notes
	}
	return &a, nil
}

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	var visitType, testsDone, prescription, medicines, notes *string

	err := row.Scan(
		&t.ID,
		&t.AppointmentID,
		&visitType,
		&testsDone,
		&t.Diagnosis,
		&prescription,
		&medicines,
		&notes,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTreatmentNotFound
		}
		return nil, err
	}

	if visitType != nil {
		t.VisitType = *visitType
	}
	if testsDone != nil {
		t.TestsDone = *testsDone
	}
	if prescription != nil {
		t.Prescription = *prescription
	}
	if medicines != nil {
		t.Medicines = *medicines
	}
	if notes != nil {
		t.Notes = *notes
	}
	return &t, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, availability, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetProviderAvailability(ctx context.Context, providerID uuid.UUID) (Availability, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT availability
		FROM providers
		WHERE id = $1
	`, providerID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	av := Availability{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &av); err != nil {
			return nil, fmt.Errorf("decode availability: %w", err)
		}
	}
	return av, nil
}

func (r *PgRepository) ReplaceProviderAvailability(ctx context.Context, providerID uuid.UUID, av Availability) error {
	raw, err := json.Marshal(av)
	if err != nil {
		return fmt.Errorf("encode availability: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET availability = $2,
		    updated_at = now()
		WHERE id = $1
	`, providerID, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (r *PgRepository) PruneAvailabilityBefore(ctx context.Context, cutoffDate string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE providers
		SET availability = (
			SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
			FROM jsonb_each(availability)
			WHERE key >= $1
		),
		    updated_at = now()
		WHERE availability IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM jsonb_each(availability) WHERE key < $1
		  )
	`, cutoffDate)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &AppointmentDetail{Appointment: *appt}

	patient, err := r.GetPatientByID(ctx, appt.PatientID)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}
	detail.Patient = patient

	provider, err := r.GetProviderByID(ctx, appt.ProviderID)
	if err != nil && !errors.Is(err, ErrProviderNotFound) {
		return nil, err
	}
	detail.Provider = provider

	treatment, err := r.GetTreatmentByAppointment(ctx, appt.ID)
	if err != nil && !errors.Is(err, ErrTreatmentNotFound) {
		return nil, err
	}
	detail.Treatment = treatment

	return detail, nil
}

func (r *PgRepository) FindBookedAppointment(ctx context.Context, providerID uuid.UUID, date, timeLabel string, excludeID *uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND date = $2::date
		  AND time = $3::time
		  AND status = 'Booked'
		  AND ($4::uuid IS NULL OR id <> $4::uuid)
	`, providerID, date, timeLabel, excludeID)
	return scanAppointment(row)
}

func (r *PgRepository) CreateBookedAppointment(ctx context.Context, patientID, providerID uuid.UUID, date, timeLabel, notes string) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, date, time, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, $5::time, 'Booked', $6, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, patientID, providerID, date, timeLabel, notes)

	appt, err := scanAppointment(row)
	if err != nil {
		if isBookedSlotViolation(err) {
			return nil, ErrDuplicateBookedSlot
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) UpdateAppointmentSlot(ctx context.Context, id uuid.UUID, newDate, newTime string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET date = $2::date,
		    time = $3::time,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'Booked'
		RETURNING `+appointmentColumns+`
	`, id, newDate, newTime)

	appt, err := scanAppointment(row)
	if err != nil {
		if isBookedSlotViolation(err) {
			return nil, ErrDuplicateBookedSlot
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

// CompleteWithTreatment flips the appointment to Completed and upserts the
// treatment in one transaction; they commit together or not at all.
func (r *PgRepository) CompleteWithTreatment(ctx context.Context, id uuid.UUID, in TreatmentInput) (*Appointment, *Treatment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'Completed',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'Booked'
		RETURNING `+appointmentColumns+`
	`, id)

	appt, err := scanAppointment(row)
	if err != nil {
		return nil, nil, err
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO treatments (id, appointment_id, visit_type, tests_done, diagnosis, prescription, medicines, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (appointment_id) DO UPDATE
		SET visit_type = EXCLUDED.visit_type,
		    tests_done = EXCLUDED.tests_done,
		    diagnosis = EXCLUDED.diagnosis,
		    prescription = EXCLUDED.prescription,
		    medicines = EXCLUDED.medicines,
		    notes = EXCLUDED.notes,
		    updated_at = now()
		RETURNING `+treatmentColumns+`
	`, uuid.New(), id, in.VisitType, in.TestsDone, in.Diagnosis, in.Prescription, in.Medicines, in.Notes)

	treatment, err := scanTreatment(row)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	return appt, treatment, nil
}

func (r *PgRepository) GetTreatmentByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Treatment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+treatmentColumns+`
		FROM treatments
		WHERE appointment_id = $1
	`, appointmentID)
	return scanTreatment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY date DESC, time DESC
		LIMIT $3 OFFSET $4
	`, patientID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY date DESC, time DESC
		LIMIT $3 OFFSET $4
	`, providerID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListBookedBetween(ctx context.Context, providerID uuid.UUID, fromDate, toDate string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status = 'Booked'
		  AND date BETWEEN $2::date AND $3::date
		ORDER BY date, time
	`, providerID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListTreatmentsByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]Treatment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+treatmentColumnsPrefixed("t")+`
		FROM treatments t
		JOIN appointments a ON a.id = t.appointment_id
		WHERE a.patient_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func treatmentColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.appointment_id, ` + alias + `.visit_type, ` +
		alias + `.tests_done, ` + alias + `.diagnosis, ` + alias + `.prescription, ` +
		alias + `.medicines, ` + alias + `.notes, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
