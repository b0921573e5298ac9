package scheduling

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository that enforces the same booked-slot
// uniqueness as the partial index in Postgres.
type memRepo struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Patient
	providers    map[uuid.UUID]Provider
	appointments map[uuid.UUID]Appointment
	treatments   map[uuid.UUID]Treatment // keyed by appointment id
	events       []EventLog
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients:     make(map[uuid.UUID]Patient),
		providers:    make(map[uuid.UUID]Provider),
		appointments: make(map[uuid.UUID]Appointment),
		treatments:   make(map[uuid.UUID]Treatment),
	}
}

func (m *memRepo) addPatient() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = Patient{ID: id, Name: "patient"}
	return id
}

func (m *memRepo) addProvider(av Availability) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	if av == nil {
		av = Availability{}
	}
	m.providers[id] = Provider{ID: id, Name: "provider", Availability: av}
	return id
}

func (m *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memRepo) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *memRepo) GetProviderAvailability(_ context.Context, providerID uuid.UUID) (Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p.Availability, nil
}

func (m *memRepo) ReplaceProviderAvailability(_ context.Context, providerID uuid.UUID, av Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	p.Availability = av
	m.providers[providerID] = p
	return nil
}

func (m *memRepo) PruneAvailabilityBefore(_ context.Context, cutoffDate string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, p := range m.providers {
		touched := false
		next := Availability{}
		for key, slots := range p.Availability {
			if key < cutoffDate {
				touched = true
				continue
			}
			next[key] = slots
		}
		if touched {
			p.Availability = next
			m.providers[id] = p
			pruned++
		}
	}
	return pruned, nil
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memRepo) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := m.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &AppointmentDetail{Appointment: *appt}
	if p, err := m.GetPatientByID(ctx, appt.PatientID); err == nil {
		detail.Patient = p
	}
	if p, err := m.GetProviderByID(ctx, appt.ProviderID); err == nil {
		detail.Provider = p
	}
	if t, err := m.GetTreatmentByAppointment(ctx, appt.ID); err == nil {
		detail.Treatment = t
	}
	return detail, nil
}

func (m *memRepo) findBookedLocked(providerID uuid.UUID, date, timeLabel string, excludeID *uuid.UUID) *Appointment {
	for _, a := range m.appointments {
		if a.ProviderID == providerID && a.Date == date && a.Time == timeLabel && a.Status == StatusBooked {
			if excludeID != nil && a.ID == *excludeID {
				continue
			}
			found := a
			return &found
		}
	}
	return nil
}

func (m *memRepo) FindBookedAppointment(_ context.Context, providerID uuid.UUID, date, timeLabel string, excludeID *uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findBookedLocked(providerID, date, timeLabel, excludeID); a != nil {
		return a, nil
	}
	return nil, ErrAppointmentNotFound
}

func (m *memRepo) CreateBookedAppointment(_ context.Context, patientID, providerID uuid.UUID, date, timeLabel, notes string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findBookedLocked(providerID, date, timeLabel, nil); a != nil {
		return nil, ErrDuplicateBookedSlot
	}
	now := time.Now()
	a := Appointment{
		ID:         uuid.New(),
		PatientID:  patientID,
		ProviderID: providerID,
		Date:       date,
		Time:       timeLabel,
		Status:     StatusBooked,
		Notes:      notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.appointments[a.ID] = a
	return &a, nil
}

func (m *memRepo) UpdateAppointmentSlot(_ context.Context, id uuid.UUID, newDate, newTime string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != StatusBooked {
		return nil, ErrAppointmentNotFound
	}
	if other := m.findBookedLocked(a.ProviderID, newDate, newTime, &id); other != nil {
		return nil, ErrDuplicateBookedSlot
	}
	a.Date = newDate
	a.Time = newTime
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *memRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *memRepo) CompleteWithTreatment(_ context.Context, id uuid.UUID, in TreatmentInput) (*Appointment, *Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != StatusBooked {
		return nil, nil, ErrAppointmentNotFound
	}
	a.Status = StatusCompleted
	a.UpdatedAt = time.Now()
	m.appointments[id] = a

	t, ok := m.treatments[id]
	if !ok {
		t = Treatment{ID: uuid.New(), AppointmentID: id, CreatedAt: time.Now()}
	}
	t.VisitType = in.VisitType
	t.TestsDone = in.TestsDone
	t.Diagnosis = in.Diagnosis
	t.Prescription = in.Prescription
	t.Medicines = in.Medicines
	t.Notes = in.Notes
	t.UpdatedAt = time.Now()
	m.treatments[id] = t

	return &a, &t, nil
}

func (m *memRepo) GetTreatmentByAppointment(_ context.Context, appointmentID uuid.UUID) (*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.treatments[appointmentID]
	if !ok {
		return nil, ErrTreatmentNotFound
	}
	return &t, nil
}

func (m *memRepo) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appointments, id)
	delete(m.treatments, id)
	return nil
}

func (m *memRepo) listFiltered(match func(Appointment) bool, limit, offset int) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Time > out[j].Time
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	return m.listFiltered(func(a Appointment) bool {
		return a.PatientID == patientID && (status == nil || a.Status == *status)
	}, limit, offset), nil
}

func (m *memRepo) ListAppointmentsByProvider(_ context.Context, providerID uuid.UUID, status *Status, limit, offset int) ([]Appointment, error) {
	return m.listFiltered(func(a Appointment) bool {
		return a.ProviderID == providerID && (status == nil || a.Status == *status)
	}, limit, offset), nil
}

func (m *memRepo) ListBookedBetween(_ context.Context, providerID uuid.UUID, fromDate, toDate string) ([]Appointment, error) {
	appts := m.listFiltered(func(a Appointment) bool {
		return a.ProviderID == providerID && a.Status == StatusBooked &&
			a.Date >= fromDate && a.Date <= toDate
	}, 0, 0)
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].Date != appts[j].Date {
			return appts[i].Date < appts[j].Date
		}
		return appts[i].Time < appts[j].Time
	})
	return appts, nil
}

func (m *memRepo) ListTreatmentsByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Treatment
	for apptID, t := range m.treatments {
		a, ok := m.appointments[apptID]
		if ok && a.PatientID == patientID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) countBooked(providerID uuid.UUID, date, timeLabel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.ProviderID == providerID && a.Date == date && a.Time == timeLabel && a.Status == StatusBooked {
			n++
		}
	}
	return n
}

// keyLocker serializes callers per slot key, like the Redis locker but
// blocking instead of failing on contention.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *keyLocker) WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	km, ok := l.locks[slotKey]
	if !ok {
		km = &sync.Mutex{}
		l.locks[slotKey] = km
	}
	l.mu.Unlock()

	km.Lock()
	defer km.Unlock()
	return fn(ctx)
}

// noopLocker skips locking entirely so tests can exercise the
// unique-violation fallback path.
type noopLocker struct{}

func (noopLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService() (*Service, *memRepo) {
	repo := newMemRepo()
	return NewService(repo, newKeyLocker()), repo
}

func availabilityFor(date string, slots ...string) Availability {
	return Availability{date: slots}
}

func TestBook_Success(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "first visit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusBooked {
		t.Fatalf("expected status %s, got %s", StatusBooked, appt.Status)
	}
	if appt.Date != "2025-06-10" || appt.Time != "09:00" {
		t.Fatalf("unexpected slot: %s %s", appt.Date, appt.Time)
	}
	if appt.Notes != "first visit" {
		t.Fatalf("unexpected notes: %q", appt.Notes)
	}
}

func TestBook_SlotNotOffered(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	// Wrong time on an offered day
	if _, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "11:00", ""); !errors.Is(err, ErrSlotNotOffered) {
		t.Fatalf("expected ErrSlotNotOffered, got %v", err)
	}

	// Day not declared at all
	if _, err := svc.Book(context.Background(), providerID, patientID, "2025-06-11", "09:00", ""); !errors.Is(err, ErrSlotNotOffered) {
		t.Fatalf("expected ErrSlotNotOffered, got %v", err)
	}
}

func TestBook_SlotTaken(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientA := repo.addPatient()
	patientB := repo.addPatient()

	if _, err := svc.Book(context.Background(), providerID, patientA, "2025-06-10", "09:00", ""); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}
	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "09:00", ""); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	// A different slot still works
	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "10:00", ""); err != nil {
		t.Fatalf("second slot booking failed: %v", err)
	}
}

func TestBook_UnknownPatientAndProvider(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	if _, err := svc.Book(context.Background(), providerID, uuid.New(), "2025-06-10", "09:00", ""); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	if _, err := svc.Book(context.Background(), uuid.New(), patientID, "2025-06-10", "09:00", ""); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestBook_InvalidSlotInput(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(nil)
	patientID := repo.addPatient()

	if _, err := svc.Book(context.Background(), providerID, patientID, "June 10", "09:00", ""); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for bad date, got %v", err)
	}
	if _, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "9am", ""); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for bad time, got %v", err)
	}
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))

	const callers = 16
	patients := make([]uuid.UUID, callers)
	for i := range patients {
		patients[i] = repo.addPatient()
	}

	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Book(context.Background(), providerID, patients[i], "2025-06-10", "09:00", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotTaken):
		default:
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := repo.countBooked(providerID, "2025-06-10", "09:00"); n != 1 {
		t.Fatalf("expected one booked row, got %d", n)
	}
}

func TestBook_ConcurrentWithoutLock_ConstraintBackstop(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, noopLocker{})
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))

	const callers = 16
	patients := make([]uuid.UUID, callers)
	for i := range patients {
		patients[i] = repo.addPatient()
	}

	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Book(context.Background(), providerID, patients[i], "2025-06-10", "09:00", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotTaken):
		default:
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := repo.countBooked(providerID, "2025-06-10", "09:00"); n != 1 {
		t.Fatalf("expected one booked row, got %d", n)
	}
}

func TestReschedule_PreservesIdentityAndFreesSlot(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientID := repo.addPatient()

	orig, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "keep these notes")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	moved, err := svc.Reschedule(context.Background(), orig.ID, "2025-06-10", "10:00")
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}

	if moved.ID != orig.ID {
		t.Fatalf("id changed on reschedule")
	}
	if moved.PatientID != orig.PatientID || moved.ProviderID != orig.ProviderID {
		t.Fatalf("party ids changed on reschedule")
	}
	if moved.Status != StatusBooked {
		t.Fatalf("status changed on reschedule: %s", moved.Status)
	}
	if moved.Notes != "keep these notes" {
		t.Fatalf("notes changed on reschedule: %q", moved.Notes)
	}
	if moved.Date != "2025-06-10" || moved.Time != "10:00" {
		t.Fatalf("unexpected slot after reschedule: %s %s", moved.Date, moved.Time)
	}

	// The old slot is free again: another patient can take it.
	other := repo.addPatient()
	if _, err := svc.Book(context.Background(), providerID, other, "2025-06-10", "09:00", ""); err != nil {
		t.Fatalf("old slot not freed after reschedule: %v", err)
	}
}

func TestReschedule_ExclusionAllowsSameSlot(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	// Rescheduling onto its own slot must not be blocked by its own row.
	if _, err := svc.Reschedule(context.Background(), appt.ID, "2025-06-10", "09:00"); err != nil {
		t.Fatalf("self-reschedule failed: %v", err)
	}
}

func TestReschedule_TargetTaken(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientA := repo.addPatient()
	patientB := repo.addPatient()

	apptA, err := svc.Book(context.Background(), providerID, patientA, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking A failed: %v", err)
	}
	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "10:00", ""); err != nil {
		t.Fatalf("booking B failed: %v", err)
	}

	if _, err := svc.Reschedule(context.Background(), apptA.ID, "2025-06-10", "10:00"); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
}

func TestReschedule_RequiresBooked(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, err := svc.Reschedule(context.Background(), appt.ID, "2025-06-10", "10:00"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancel_FreesSlot(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientA := repo.addPatient()
	patientB := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientA, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected %s, got %s", StatusCancelled, cancelled.Status)
	}

	// Freeing is derived from status, not a separate flag: a rebook works.
	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "09:00", ""); err != nil {
		t.Fatalf("slot not freed after cancel: %v", err)
	}
}

func TestCancel_RequiresBooked(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, _, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{Diagnosis: "Flu"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if _, err := svc.Cancel(context.Background(), appt.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestComplete_CreatesTreatment(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	done, treatment, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{
		Diagnosis: "Flu",
		Medicines: "Paracetamol",
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected %s, got %s", StatusCompleted, done.Status)
	}
	if treatment.Diagnosis != "Flu" {
		t.Fatalf("expected diagnosis Flu, got %q", treatment.Diagnosis)
	}
	if treatment.VisitType != "In-person" {
		t.Fatalf("expected default visit type, got %q", treatment.VisitType)
	}
	if treatment.AppointmentID != appt.ID {
		t.Fatalf("treatment attached to wrong appointment")
	}
}

func TestComplete_RequiresDiagnosis(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	if _, _, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{Diagnosis: "   "}); !errors.Is(err, ErrDiagnosisRequired) {
		t.Fatalf("expected ErrDiagnosisRequired, got %v", err)
	}
}

func TestComplete_TwiceCreatesOneTreatment(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, _, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{Diagnosis: "Flu"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// Second call fails the precondition: status is no longer Booked.
	if _, _, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{Diagnosis: "Cold"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	treatments, err := svc.TreatmentHistory(context.Background(), patientID, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(treatments) != 1 {
		t.Fatalf("expected one treatment, got %d", len(treatments))
	}
	if treatments[0].Diagnosis != "Flu" {
		t.Fatalf("treatment overwritten by rejected second call: %q", treatments[0].Diagnosis)
	}
}

func TestDelete_GuardsCompleted(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00", "10:00"))
	patientID := repo.addPatient()

	completed, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, _, err := svc.Complete(context.Background(), completed.ID, TreatmentInput{Diagnosis: "Flu"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if err := svc.Delete(context.Background(), completed.ID); !errors.Is(err, ErrPermanentRecord) {
		t.Fatalf("expected ErrPermanentRecord, got %v", err)
	}

	// Booked and cancelled appointments may be deleted.
	booked, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "10:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if err := svc.Delete(context.Background(), booked.ID); err != nil {
		t.Fatalf("delete of booked appointment failed: %v", err)
	}
	if _, err := svc.GetAppointment(context.Background(), booked.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound after delete, got %v", err)
	}
}

func TestOverrideStatus_Authoritative(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(availabilityFor("2025-06-10", "09:00"))
	patientID := repo.addPatient()

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("booking failed: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Cancelled can never go back to Booked, even for an admin.
	if _, err := svc.OverrideStatus(context.Background(), appt.ID, StatusBooked); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	// Same-status override is a no-op.
	same, err := svc.OverrideStatus(context.Background(), appt.ID, StatusCancelled)
	if err != nil {
		t.Fatalf("no-op override failed: %v", err)
	}
	if same.Status != StatusCancelled {
		t.Fatalf("unexpected status %s", same.Status)
	}

	// Completion must go through Complete so the treatment exists.
	if _, err := svc.OverrideStatus(context.Background(), appt.ID, StatusCompleted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for override to Completed, got %v", err)
	}
}

func TestSetAvailability_NormalizesAndValidates(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(nil)

	stored, err := svc.SetAvailability(context.Background(), providerID, Availability{
		"2025-06-10": {"10:00", "09:00", "10:00"},
	})
	if err != nil {
		t.Fatalf("set availability failed: %v", err)
	}
	got := stored["2025-06-10"]
	want := []string{"09:00", "10:00"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{"not-a-date": {"09:00"}}); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for bad date key, got %v", err)
	}
	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{"2025-06-10": {"9:00"}}); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for bad label, got %v", err)
	}
}

func TestSetAvailability_LastWriterWins(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(nil)

	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{"2025-06-10": {"09:00"}}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{"2025-06-11": {"14:00"}}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	av, err := svc.GetAvailability(context.Background(), providerID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, stale := av["2025-06-10"]; stale {
		t.Fatalf("replacement merged instead of overwriting")
	}
	if _, ok := av["2025-06-11"]; !ok {
		t.Fatalf("replacement missing new day")
	}
}

func TestUpcomingAvailability_FiltersStaleKeys(t *testing.T) {
	svc, repo := newTestService()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	providerID := repo.addProvider(Availability{
		"2025-06-01": {"09:00"},          // stale
		"2025-06-10": {"09:00"},          // today
		"2025-06-16": {"10:00"},          // last day of horizon
		"2025-06-17": {"10:00"},          // past horizon
		"2025-06-12": {},                 // empty day
	})

	av, err := svc.UpcomingAvailability(context.Background(), providerID, now)
	if err != nil {
		t.Fatalf("upcoming failed: %v", err)
	}

	if _, ok := av["2025-06-01"]; ok {
		t.Fatalf("stale key survived horizon filter")
	}
	if _, ok := av["2025-06-17"]; ok {
		t.Fatalf("beyond-horizon key survived filter")
	}
	if _, ok := av["2025-06-12"]; ok {
		t.Fatalf("empty day should be omitted")
	}
	if _, ok := av["2025-06-10"]; !ok {
		t.Fatalf("today missing from horizon")
	}
	if _, ok := av["2025-06-16"]; !ok {
		t.Fatalf("seventh day missing from horizon")
	}
}

func TestPruneStaleAvailability(t *testing.T) {
	svc, repo := newTestService()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	providerID := repo.addProvider(Availability{
		"2025-06-01": {"09:00"},
		"2025-06-10": {"09:00"},
	})

	n, err := svc.PruneStaleAvailability(context.Background(), now)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 provider pruned, got %d", n)
	}

	av, err := svc.GetAvailability(context.Background(), providerID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, ok := av["2025-06-01"]; ok {
		t.Fatalf("stale key not pruned")
	}
	if _, ok := av["2025-06-10"]; !ok {
		t.Fatalf("current key pruned")
	}
}

func TestEventsEmittedPerMutation(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(nil)
	patientID := repo.addPatient()

	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{
		"2025-06-10": {"09:00", "10:00"},
	}); err != nil {
		t.Fatalf("set availability: %v", err)
	}

	appt, err := svc.Book(context.Background(), providerID, patientID, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.Reschedule(context.Background(), appt.ID, "2025-06-10", "10:00"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, _, err := svc.Complete(context.Background(), appt.ID, TreatmentInput{Diagnosis: "Flu"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := []string{
		EventAvailabilityReplaced,
		EventAppointmentBooked,
		EventAppointmentRescheduled,
		EventAppointmentCompleted,
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(repo.events))
	}
	for i, ev := range repo.events {
		if ev.EventType != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.EventType)
		}
	}
	// Availability replacement has no appointment to reference.
	if repo.events[0].AppointmentID != nil {
		t.Errorf("availability event should not reference an appointment")
	}
	if repo.events[1].AppointmentID == nil || *repo.events[1].AppointmentID != appt.ID {
		t.Errorf("booked event should reference the appointment")
	}
}

// End-to-end walk through the booking scenario: two patients compete for one
// provider's morning, one visit is completed and becomes immutable.
func TestBookingScenario(t *testing.T) {
	svc, repo := newTestService()
	providerID := repo.addProvider(nil)
	patientA := repo.addPatient()
	patientB := repo.addPatient()

	if _, err := svc.SetAvailability(context.Background(), providerID, Availability{
		"2025-06-10": {"09:00", "10:00"},
	}); err != nil {
		t.Fatalf("set availability: %v", err)
	}

	apptA, err := svc.Book(context.Background(), providerID, patientA, "2025-06-10", "09:00", "")
	if err != nil {
		t.Fatalf("patient A booking: %v", err)
	}
	if apptA.Status != StatusBooked {
		t.Fatalf("expected Booked, got %s", apptA.Status)
	}

	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "09:00", ""); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("patient B same slot: expected ErrSlotTaken, got %v", err)
	}

	if _, err := svc.Book(context.Background(), providerID, patientB, "2025-06-10", "10:00", ""); err != nil {
		t.Fatalf("patient B other slot: %v", err)
	}

	done, treatment, err := svc.Complete(context.Background(), apptA.ID, TreatmentInput{Diagnosis: "Flu"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || treatment.Diagnosis != "Flu" {
		t.Fatalf("completion wrong: %s %q", done.Status, treatment.Diagnosis)
	}

	if err := svc.Delete(context.Background(), apptA.ID); !errors.Is(err, ErrPermanentRecord) {
		t.Fatalf("admin delete: expected ErrPermanentRecord, got %v", err)
	}

	_, err = svc.Reschedule(context.Background(), apptA.ID, "2025-06-10", "10:00")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reschedule completed: expected ErrInvalidState, got %v", err)
	}
	if !strings.Contains(err.Error(), "Completed") {
		t.Fatalf("reason should name the current status, got %q", err.Error())
	}
}
