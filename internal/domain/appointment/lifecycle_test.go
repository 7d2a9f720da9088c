package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/domain/availability"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/pkg/pagination"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Appointment
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Appointment)}
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.items[a.ID] = a.Clone()
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment")
	}
	return a.Clone(), nil
}

func (m *mockRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; !ok {
		return apperr.NotFound("appointment")
	}
	m.items[a.ID] = a.Clone()
	return nil
}

func (m *mockRepo) SlotOccupancy(_ context.Context, zoneID string, date civil.Date) (map[slottemplate.TimeSlot]int, error) {
	return nil, nil
}

func (m *mockRepo) CountActiveByResident(_ context.Context, residentID string) (int, error) {
	return 0, nil
}

func (m *mockRepo) filter(keep func(*Appointment) bool) []*Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.items {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (m *mockRepo) ListUpcoming(_ context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error) {
	items, total := pagination.Page(m.filter(func(a *Appointment) bool {
		return a.ResidentID == residentID && !a.ScheduledAt.Before(now) && !a.Status.Terminal()
	}), p)
	return items, total, nil
}

func (m *mockRepo) ListPast(_ context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error) {
	items, total := pagination.Page(m.filter(func(a *Appointment) bool {
		return a.ResidentID == residentID && (a.ScheduledAt.Before(now) || a.Status.Terminal())
	}), p)
	return items, total, nil
}

func (m *mockRepo) ListByZone(_ context.Context, zoneID string, from, to civil.Date, p pagination.Params) ([]*Appointment, int, error) {
	items, total := pagination.Page(m.filter(func(a *Appointment) bool {
		return a.ZoneID == zoneID && !a.ServiceDate.Before(from) && !a.ServiceDate.After(to)
	}), p)
	return items, total, nil
}

func (m *mockRepo) ListByStatus(_ context.Context, status Status, p pagination.Params) ([]*Appointment, int, error) {
	items, total := pagination.Page(m.filter(func(a *Appointment) bool { return a.Status == status }), p)
	return items, total, nil
}

func (m *mockRepo) DueForReminder(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	return m.filter(func(a *Appointment) bool {
		return a.Status == StatusConfirmed && !a.ReminderSent && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	}), nil
}

func (m *mockRepo) MarkReminded(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return false, apperr.NotFound("appointment")
	}
	if a.ReminderSent {
		return false, nil
	}
	a.ReminderSent = true
	return true, nil
}

// -- Mock SlotChecker --

type stubChecker struct {
	mu     sync.Mutex
	result availability.Result
	calls  int
}

func (s *stubChecker) CheckSlotAvailability(context.Context, string, civil.Date, slottemplate.TimeSlot) (availability.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, nil
}

// -- Recording Notifier --

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (n *recordingNotifier) record(kind string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	if n.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

func (n *recordingNotifier) SendConfirmation(context.Context, *Appointment) error {
	return n.record("confirmation")
}

func (n *recordingNotifier) SendUpdate(context.Context, *Appointment) error {
	return n.record("update")
}

func (n *recordingNotifier) SendCancellation(context.Context, *Appointment) error {
	return n.record("cancellation")
}

func (n *recordingNotifier) SendReminder(context.Context, *Appointment) error {
	return n.record("reminder")
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// -- Fixtures --

var (
	nineTen = slottemplate.TimeSlot{Start: "09:00", End: "10:00"}
	tenElev = slottemplate.TimeSlot{Start: "10:00", End: "11:00"}
	monday  = civil.MustParse("2025-11-03")

	resident = auth.Actor{ID: "res-1", Role: auth.RoleResident}
	stranger = auth.Actor{ID: "res-2", Role: auth.RoleResident}
	operator = auth.Actor{ID: "op-1", Role: auth.RoleOperator}
)

type fixture struct {
	mgr      *Manager
	repo     *mockRepo
	checker  *stubChecker
	notifier *recordingNotifier
	dispatch *Dispatcher
	clock    *clock.Mock
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newMockRepo(),
		checker:  &stubChecker{result: availability.Result{IsAvailable: true}},
		notifier: &recordingNotifier{},
		clock:    clock.NewMock(time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC)),
	}
	f.dispatch = NewDispatcher(f.notifier, time.Second, zerolog.Nop())
	f.mgr = NewManager(f.repo, f.checker, lock.NewMemory(), f.dispatch, f.clock, time.UTC, zerolog.Nop())
	return f
}

func (f *fixture) seed(status Status) *Appointment {
	a := &Appointment{
		ResidentID:      resident.ID,
		ZoneID:          "north",
		WasteTypes:      []WasteType{WasteGeneral},
		EstimatedAmount: 3,
		Status:          status,
	}
	a.SetSlot(monday, nineTen, time.UTC)
	_ = f.repo.Create(context.Background(), a)
	return a
}

func TestLifecycle_ConfirmStartComplete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.seed(StatusPending)

	got, err := f.mgr.Confirm(ctx, operator, a.ID, Assignment{Vehicle: "TRK-7", Driver: " Sam "})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != StatusConfirmed || got.AssignedVehicle != "TRK-7" || got.AssignedDriver != "Sam" || got.ConfirmedAt == nil {
		t.Errorf("unexpected confirmed record %+v", got)
	}

	if _, err := f.mgr.StartCollection(ctx, operator, a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err = f.mgr.Complete(ctx, operator, a.ID, 5.2, "two bags")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted || got.ActualAmount == nil || *got.ActualAmount != 5.2 || got.CompletedAt == nil {
		t.Errorf("unexpected completed record %+v", got)
	}

	if _, err := f.mgr.Cancel(ctx, operator, a.ID, "changed my mind"); !errors.Is(err, apperr.ErrState) {
		t.Errorf("expected state error cancelling a completed appointment, got %v", err)
	}
	stored, _ := f.repo.Get(ctx, a.ID)
	if stored.Status != StatusCompleted || stored.Cancellation != nil {
		t.Errorf("completed record must be unchanged, got %+v", stored)
	}

	f.dispatch.Wait()
	if kinds := f.notifier.kinds(); len(kinds) != 3 {
		t.Errorf("expected 3 update notifications, got %v", kinds)
	}
}

func TestLifecycle_CompleteFromConfirmed(t *testing.T) {
	f := newFixture()
	a := f.seed(StatusConfirmed)
	if _, err := f.mgr.Complete(context.Background(), operator, a.ID, 0, ""); err != nil {
		t.Errorf("confirmed -> completed should be legal: %v", err)
	}
}

func TestLifecycle_CompleteRejectsNegativeAmount(t *testing.T) {
	f := newFixture()
	a := f.seed(StatusInProgress)
	if _, err := f.mgr.Complete(context.Background(), operator, a.ID, -1, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLifecycle_StartRequiresConfirmed(t *testing.T) {
	f := newFixture()
	a := f.seed(StatusPending)
	if _, err := f.mgr.StartCollection(context.Background(), operator, a.ID); !errors.Is(err, apperr.ErrState) {
		t.Errorf("expected state error, got %v", err)
	}
}

func TestLifecycle_Cancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.seed(StatusPending)

	got, err := f.mgr.Cancel(ctx, resident, a.ID, "  away that week ")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.Cancellation == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	c := got.Cancellation
	if c.Reason != "away that week" || c.CancelledBy != resident.ID || !c.CancelledAt.Equal(f.clock.Now()) {
		t.Errorf("unexpected cancellation %+v", c)
	}

	stored, err := f.mgr.Get(ctx, resident, a.ID)
	if err != nil || stored.Status != StatusCancelled {
		t.Errorf("cancelled record should stay retrievable, got %+v %v", stored, err)
	}

	f.dispatch.Wait()
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != "cancellation" {
		t.Errorf("expected one cancellation notice, got %v", kinds)
	}
}

func TestLifecycle_CancelRequiresReason(t *testing.T) {
	f := newFixture()
	a := f.seed(StatusPending)
	if _, err := f.mgr.Cancel(context.Background(), resident, a.ID, "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLifecycle_NoShowOnlyFromConfirmed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	pending := f.seed(StatusPending)
	confirmed := f.seed(StatusConfirmed)

	if _, err := f.mgr.MarkNoShow(ctx, operator, pending.ID); !errors.Is(err, apperr.ErrState) {
		t.Errorf("expected state error for pending, got %v", err)
	}
	got, err := f.mgr.MarkNoShow(ctx, operator, confirmed.ID)
	if err != nil || got.Status != StatusNoShow {
		t.Errorf("expected no-show, got %+v %v", got, err)
	}
}

func TestLifecycle_Authorization(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.seed(StatusPending)

	if _, err := f.mgr.Confirm(ctx, resident, a.ID, Assignment{}); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("resident confirm: expected authorization error, got %v", err)
	}
	if _, _, err := f.mgr.Upcoming(ctx, stranger, resident.ID, pagination.Params{}); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("stranger listing: expected authorization error, got %v", err)
	}
	if _, _, err := f.mgr.ByStatus(ctx, resident, StatusPending, pagination.Params{}); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("resident by-status: expected authorization error, got %v", err)
	}
}

func TestLifecycle_OtherResidentsAppointmentIsNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.seed(StatusPending)

	_, getErr := f.mgr.Get(ctx, stranger, a.ID)
	if !errors.Is(getErr, apperr.ErrNotFound) {
		t.Fatalf("stranger read: expected not found, got %v", getErr)
	}
	_, missingErr := f.mgr.Get(ctx, stranger, uuid.New())
	if getErr.Error() != missingErr.Error() {
		t.Errorf("owned and missing appointments must look the same: %q vs %q", getErr, missingErr)
	}
	if _, err := f.mgr.Cancel(ctx, stranger, a.ID, "mine now"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stranger cancel: expected not found, got %v", err)
	}
	if _, err := f.mgr.Reschedule(ctx, stranger, a.ID, RescheduleRequest{Slot: &tenElev}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stranger reschedule: expected not found, got %v", err)
	}
	if got, _ := f.repo.Get(ctx, a.ID); got.Status != StatusPending {
		t.Errorf("appointment must be untouched, got %s", got.Status)
	}
}

func TestLifecycle_NotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.mgr.Cancel(context.Background(), operator, uuid.New(), "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestLifecycle_NotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture()
	f.notifier.fail = true
	a := f.seed(StatusPending)

	if _, err := f.mgr.Confirm(context.Background(), operator, a.ID, Assignment{}); err != nil {
		t.Fatalf("confirm should succeed despite notifier failure: %v", err)
	}
	f.dispatch.Wait()
	stored, _ := f.repo.Get(context.Background(), a.ID)
	if stored.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", stored.Status)
	}
}

func TestReschedule_MovesAndResetsReminder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.seed(StatusConfirmed)
	a.ReminderSent = true
	_ = f.repo.Update(ctx, a)

	next := monday.AddDays(7)
	got, err := f.mgr.Reschedule(ctx, resident, a.ID, RescheduleRequest{Date: &next, Slot: &tenElev})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got.ServiceDate != next || got.Slot() != tenElev || got.ReminderSent {
		t.Errorf("unexpected record %+v", got)
	}
	if want := time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC); !got.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, want)
	}
	if f.checker.calls != 1 {
		t.Errorf("expected one availability check, got %d", f.checker.calls)
	}
}

func TestReschedule_SameSlotIsNoop(t *testing.T) {
	f := newFixture()
	a := f.seed(StatusPending)
	date := monday
	got, err := f.mgr.Reschedule(context.Background(), resident, a.ID, RescheduleRequest{Date: &date, Slot: &nineTen})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.checker.calls != 0 {
		t.Error("no availability check expected for the current slot")
	}
	if got.ServiceDate != monday || got.Slot() != nineTen {
		t.Errorf("unexpected record %+v", got)
	}
	f.dispatch.Wait()
	if len(f.notifier.kinds()) != 0 {
		t.Error("no notification expected for a no-op")
	}
}

func TestReschedule_RejectsUnavailableTarget(t *testing.T) {
	f := newFixture()
	f.checker.result = availability.Result{Reason: apperr.ReasonFull, Message: "slot 10:00-11:00 on 2025-11-03 is fully booked"}
	a := f.seed(StatusPending)

	_, err := f.mgr.Reschedule(context.Background(), resident, a.ID, RescheduleRequest{Slot: &tenElev})
	if apperr.ReasonOf(err) != apperr.ReasonFull {
		t.Errorf("expected full, got %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), a.ID)
	if stored.Slot() != nineTen {
		t.Errorf("record must keep its slot, got %s", stored.Slot())
	}
}

func TestReschedule_StateAndInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inProgress := f.seed(StatusInProgress)

	if _, err := f.mgr.Reschedule(ctx, operator, inProgress.ID, RescheduleRequest{Slot: &tenElev}); !errors.Is(err, apperr.ErrState) {
		t.Errorf("expected state error, got %v", err)
	}
	if _, err := f.mgr.Reschedule(ctx, operator, inProgress.ID, RescheduleRequest{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for empty request, got %v", err)
	}
	bad := slottemplate.TimeSlot{Start: "11:00", End: "10:00"}
	pending := f.seed(StatusPending)
	if _, err := f.mgr.Reschedule(ctx, resident, pending.ID, RescheduleRequest{Slot: &bad}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for inverted slot, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	all := pagination.Params{}
	upcoming := f.seed(StatusPending)
	done := f.seed(StatusCompleted)

	items, total, err := f.mgr.Upcoming(ctx, resident, resident.ID, all)
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != upcoming.ID {
		t.Errorf("Upcoming = %v, %d, %v", items, total, err)
	}
	items, total, err = f.mgr.Past(ctx, resident, resident.ID, all)
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != done.ID {
		t.Errorf("Past = %v, %d, %v", items, total, err)
	}
	items, total, err = f.mgr.ByZone(ctx, operator, "north", monday, monday, all)
	if err != nil || total != 2 || len(items) != 2 {
		t.Errorf("ByZone = %v, %d, %v", items, total, err)
	}
	if _, _, err := f.mgr.ByZone(ctx, operator, "north", monday, monday.AddDays(-1), all); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for inverted range, got %v", err)
	}
	items, total, err = f.mgr.ByStatus(ctx, operator, StatusCompleted, all)
	if err != nil || total != 1 || len(items) != 1 {
		t.Errorf("ByStatus = %v, %d, %v", items, total, err)
	}
}

func TestQueries_Paginated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.seed(StatusPending)
	}

	items, total, err := f.mgr.ByStatus(ctx, operator, StatusPending, pagination.Params{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ByStatus: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Errorf("expected 2 of 5, got %d of %d", len(items), total)
	}
	items, total, _ = f.mgr.ByStatus(ctx, operator, StatusPending, pagination.Params{Limit: 2, Offset: 10})
	if total != 5 || len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d of %d", len(items), total)
	}
}

func TestNeedsReminder_Window(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// Clock: 2025-10-31 12:00. The 24h window is [11-01 12:00, 11-01 13:00).
	inside := &Appointment{ResidentID: resident.ID, ZoneID: "north", Status: StatusConfirmed}
	inside.SetSlot(civil.MustParse("2025-11-01"), slottemplate.TimeSlot{Start: "12:00", End: "13:00"}, time.UTC)
	edge := &Appointment{ResidentID: resident.ID, ZoneID: "north", Status: StatusConfirmed}
	edge.SetSlot(civil.MustParse("2025-11-01"), slottemplate.TimeSlot{Start: "13:00", End: "14:00"}, time.UTC)
	pending := &Appointment{ResidentID: resident.ID, ZoneID: "north", Status: StatusPending}
	pending.SetSlot(civil.MustParse("2025-11-01"), slottemplate.TimeSlot{Start: "12:30", End: "13:00"}, time.UTC)
	for _, a := range []*Appointment{inside, edge, pending} {
		_ = f.repo.Create(ctx, a)
	}

	due, err := f.mgr.NeedsReminder(ctx, 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 || due[0].ID != inside.ID {
		t.Errorf("expected only the 12:00 appointment, got %v", due)
	}
}

func TestReminderWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 15, 0, 0, time.UTC)
	from, to := ReminderWindow(now, 2)
	if !from.Equal(now.Add(2*time.Hour)) || !to.Equal(now.Add(3*time.Hour)) {
		t.Errorf("window = [%v, %v)", from, to)
	}
}
