package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/domain/availability"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/domain/zone"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/internal/store/memory"
)

type env struct {
	coord     *Coordinator
	mgr       *appointment.Manager
	templates *memory.Templates
	appts     *memory.Appointments
	clock     *clock.Mock
	dispatch  *appointment.Dispatcher
}

var (
	nineTen = slottemplate.TimeSlot{Start: "09:00", End: "10:00"}
	tenElev = slottemplate.TimeSlot{Start: "10:00", End: "11:00"}
	// 2025-11-03 is a Monday; the clock starts on the Friday before.
	monday = civil.MustParse("2025-11-03")
)

func newEnv(t *testing.T, slots ...slottemplate.SlotDefinition) *env {
	t.Helper()
	ctx := context.Background()
	zones := memory.NewZones()
	if err := zones.Upsert(ctx, &zone.Zone{ID: "north", Name: "North", Active: true}); err != nil {
		t.Fatal(err)
	}
	templates := memory.NewTemplates()
	if len(slots) > 0 {
		for _, dow := range []int{1, 5, 6} {
			tpl := &slottemplate.Template{ZoneID: "north", DayOfWeek: dow, Slots: slots}
			if err := templates.Save(ctx, tpl); err != nil {
				t.Fatal(err)
			}
		}
	}
	appts := memory.NewAppointments()
	clk := clock.NewMock(time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC))
	locker := lock.NewMemory()
	engine := availability.NewEngine(templates, appts, clk, availability.Config{MinLeadTime: time.Hour, Location: time.UTC})
	dispatch := appointment.NewDispatcher(nil, time.Second, zerolog.Nop())

	return &env{
		coord: NewCoordinator(zones, engine, appts, locker, dispatch, clk,
			Config{MinLeadTime: time.Hour, MaxActivePerResident: 3, Location: time.UTC}, zerolog.Nop()),
		mgr:       appointment.NewManager(appts, engine, locker, dispatch, clk, time.UTC, zerolog.Nop()),
		templates: templates,
		appts:     appts,
		clock:     clk,
		dispatch:  dispatch,
	}
}

func residentActor(id string) auth.Actor { return auth.Actor{ID: id, Role: auth.RoleResident} }

func request(date civil.Date, slot slottemplate.TimeSlot) Request {
	return Request{
		ZoneID:          "north",
		Date:            date,
		Slot:            slot,
		WasteTypes:      []appointment.WasteType{appointment.WasteGeneral},
		EstimatedAmount: 2.5,
	}
}

func (e *env) book(resident string, date civil.Date, slot slottemplate.TimeSlot) (*appointment.Appointment, error) {
	return e.coord.Book(context.Background(), residentActor(resident), "", request(date, slot))
}

func (e *env) editTemplate(t *testing.T, dow int, fn func(*slottemplate.Template)) {
	t.Helper()
	tpl, _ := e.templates.Get(context.Background(), "north", dow)
	fn(tpl)
	if err := e.templates.Save(context.Background(), tpl); err != nil {
		t.Fatal(err)
	}
}

// Two residents fill a capacity-2 slot; the third is turned away as full.
func TestBook_FillsSlotThenRejectsFull(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 2, Active: true})

	for _, r := range []string{"r1", "r2"} {
		a, err := e.book(r, monday, nineTen)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", r, err)
		}
		if a.Status != appointment.StatusPending {
			t.Errorf("expected pending, got %s", a.Status)
		}
	}
	_, err := e.book("r3", monday, nineTen)
	if apperr.ReasonOf(err) != apperr.ReasonFull {
		t.Fatalf("expected full, got %v", err)
	}
	if apperr.PublicMessage(err) != "slot 09:00-10:00 on 2025-11-03 is fully booked" {
		t.Errorf("unexpected message %q", apperr.PublicMessage(err))
	}
	if n, _ := e.appts.CountActiveByResident(context.Background(), "r3"); n != 0 {
		t.Error("no record may be created for a rejected booking")
	}
}

// A holiday closes the zone even though the weekday template has capacity.
func TestBook_HolidayRejected(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 50, Active: true})
	e.editTemplate(t, 1, func(tpl *slottemplate.Template) {
		tpl.Holidays = []slottemplate.Holiday{{Date: monday, Name: "Founders Day"}}
	})

	_, err := e.book("r1", monday, nineTen)
	if apperr.ReasonOf(err) != apperr.ReasonHoliday {
		t.Errorf("expected holiday, got %v", err)
	}
}

// A special date lowers the slot capacity from 10 to 1.
func TestBook_SpecialDateCapacityOverride(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 10, Active: true})
	saturday := civil.MustParse("2025-11-01")
	one := 1
	e.editTemplate(t, 6, func(tpl *slottemplate.Template) {
		tpl.SpecialDates = []slottemplate.SpecialDate{{Date: saturday, IsAvailable: true, CapacityOverride: &one}}
	})

	if _, err := e.book("r1", saturday, nineTen); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	if _, err := e.book("r2", saturday, nineTen); apperr.ReasonOf(err) != apperr.ReasonFull {
		t.Errorf("expected full on the override date, got %v", err)
	}
	// The following Saturday keeps the template capacity.
	if _, err := e.book("r2", saturday.AddDays(7), nineTen); err != nil {
		t.Errorf("expected normal capacity the next week: %v", err)
	}
}

// Cancelling keeps the record and lets the resident book again.
func TestBook_CancelThenRebookNextWeek(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "10:00", End: "11:00", Capacity: 1, Active: true})
	ctx := context.Background()
	saturday := civil.MustParse("2025-11-01")

	a, err := e.book("r1", saturday, tenElev)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := e.mgr.Cancel(ctx, residentActor("r1"), a.ID, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := e.mgr.Get(ctx, residentActor("r1"), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != appointment.StatusCancelled || got.Cancellation == nil ||
		got.Cancellation.Reason != "no longer needed" || got.Cancellation.CancelledBy != "r1" {
		t.Errorf("unexpected cancelled record %+v", got)
	}

	if _, err := e.book("r1", saturday.AddDays(7), tenElev); err != nil {
		t.Errorf("rebooking next week should succeed: %v", err)
	}
	// The cancelled seat is free again as well.
	if _, err := e.book("r2", saturday, tenElev); err != nil {
		t.Errorf("cancelled seat should be bookable: %v", err)
	}
}

// A fourth active appointment is refused until one is cancelled.
func TestBook_QuotaExceededThenFreed(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	var booked []*appointment.Appointment
	for i := 0; i < 3; i++ {
		a, err := e.book("r1", monday.AddDays(7*i), nineTen)
		if err != nil {
			t.Fatalf("booking %d: %v", i, err)
		}
		booked = append(booked, a)
	}

	_, err := e.book("r1", monday.AddDays(21), nineTen)
	if apperr.ReasonOf(err) != apperr.ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}

	if _, err := e.mgr.Cancel(context.Background(), residentActor("r1"), booked[0].ID, "plans changed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.book("r1", monday.AddDays(21), nineTen); err != nil {
		t.Errorf("fourth booking should succeed after a cancellation: %v", err)
	}
}

func TestBook_LeadTime(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "13:00", End: "14:00", Capacity: 5, Active: true})
	friday := civil.MustParse("2025-10-31")

	e.clock.Set(time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC))
	slot := slottemplate.TimeSlot{Start: "13:00", End: "14:00"}
	a, err := e.book("r1", friday, slot)
	if err != nil {
		t.Fatalf("exactly one hour ahead should be accepted: %v", err)
	}
	if !a.ScheduledAt.Equal(time.Date(2025, 10, 31, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected ScheduledAt %v", a.ScheduledAt)
	}

	e.clock.Add(time.Second)
	_, err = e.book("r2", friday, slot)
	if apperr.ReasonOf(err) != apperr.ReasonTooSoon {
		t.Errorf("expected too_soon, got %v", err)
	}
}

func TestBook_NotConfigured(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	tuesday := monday.AddDays(1)
	if _, err := e.book("r1", tuesday, nineTen); apperr.ReasonOf(err) != apperr.ReasonNotConfigured {
		t.Errorf("expected not_configured for a day without template, got %v", err)
	}
	if _, err := e.book("r1", monday, tenElev); apperr.ReasonOf(err) != apperr.ReasonNotConfigured {
		t.Errorf("expected not_configured for an unknown slot, got %v", err)
	}
}

func TestBook_Validation(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	cases := map[string]func(*Request){
		"missing zone":    func(r *Request) { r.ZoneID = "" },
		"missing date":    func(r *Request) { r.Date = civil.Date{} },
		"bad time":        func(r *Request) { r.Slot.Start = "9:00" },
		"no waste types":  func(r *Request) { r.WasteTypes = nil },
		"unknown waste":   func(r *Request) { r.WasteTypes = []appointment.WasteType{"uranium"} },
		"amount too low":  func(r *Request) { r.EstimatedAmount = 0.05 },
		"amount too high": func(r *Request) { r.EstimatedAmount = 1000.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request(monday, nineTen)
			mutate(&req)
			_, err := e.coord.Book(context.Background(), residentActor("r1"), "", req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBook_UnknownZone(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	req := request(monday, nineTen)
	req.ZoneID = "atlantis"
	if _, err := e.coord.Book(context.Background(), residentActor("r1"), "", req); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBook_OnBehalfOf(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	ctx := context.Background()
	op := auth.Actor{ID: "op-1", Role: auth.RoleOperator}

	a, err := e.coord.Book(ctx, op, "r9", request(monday, nineTen))
	if err != nil || a.ResidentID != "r9" {
		t.Fatalf("operator booking = %+v, %v", a, err)
	}
	if _, err := e.coord.Book(ctx, residentActor("r1"), "r9", request(monday, nineTen)); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("resident booking for someone else: expected authorization error, got %v", err)
	}
}

type failingNotifier struct {
	appointment.NopNotifier
	mu    sync.Mutex
	calls int
}

func (f *failingNotifier) SendConfirmation(context.Context, *appointment.Appointment) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("notifier down")
}

func TestBook_NotifierFailureKeepsBooking(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 5, Active: true})
	n := &failingNotifier{}
	e.coord.notify = appointment.NewDispatcher(n, time.Second, zerolog.Nop())

	a, err := e.book("r1", monday, nineTen)
	if err != nil {
		t.Fatalf("booking must succeed when the notifier fails: %v", err)
	}
	e.coord.notify.Wait()
	if n.calls != 1 {
		t.Errorf("expected one confirmation attempt, got %d", n.calls)
	}
	if _, err := e.appts.Get(context.Background(), a.ID); err != nil {
		t.Errorf("booking must persist: %v", err)
	}
}

func TestBook_ConcurrentRaceNeverOversubscribes(t *testing.T) {
	const capacity, attempts = 3, 25
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: capacity, Active: true})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		full      int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.book(fmt.Sprintf("r%d", i), monday, nineTen)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.ReasonOf(err) == apperr.ReasonFull:
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != capacity || full != attempts-capacity {
		t.Errorf("expected %d successes and %d full, got %d and %d", capacity, attempts-capacity, successes, full)
	}
	occ, _ := e.appts.SlotOccupancy(context.Background(), "north", monday)
	if occ[nineTen] != capacity {
		t.Errorf("occupancy = %d, want %d", occ[nineTen], capacity)
	}
}

func TestBook_ConcurrentQuotaRace(t *testing.T) {
	e := newEnv(t, slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 50, Active: true})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		quota     int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Spread over different weeks so only the resident lock is shared.
			_, err := e.book("r1", monday.AddDays(7*i), nineTen)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.ReasonOf(err) == apperr.ReasonQuotaExceeded:
				quota++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 3 || quota != 7 {
		t.Errorf("expected 3 successes and 7 quota rejections, got %d and %d", successes, quota)
	}
	if n, _ := e.appts.CountActiveByResident(context.Background(), "r1"); n != 3 {
		t.Errorf("active count = %d, want 3", n)
	}
}

func TestReschedule_SharesGuardWithBooking(t *testing.T) {
	e := newEnv(t,
		slottemplate.SlotDefinition{Start: "09:00", End: "10:00", Capacity: 1, Active: true},
		slottemplate.SlotDefinition{Start: "10:00", End: "11:00", Capacity: 1, Active: true},
	)
	ctx := context.Background()
	first, err := e.book("r1", monday, nineTen)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.book("r2", monday, tenElev); err != nil {
		t.Fatal(err)
	}

	_, err = e.mgr.Reschedule(ctx, residentActor("r1"), first.ID, appointment.RescheduleRequest{Slot: &tenElev})
	if apperr.ReasonOf(err) != apperr.ReasonFull {
		t.Errorf("expected full when rescheduling into a taken slot, got %v", err)
	}

	next := monday.AddDays(7)
	moved, err := e.mgr.Reschedule(ctx, residentActor("r1"), first.ID, appointment.RescheduleRequest{Date: &next})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.ServiceDate != next {
		t.Errorf("expected %s, got %s", next, moved.ServiceDate)
	}
	// The old seat is free now.
	if _, err := e.book("r3", monday, nineTen); err != nil {
		t.Errorf("vacated seat should be bookable: %v", err)
	}
}
