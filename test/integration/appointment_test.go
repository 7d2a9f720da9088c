//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/pkg/pagination"
)

var monday = civil.MustParse("2030-11-04")

func newAppointment(resident string, slot slottemplate.TimeSlot, status appointment.Status) *appointment.Appointment {
	a := &appointment.Appointment{
		ResidentID:      resident,
		ZoneID:          "north",
		WasteTypes:      []appointment.WasteType{appointment.WasteBulky},
		EstimatedAmount: 12.5,
		Status:          status,
	}
	a.SetSlot(monday, slot, time.UTC)
	return a
}

var nineToTen = slottemplate.TimeSlot{Start: "09:00", End: "10:00"}

func TestAppointmentRepo_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	createTestZone(t, ctx, "north")
	repo := appointment.NewRepoPG(globalPool)

	a := newAppointment("res-1", nineToTen, appointment.StatusPending)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ServiceDate != monday || got.Start != "09:00" || len(got.WasteTypes) != 1 || got.WasteTypes[0] != appointment.WasteBulky {
		t.Errorf("unexpected appointment %+v", got)
	}
	if !got.ScheduledAt.Equal(a.ScheduledAt) {
		t.Errorf("scheduled_at = %v, want %v", got.ScheduledAt, a.ScheduledAt)
	}

	got.Status = appointment.StatusCancelled
	got.ActualAmount = ptrFloat(0)
	got.Cancellation = &appointment.Cancellation{Reason: "moved", CancelledBy: "res-1", CancelledAt: time.Now().UTC().Truncate(time.Second)}
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, _ := repo.Get(ctx, a.ID)
	if again.Status != appointment.StatusCancelled || again.Cancellation == nil || again.Cancellation.Reason != "moved" {
		t.Errorf("update not persisted: %+v", again)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAppointmentRepo_OccupancyAndQuota(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	createTestZone(t, ctx, "north")
	repo := appointment.NewRepoPG(globalPool)

	for _, st := range []appointment.Status{appointment.StatusPending, appointment.StatusConfirmed, appointment.StatusCancelled, appointment.StatusCompleted} {
		if err := repo.Create(ctx, newAppointment("res-1", nineToTen, st)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	occ, err := repo.SlotOccupancy(ctx, "north", monday)
	if err != nil {
		t.Fatalf("SlotOccupancy: %v", err)
	}
	// Cancelled appointments release their place, completed ones do not.
	if occ[nineToTen] != 3 {
		t.Errorf("occupancy = %d, want 3", occ[nineToTen])
	}

	n, err := repo.CountActiveByResident(ctx, "res-1")
	if err != nil {
		t.Fatalf("CountActiveByResident: %v", err)
	}
	if n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
}

func TestAppointmentRepo_Reminders(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	createTestZone(t, ctx, "north")
	repo := appointment.NewRepoPG(globalPool)

	due := newAppointment("res-1", nineToTen, appointment.StatusConfirmed)
	pending := newAppointment("res-2", nineToTen, appointment.StatusPending)
	for _, a := range []*appointment.Appointment{due, pending} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	from := due.ScheduledAt.Add(-24 * time.Hour)
	list, err := repo.DueForReminder(ctx, from, due.ScheduledAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("DueForReminder: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("expected only the confirmed appointment, got %d", len(list))
	}

	flipped, err := repo.MarkReminded(ctx, due.ID)
	if err != nil || !flipped {
		t.Fatalf("MarkReminded = %v, %v", flipped, err)
	}
	flipped, err = repo.MarkReminded(ctx, due.ID)
	if err != nil || flipped {
		t.Errorf("second MarkReminded = %v, %v, want false", flipped, err)
	}
	if _, err := repo.MarkReminded(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for unknown id, got %v", err)
	}
}

func TestAppointmentRepo_UpcomingAndPast(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	createTestZone(t, ctx, "north")
	repo := appointment.NewRepoPG(globalPool)

	upcoming := newAppointment("res-1", nineToTen, appointment.StatusConfirmed)
	done := newAppointment("res-1", slottemplate.TimeSlot{Start: "10:00", End: "11:00"}, appointment.StatusCompleted)
	for _, a := range []*appointment.Appointment{upcoming, done} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	now := upcoming.ScheduledAt.Add(-time.Hour)
	up, total, err := repo.ListUpcoming(ctx, "res-1", now, pagination.Params{})
	if err != nil || total != 1 || len(up) != 1 || up[0].ID != upcoming.ID {
		t.Errorf("ListUpcoming = %v, %d, %v", up, total, err)
	}
	past, total, err := repo.ListPast(ctx, "res-1", now, pagination.Params{})
	if err != nil || total != 1 || len(past) != 1 || past[0].ID != done.ID {
		t.Errorf("ListPast = %v, %d, %v", past, total, err)
	}
}

func TestAppointmentRepo_ListByZonePaginated(t *testing.T) {
	ctx := context.Background()
	resetTables(t, ctx)
	createTestZone(t, ctx, "north")
	repo := appointment.NewRepoPG(globalPool)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		a := newAppointment(fmt.Sprintf("res-%d", i), nineToTen, appointment.StatusPending)
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, a.ID)
	}

	page, total, err := repo.ListByZone(ctx, "north", monday, monday, pagination.Params{Limit: 2, Offset: 0})
	if err != nil || total != 3 || len(page) != 2 {
		t.Fatalf("first page = %d of %d, %v", len(page), total, err)
	}
	rest, total, err := repo.ListByZone(ctx, "north", monday, monday, pagination.Params{Limit: 2, Offset: 2})
	if err != nil || total != 3 || len(rest) != 1 {
		t.Fatalf("second page = %d of %d, %v", len(rest), total, err)
	}
	seen := map[uuid.UUID]bool{page[0].ID: true, page[1].ID: true, rest[0].ID: true}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("appointment %s missing from pages", id)
		}
	}
}
