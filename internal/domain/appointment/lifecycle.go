package appointment

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citywaste/pickup/internal/domain/availability"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/internal/platform/telemetry"
	"github.com/citywaste/pickup/pkg/pagination"
)

// SlotChecker is the availability check shared by booking and reschedule.
type SlotChecker interface {
	CheckSlotAvailability(ctx context.Context, zoneID string, date civil.Date, slot slottemplate.TimeSlot) (availability.Result, error)
}

// Manager enforces the appointment state machine and runs the operational
// queries. Every transition reloads the record under a per-appointment
// lock so concurrent transitions are applied one after another.
type Manager struct {
	repo    Repository
	checker SlotChecker
	locker  lock.Locker
	notify  *Dispatcher
	clock   clock.Clock
	loc     *time.Location
	logger  zerolog.Logger
}

func NewManager(repo Repository, checker SlotChecker, locker lock.Locker, notify *Dispatcher, clk clock.Clock, loc *time.Location, logger zerolog.Logger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	if notify == nil {
		notify = NewDispatcher(nil, 0, logger)
	}
	return &Manager{
		repo:    repo,
		checker: checker,
		locker:  locker,
		notify:  notify,
		clock:   clk,
		loc:     loc,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Get loads id for actor. Appointments owned by another resident are
// reported as not found so their existence is not disclosed.
func (m *Manager) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(a.ResidentID) {
		return nil, apperr.NotFound("appointment")
	}
	return a, nil
}

// mutate reloads id under its lock, checks access, applies fn and saves.
func (m *Manager) mutate(ctx context.Context, actor auth.Actor, id uuid.UUID, op string, operatorOnly bool, fn func(a *Appointment, now time.Time) error) (_ *Appointment, err error) {
	ctx, span := telemetry.Start(ctx, "appointment", op, attribute.String("appointment_id", id.String()))
	defer func() { telemetry.End(span, err) }()

	if operatorOnly && !actor.IsOperator() {
		return nil, apperr.Forbidden()
	}
	var out *Appointment
	err = m.locker.WithLocks(ctx, []string{appointmentKey(id)}, func(ctx context.Context) error {
		a, err := m.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanAccess(a.ResidentID) {
			return apperr.NotFound("appointment")
		}
		if err := fn(a, m.clock.Now()); err != nil {
			return err
		}
		if err := m.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("appointment_id", id.String()).Str("status", string(out.Status)).
		Str("actor", actor.ID).Msgf("appointment %s", op)
	return out, nil
}

// Assignment is the crew assigned when an appointment is confirmed.
type Assignment struct {
	Vehicle string `json:"vehicle"`
	Driver  string `json:"driver"`
}

func (m *Manager) Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID, as Assignment) (*Appointment, error) {
	a, err := m.mutate(ctx, actor, id, "confirm", true, func(a *Appointment, now time.Time) error {
		if err := a.transition(StatusConfirmed, now); err != nil {
			return err
		}
		a.AssignedVehicle = strings.TrimSpace(as.Vehicle)
		a.AssignedDriver = strings.TrimSpace(as.Driver)
		a.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify.Update(ctx, a)
	return a, nil
}

func (m *Manager) StartCollection(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := m.mutate(ctx, actor, id, "start", true, func(a *Appointment, now time.Time) error {
		if err := a.transition(StatusInProgress, now); err != nil {
			return err
		}
		a.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify.Update(ctx, a)
	return a, nil
}

func (m *Manager) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID, actualAmount float64, notes string) (*Appointment, error) {
	if actualAmount < 0 {
		return nil, apperr.Validation("actual_amount must not be negative")
	}
	a, err := m.mutate(ctx, actor, id, "complete", true, func(a *Appointment, now time.Time) error {
		if err := a.transition(StatusCompleted, now); err != nil {
			return err
		}
		a.ActualAmount = &actualAmount
		if n := strings.TrimSpace(notes); n != "" {
			a.Notes = n
		}
		a.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify.Update(ctx, a)
	return a, nil
}

// Cancel is allowed for the owning resident and operators. Cancellation
// needs no notice; any non-terminal appointment may be cancelled.
func (m *Manager) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a cancellation reason is required")
	}
	a, err := m.mutate(ctx, actor, id, "cancel", false, func(a *Appointment, now time.Time) error {
		if err := a.transition(StatusCancelled, now); err != nil {
			return err
		}
		a.Cancellation = &Cancellation{Reason: reason, CancelledBy: actor.ID, CancelledAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify.Cancellation(ctx, a)
	return a, nil
}

func (m *Manager) MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := m.mutate(ctx, actor, id, "no-show", true, func(a *Appointment, now time.Time) error {
		return a.transition(StatusNoShow, now)
	})
	if err != nil {
		return nil, err
	}
	m.notify.Update(ctx, a)
	return a, nil
}

// RescheduleRequest names the target date and/or slot. Omitted fields keep
// the appointment's current value.
type RescheduleRequest struct {
	Date *civil.Date            `json:"date,omitempty"`
	Slot *slottemplate.TimeSlot `json:"slot,omitempty"`
}

// Reschedule moves a pending or confirmed appointment, re-running the slot
// availability check inside the target slot's lock. Moving to the slot it
// already holds is a no-op.
func (m *Manager) Reschedule(ctx context.Context, actor auth.Actor, id uuid.UUID, req RescheduleRequest) (_ *Appointment, err error) {
	ctx, span := telemetry.Start(ctx, "appointment", "reschedule", attribute.String("appointment_id", id.String()))
	defer func() { telemetry.End(span, err) }()

	if req.Date == nil && req.Slot == nil {
		return nil, apperr.Validation("a new date or slot is required")
	}
	cur, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	date, slot := cur.ServiceDate, cur.Slot()
	if req.Date != nil {
		date = *req.Date
	}
	if req.Slot != nil {
		slot = *req.Slot
	}
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	var out *Appointment
	moved := false
	keys := []string{appointmentKey(id), SlotKey(cur.ZoneID, date, slot)}
	err = m.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		a, err := m.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			return apperr.InvalidState("cannot reschedule a %s appointment", a.Status)
		}
		if a.ServiceDate == date && a.Slot() == slot {
			out = a
			return nil
		}
		res, err := m.checker.CheckSlotAvailability(ctx, a.ZoneID, date, slot)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		a.SetSlot(date, slot, m.loc)
		a.ReminderSent = false
		a.UpdatedAt = m.clock.Now()
		if err := m.repo.Update(ctx, a); err != nil {
			return err
		}
		out, moved = a, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		m.logger.Info().Str("appointment_id", id.String()).Str("date", date.String()).
			Str("slot", slot.String()).Str("actor", actor.ID).Msg("appointment rescheduled")
		m.notify.Update(ctx, out)
	}
	return out, nil
}

// -- Queries --

func (m *Manager) Upcoming(ctx context.Context, actor auth.Actor, residentID string, p pagination.Params) ([]*Appointment, int, error) {
	if !actor.CanAccess(residentID) {
		return nil, 0, apperr.Forbidden()
	}
	return m.repo.ListUpcoming(ctx, residentID, m.clock.Now(), p)
}

func (m *Manager) Past(ctx context.Context, actor auth.Actor, residentID string, p pagination.Params) ([]*Appointment, int, error) {
	if !actor.CanAccess(residentID) {
		return nil, 0, apperr.Forbidden()
	}
	return m.repo.ListPast(ctx, residentID, m.clock.Now(), p)
}

func (m *Manager) ByZone(ctx context.Context, actor auth.Actor, zoneID string, from, to civil.Date, p pagination.Params) ([]*Appointment, int, error) {
	if !actor.IsOperator() {
		return nil, 0, apperr.Forbidden()
	}
	if to.Before(from) {
		return nil, 0, apperr.Validation("to must not be before from")
	}
	return m.repo.ListByZone(ctx, zoneID, from, to, p)
}

func (m *Manager) ByStatus(ctx context.Context, actor auth.Actor, status Status, p pagination.Params) ([]*Appointment, int, error) {
	if !actor.IsOperator() {
		return nil, 0, apperr.Forbidden()
	}
	return m.repo.ListByStatus(ctx, status, p)
}

// ReminderWindow is the one-hour window starting hoursAhead hours after now.
func ReminderWindow(now time.Time, hoursAhead int) (from, to time.Time) {
	from = now.Add(time.Duration(hoursAhead) * time.Hour)
	return from, from.Add(time.Hour)
}

// NeedsReminder lists confirmed appointments inside the reminder window
// that have not been reminded yet.
func (m *Manager) NeedsReminder(ctx context.Context, hoursAhead int) ([]*Appointment, error) {
	from, to := ReminderWindow(m.clock.Now(), hoursAhead)
	return m.repo.DueForReminder(ctx, from, to)
}
