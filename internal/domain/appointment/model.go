package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no-show"
)

// transitions lists the legal next states. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

var allStatuses = []Status{
	StatusPending, StatusConfirmed, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusNoShow,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.Validation("unknown status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Active reports whether the appointment counts against the resident quota.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// WasteType is one category from the fixed collection catalogue.
type WasteType string

const (
	WasteGeneral    WasteType = "general"
	WasteRecyclable WasteType = "recyclable"
	WasteOrganic    WasteType = "organic"
	WasteGlass      WasteType = "glass"
	WastePaper      WasteType = "paper"
	WasteHazardous  WasteType = "hazardous"
	WasteElectronic WasteType = "electronic"
	WasteBulky      WasteType = "bulky"
	WasteGarden     WasteType = "garden"
)

var catalogue = map[WasteType]bool{
	WasteGeneral: true, WasteRecyclable: true, WasteOrganic: true,
	WasteGlass: true, WastePaper: true, WasteHazardous: true,
	WasteElectronic: true, WasteBulky: true, WasteGarden: true,
}

// ValidateWasteTypes requires at least one known type and no repeats.
func ValidateWasteTypes(types []WasteType) error {
	if len(types) == 0 {
		return apperr.Validation("at least one waste type is required")
	}
	seen := make(map[WasteType]bool, len(types))
	for _, t := range types {
		if !catalogue[t] {
			return apperr.Validation("unknown waste type %q", t)
		}
		if seen[t] {
			return apperr.Validation("waste type %q listed twice", t)
		}
		seen[t] = true
	}
	return nil
}

const (
	MinEstimatedAmount float64 = 0.1
	MaxEstimatedAmount float64 = 1000
)

func ValidateEstimatedAmount(v float64) error {
	if v < MinEstimatedAmount || v > MaxEstimatedAmount {
		return apperr.Validation("estimated_amount must be between %g and %g", MinEstimatedAmount, MaxEstimatedAmount)
	}
	return nil
}

type Cancellation struct {
	Reason      string    `json:"reason"`
	CancelledBy string    `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type Appointment struct {
	ID                  uuid.UUID              `json:"id"`
	ResidentID          string                 `json:"resident_id"`
	ZoneID              string                 `json:"zone_id"`
	ServiceDate         civil.Date             `json:"service_date"`
	Start               slottemplate.TimeOfDay `json:"start"`
	End                 slottemplate.TimeOfDay `json:"end"`
	ScheduledAt         time.Time              `json:"scheduled_at"`
	WasteTypes          []WasteType            `json:"waste_types"`
	EstimatedAmount     float64                `json:"estimated_amount"`
	ActualAmount        *float64               `json:"actual_amount,omitempty"`
	SpecialInstructions string                 `json:"special_instructions,omitempty"`
	Notes               string                 `json:"notes,omitempty"`
	Status              Status                 `json:"status"`
	AssignedVehicle     string                 `json:"assigned_vehicle,omitempty"`
	AssignedDriver      string                 `json:"assigned_driver,omitempty"`
	Cancellation        *Cancellation          `json:"cancellation,omitempty"`
	ReminderSent        bool                   `json:"reminder_sent"`
	ConfirmedAt         *time.Time             `json:"confirmed_at,omitempty"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

func (a *Appointment) Slot() slottemplate.TimeSlot {
	return slottemplate.TimeSlot{Start: a.Start, End: a.End}
}

// SetSlot moves the appointment to slot on date, recomputing ScheduledAt
// in loc.
func (a *Appointment) SetSlot(date civil.Date, slot slottemplate.TimeSlot, loc *time.Location) {
	a.ServiceDate = date
	a.Start = slot.Start
	a.End = slot.End
	a.ScheduledAt = slot.StartsAt(date, loc)
}

// transition moves a to next or returns a state error.
func (a *Appointment) transition(next Status, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return apperr.InvalidState("cannot move appointment from %s to %s", a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (a *Appointment) Clone() *Appointment {
	c := *a
	c.WasteTypes = append([]WasteType(nil), a.WasteTypes...)
	if a.ActualAmount != nil {
		v := *a.ActualAmount
		c.ActualAmount = &v
	}
	if a.Cancellation != nil {
		v := *a.Cancellation
		c.Cancellation = &v
	}
	c.ConfirmedAt = cloneTime(a.ConfirmedAt)
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SlotKey is the lock key guarding occupancy of one zone/date/slot.
func SlotKey(zoneID string, date civil.Date, slot slottemplate.TimeSlot) string {
	return fmt.Sprintf("slot:%s|%s|%s|%s", zoneID, date, slot.Start, slot.End)
}

// ResidentKey is the lock key guarding a resident's quota.
func ResidentKey(residentID string) string {
	return "resident:" + residentID
}

func appointmentKey(id uuid.UUID) string {
	return "appointment:" + id.String()
}
