package slottemplate

import "github.com/citywaste/pickup/internal/platform/civil"

// Closure explains why a date takes no bookings.
type Closure int

const (
	Open Closure = iota
	ClosedNoTemplate
	ClosedHoliday
	ClosedSpecialDate
)

// EffectiveSlot is an active slot with the capacity in force on one date.
type EffectiveSlot struct {
	TimeSlot
	Capacity int `json:"capacity"`
}

// Day is a template resolved against one calendar date.
type Day struct {
	Date      civil.Date
	Available bool
	Closure   Closure
	// Reason is the holiday name or special-date reason when closed.
	Reason string
	Slots  []EffectiveSlot
}

// Resolve applies template, then holiday, then special date for date. A
// holiday always closes the date, whatever special dates say.
func Resolve(tpl *Template, date civil.Date) Day {
	day := Day{Date: date}
	if tpl == nil {
		day.Closure = ClosedNoTemplate
		return day
	}
	if h, ok := tpl.holiday(date); ok {
		day.Closure = ClosedHoliday
		day.Reason = h.Name
		return day
	}

	sd, special := tpl.specialDate(date)
	if special && !sd.IsAvailable {
		day.Closure = ClosedSpecialDate
		day.Reason = sd.Reason
		return day
	}

	day.Available = true
	for _, s := range tpl.Slots {
		if !s.Active {
			continue
		}
		capacity := s.Capacity
		if special && sd.CapacityOverride != nil {
			capacity = *sd.CapacityOverride
		}
		day.Slots = append(day.Slots, EffectiveSlot{TimeSlot: s.TimeSlot(), Capacity: capacity})
	}
	return day
}

// Slot returns the effective slot matching ts exactly.
func (d Day) Slot(ts TimeSlot) (EffectiveSlot, bool) {
	for _, s := range d.Slots {
		if s.TimeSlot == ts {
			return s, true
		}
	}
	return EffectiveSlot{}, false
}

// IsDateAvailable is false when date is a holiday or an unavailable special
// date of tpl.
func IsDateAvailable(tpl *Template, date civil.Date) bool {
	return Resolve(tpl, date).Available
}

// SlotsForDate returns the active slots of tpl with special-date capacity
// overrides applied. Closure is not considered; use Resolve for that.
func SlotsForDate(tpl *Template, date civil.Date) []EffectiveSlot {
	if tpl == nil {
		return nil
	}
	open := *tpl
	open.Holidays = nil
	open.SpecialDates = nil
	if sd, ok := tpl.specialDate(date); ok {
		sd.IsAvailable = true
		open.SpecialDates = []SpecialDate{sd}
	}
	return Resolve(&open, date).Slots
}
