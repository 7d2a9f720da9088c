package slottemplate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
)

var timeOfDayPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// TimeOfDay is a 24-hour "HH:MM" clock time.
type TimeOfDay string

func (t TimeOfDay) Valid() bool { return timeOfDayPattern.MatchString(string(t)) }

// Clock splits a valid TimeOfDay into hour and minute.
func (t TimeOfDay) Clock() (hour, minute int) {
	hour, _ = strconv.Atoi(string(t[0:2]))
	minute, _ = strconv.Atoi(string(t[3:5]))
	return hour, minute
}

// Minutes since midnight.
func (t TimeOfDay) Minutes() int {
	h, m := t.Clock()
	return h*60 + m
}

// TimeSlot is a start/end window on a single day.
type TimeSlot struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (s TimeSlot) String() string { return string(s.Start) + "-" + string(s.End) }

// Validate checks both boundaries are well formed and Start < End.
func (s TimeSlot) Validate() error {
	if !s.Start.Valid() {
		return apperr.Validation("invalid start time %q, expected HH:MM", s.Start)
	}
	if !s.End.Valid() {
		return apperr.Validation("invalid end time %q, expected HH:MM", s.End)
	}
	if s.Start.Minutes() >= s.End.Minutes() {
		return apperr.Validation("slot %s must start before it ends", s)
	}
	return nil
}

// StartsAt returns the instant the slot opens on date in loc.
func (s TimeSlot) StartsAt(date civil.Date, loc *time.Location) time.Time {
	h, m := s.Start.Clock()
	return civil.At(date, h, m, loc)
}

func (s TimeSlot) overlaps(o TimeSlot) bool {
	return s.Start.Minutes() < o.End.Minutes() && o.Start.Minutes() < s.End.Minutes()
}

// SlotDefinition is one bookable window of a weekly template.
type SlotDefinition struct {
	Start    TimeOfDay `json:"start"`
	End      TimeOfDay `json:"end"`
	Capacity int       `json:"capacity"`
	Active   bool      `json:"active"`
}

func (d SlotDefinition) TimeSlot() TimeSlot { return TimeSlot{Start: d.Start, End: d.End} }

type Holiday struct {
	Date civil.Date `json:"date"`
	Name string     `json:"name"`
}

// SpecialDate overrides availability or capacity for one date.
type SpecialDate struct {
	Date             civil.Date `json:"date"`
	CapacityOverride *int       `json:"capacity_override,omitempty"`
	IsAvailable      bool       `json:"is_available"`
	Reason           string     `json:"reason,omitempty"`
}

// Template is the weekly slot calendar of a zone for one weekday.
type Template struct {
	ID           uuid.UUID        `json:"id"`
	ZoneID       string           `json:"zone_id"`
	DayOfWeek    int              `json:"day_of_week"`
	Slots        []SlotDefinition `json:"slots"`
	Holidays     []Holiday        `json:"holidays"`
	SpecialDates []SpecialDate    `json:"special_dates"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DayOfWeek converts a weekday to the 0 = Sunday index used by templates.
func DayOfWeek(d civil.Date) int { return int(civil.Weekday(d)) }

func (t *Template) holiday(d civil.Date) (Holiday, bool) {
	for _, h := range t.Holidays {
		if h.Date == d {
			return h, true
		}
	}
	return Holiday{}, false
}

func (t *Template) specialDate(d civil.Date) (SpecialDate, bool) {
	for _, s := range t.SpecialDates {
		if s.Date == d {
			return s, true
		}
	}
	return SpecialDate{}, false
}

// Validate checks the template in isolation: weekday range, slot
// boundaries and capacities, no overlapping active slots, and that every
// override falls on the template's weekday.
func (t *Template) Validate() error {
	if t.ZoneID == "" {
		return apperr.Validation("zone_id is required")
	}
	if t.DayOfWeek < 0 || t.DayOfWeek > 6 {
		return apperr.Validation("day_of_week must be between 0 (Sunday) and 6, got %d", t.DayOfWeek)
	}

	for i, s := range t.Slots {
		if err := s.TimeSlot().Validate(); err != nil {
			return err
		}
		if s.Capacity < 1 {
			return apperr.Validation("slot %s capacity must be at least 1", s.TimeSlot())
		}
		for _, prev := range t.Slots[:i] {
			if prev.TimeSlot() == s.TimeSlot() {
				return apperr.Validation("slot %s is defined twice", s.TimeSlot())
			}
			if prev.Active && s.Active && prev.TimeSlot().overlaps(s.TimeSlot()) {
				return apperr.Validation("active slots %s and %s overlap", prev.TimeSlot(), s.TimeSlot())
			}
		}
	}

	seen := make(map[civil.Date]bool)
	for _, h := range t.Holidays {
		if err := t.checkWeekday(h.Date); err != nil {
			return err
		}
		if seen[h.Date] {
			return apperr.Validation("holiday %s is listed twice", h.Date)
		}
		seen[h.Date] = true
	}

	seen = make(map[civil.Date]bool)
	for _, s := range t.SpecialDates {
		if err := s.validate(); err != nil {
			return err
		}
		if err := t.checkWeekday(s.Date); err != nil {
			return err
		}
		if seen[s.Date] {
			return apperr.Validation("special date %s is listed twice", s.Date)
		}
		seen[s.Date] = true
	}
	return nil
}

func (t *Template) checkWeekday(d civil.Date) error {
	if DayOfWeek(d) != t.DayOfWeek {
		return apperr.Validation("%s is a %s, template is for %s", d, civil.Weekday(d), time.Weekday(t.DayOfWeek))
	}
	return nil
}

func (s SpecialDate) validate() error {
	if s.Date.IsZero() {
		return apperr.Validation("special date requires a date")
	}
	if s.CapacityOverride != nil && *s.CapacityOverride < 0 {
		return apperr.Validation("capacity_override for %s must not be negative", s.Date)
	}
	return nil
}

func (t *Template) String() string {
	return fmt.Sprintf("%s/%s", t.ZoneID, time.Weekday(t.DayOfWeek))
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	c := *t
	c.Slots = append([]SlotDefinition(nil), t.Slots...)
	c.Holidays = append([]Holiday(nil), t.Holidays...)
	c.SpecialDates = make([]SpecialDate, len(t.SpecialDates))
	for i, sd := range t.SpecialDates {
		if sd.CapacityOverride != nil {
			v := *sd.CapacityOverride
			sd.CapacityOverride = &v
		}
		c.SpecialDates[i] = sd
	}
	return &c
}
