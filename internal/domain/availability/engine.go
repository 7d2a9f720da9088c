// Package availability answers whether a zone's slots are open on a date,
// merging the resolved weekly template with live occupancy. Nothing is
// cached: every answer re-reads occupancy, and booking re-runs the check
// inside its lock before writing.
package availability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/telemetry"
)

// TemplateSource looks up the template for a zone and weekday; nil when
// none is configured.
type TemplateSource interface {
	Get(ctx context.Context, zoneID string, dayOfWeek int) (*slottemplate.Template, error)
}

// OccupancyCounter counts non-cancelled appointments per time slot.
type OccupancyCounter interface {
	SlotOccupancy(ctx context.Context, zoneID string, date civil.Date) (map[slottemplate.TimeSlot]int, error)
}

type Config struct {
	MinLeadTime time.Duration
	// ScanDays bounds FindNextAvailableSlot.
	ScanDays int
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.ScanDays <= 0 {
		c.ScanDays = 30
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Engine struct {
	templates TemplateSource
	occupancy OccupancyCounter
	clock     clock.Clock
	cfg       Config
}

func NewEngine(templates TemplateSource, occupancy OccupancyCounter, clk clock.Clock, cfg Config) *Engine {
	return &Engine{templates: templates, occupancy: occupancy, clock: clk, cfg: cfg.withDefaults()}
}

func (e *Engine) Location() *time.Location { return e.cfg.Location }

func (e *Engine) MinLeadTime() time.Duration { return e.cfg.MinLeadTime }

// Today is the current date in the service time zone.
func (e *Engine) Today() civil.Date {
	return civil.DateOf(e.clock.Now().In(e.cfg.Location))
}

// SlotAvailability is the live state of one slot on one date.
type SlotAvailability struct {
	Start       slottemplate.TimeOfDay `json:"start"`
	End         slottemplate.TimeOfDay `json:"end"`
	Capacity    int                    `json:"capacity"`
	Booked      int                    `json:"booked"`
	Available   int                    `json:"available"`
	IsAvailable bool                   `json:"is_available"`
}

func (s SlotAvailability) TimeSlot() slottemplate.TimeSlot {
	return slottemplate.TimeSlot{Start: s.Start, End: s.End}
}

// Result is the outcome of CheckSlotAvailability.
type Result struct {
	IsAvailable bool   `json:"is_available"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	Capacity    int    `json:"capacity"`
	Booked      int    `json:"booked"`
}

// Err converts a rejection into an availability error, nil when open.
func (r Result) Err() error {
	if r.IsAvailable {
		return nil
	}
	return apperr.Unavailable(r.Reason, r.Message)
}

func rejected(reason, format string, args ...interface{}) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *Engine) resolve(ctx context.Context, zoneID string, date civil.Date) (slottemplate.Day, error) {
	tpl, err := e.templates.Get(ctx, zoneID, slottemplate.DayOfWeek(date))
	if err != nil {
		return slottemplate.Day{}, fmt.Errorf("load template: %w", err)
	}
	return slottemplate.Resolve(tpl, date), nil
}

func (e *Engine) slotsFor(ctx context.Context, zoneID string, day slottemplate.Day) ([]SlotAvailability, error) {
	if !day.Available || len(day.Slots) == 0 {
		return []SlotAvailability{}, nil
	}
	booked, err := e.occupancy.SlotOccupancy(ctx, zoneID, day.Date)
	if err != nil {
		return nil, fmt.Errorf("count occupancy: %w", err)
	}
	out := make([]SlotAvailability, 0, len(day.Slots))
	for _, s := range day.Slots {
		n := booked[s.TimeSlot]
		avail := s.Capacity - n
		if avail < 0 {
			avail = 0
		}
		out = append(out, SlotAvailability{
			Start:       s.Start,
			End:         s.End,
			Capacity:    s.Capacity,
			Booked:      n,
			Available:   avail,
			IsAvailable: n < s.Capacity,
		})
	}
	return out, nil
}

// GetAvailableSlots lists every active slot of the zone on date with its
// live occupancy. Dates without a template or closed by a holiday or
// special date yield an empty list.
func (e *Engine) GetAvailableSlots(ctx context.Context, zoneID string, date civil.Date) (_ []SlotAvailability, err error) {
	ctx, span := telemetry.Start(ctx, "availability", "GetAvailableSlots",
		attribute.String("zone", zoneID), attribute.String("date", date.String()))
	defer func() { telemetry.End(span, err) }()

	day, err := e.resolve(ctx, zoneID, date)
	if err != nil {
		return nil, err
	}
	return e.slotsFor(ctx, zoneID, day)
}

// tooSoon reports whether slot on date starts before now plus lead time.
func (e *Engine) tooSoon(date civil.Date, slot slottemplate.TimeSlot) bool {
	return slot.StartsAt(date, e.cfg.Location).Before(e.clock.Now().Add(e.cfg.MinLeadTime))
}

// CheckSlotAvailability decides whether slot on date can take one more
// booking. Rejections carry the reasons too_soon, holiday, not_configured
// or full; a malformed slot is a validation error.
func (e *Engine) CheckSlotAvailability(ctx context.Context, zoneID string, date civil.Date, slot slottemplate.TimeSlot) (_ Result, err error) {
	ctx, span := telemetry.Start(ctx, "availability", "CheckSlotAvailability",
		attribute.String("zone", zoneID), attribute.String("date", date.String()), attribute.String("slot", slot.String()))
	defer func() { telemetry.End(span, err) }()

	if err := slot.Validate(); err != nil {
		return Result{}, err
	}
	if e.tooSoon(date, slot) {
		return Result{Reason: apperr.ReasonTooSoon, Message: TooSoonMessage(e.cfg.MinLeadTime)}, nil
	}

	day, err := e.resolve(ctx, zoneID, date)
	if err != nil {
		return Result{}, err
	}
	switch day.Closure {
	case slottemplate.ClosedNoTemplate:
		return rejected(apperr.ReasonNotConfigured, "zone %s has no collection on %ss", zoneID, civil.Weekday(date)), nil
	case slottemplate.ClosedHoliday:
		if day.Reason != "" {
			return rejected(apperr.ReasonHoliday, "no collection on %s: %s", date, day.Reason), nil
		}
		return rejected(apperr.ReasonHoliday, "no collection on %s (holiday)", date), nil
	case slottemplate.ClosedSpecialDate:
		if day.Reason != "" {
			return rejected(apperr.ReasonHoliday, "no collection on %s: %s", date, day.Reason), nil
		}
		return rejected(apperr.ReasonHoliday, "no collection on %s", date), nil
	}

	eff, ok := day.Slot(slot)
	if !ok {
		return rejected(apperr.ReasonNotConfigured, "slot %s is not offered in zone %s on %s", slot, zoneID, date), nil
	}

	booked, err := e.occupancy.SlotOccupancy(ctx, zoneID, date)
	if err != nil {
		return Result{}, fmt.Errorf("count occupancy: %w", err)
	}
	n := booked[slot]
	res := Result{Capacity: eff.Capacity, Booked: n}
	if n >= eff.Capacity {
		res.Reason = apperr.ReasonFull
		res.Message = fmt.Sprintf("slot %s on %s is fully booked", slot, date)
		return res, nil
	}
	res.IsAvailable = true
	return res, nil
}

// AvailableDate is a date with at least one open slot.
type AvailableDate struct {
	Date      civil.Date `json:"date"`
	DayOfWeek int        `json:"day_of_week"`
	OpenSlots int        `json:"open_slots"`
}

// GetAvailableDates scans day offsets 1..horizonDays from today and returns
// the dates with open slots that are still outside the lead time.
func (e *Engine) GetAvailableDates(ctx context.Context, zoneID string, horizonDays int) (_ []AvailableDate, err error) {
	ctx, span := telemetry.Start(ctx, "availability", "GetAvailableDates",
		attribute.String("zone", zoneID), attribute.Int("horizon_days", horizonDays))
	defer func() { telemetry.End(span, err) }()

	today := e.Today()
	out := []AvailableDate{}
	err = e.scan(ctx, zoneID, today.AddDays(1), horizonDays, func(date civil.Date, slots []SlotAvailability) bool {
		open := 0
		for _, s := range slots {
			if s.IsAvailable && !e.tooSoon(date, s.TimeSlot()) {
				open++
			}
		}
		if open > 0 {
			out = append(out, AvailableDate{Date: date, DayOfWeek: slottemplate.DayOfWeek(date), OpenSlots: open})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextSlot is the earliest open slot found by FindNextAvailableSlot.
type NextSlot struct {
	Date civil.Date       `json:"date"`
	Slot SlotAvailability `json:"slot"`
}

// FindNextAvailableSlot returns the first open slot from afterDate onward
// within the configured scan window, skipping slots inside the lead time.
// It returns nil when nothing is open.
func (e *Engine) FindNextAvailableSlot(ctx context.Context, zoneID string, afterDate civil.Date) (_ *NextSlot, err error) {
	ctx, span := telemetry.Start(ctx, "availability", "FindNextAvailableSlot",
		attribute.String("zone", zoneID), attribute.String("after", afterDate.String()))
	defer func() { telemetry.End(span, err) }()

	var found *NextSlot
	err = e.scan(ctx, zoneID, afterDate, e.cfg.ScanDays, func(date civil.Date, slots []SlotAvailability) bool {
		for _, s := range slots {
			if s.Available > 0 && !e.tooSoon(date, s.TimeSlot()) {
				found = &NextSlot{Date: date, Slot: s}
				return false
			}
		}
		return true
	})
	return found, err
}

// scan walks days dates starting at from, calling visit with each date's
// slots until visit returns false. Templates are loaded once per weekday.
func (e *Engine) scan(ctx context.Context, zoneID string, from civil.Date, days int, visit func(civil.Date, []SlotAvailability) bool) error {
	templates := make(map[int]*slottemplate.Template, 7)
	loaded := make(map[int]bool, 7)
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		date := from.AddDays(i)
		dow := slottemplate.DayOfWeek(date)
		if !loaded[dow] {
			tpl, err := e.templates.Get(ctx, zoneID, dow)
			if err != nil {
				return fmt.Errorf("load template: %w", err)
			}
			templates[dow] = tpl
			loaded[dow] = true
		}
		slots, err := e.slotsFor(ctx, zoneID, slottemplate.Resolve(templates[dow], date))
		if err != nil {
			return err
		}
		if !visit(date, slots) {
			return nil
		}
	}
	return nil
}

// TooSoonMessage is the rejection text for a slot inside the lead time.
func TooSoonMessage(lead time.Duration) string {
	return fmt.Sprintf("appointments must be booked at least %s in advance", humanize(lead))
}

func humanize(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
