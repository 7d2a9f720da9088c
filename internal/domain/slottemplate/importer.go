package slottemplate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"

	"github.com/citywaste/pickup/internal/domain/zone"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
)

// Document is the YAML layout accepted by Importer.
//
//	zones:
//	  - id: north
//	    name: North District
//	    templates:
//	      - day: monday
//	        slots:
//	          - {start: "09:00", end: "10:00", capacity: 2}
//	    holidays:
//	      - {date: "2025-12-25", name: Christmas Day}
//	    recurring_holidays:
//	      - {name: New Year, rrule: "FREQ=YEARLY;BYMONTH=1;BYMONTHDAY=1"}
//	    special_dates:
//	      - {date: "2025-11-01", capacity_override: 1, reason: Reduced crew}
type Document struct {
	Zones []ZoneDoc `yaml:"zones"`
}

type ZoneDoc struct {
	ID                string           `yaml:"id"`
	Name              string           `yaml:"name"`
	Inactive          bool             `yaml:"inactive"`
	Templates         []TemplateDoc    `yaml:"templates"`
	Holidays          []HolidayDoc     `yaml:"holidays"`
	RecurringHolidays []RecurringDoc   `yaml:"recurring_holidays"`
	SpecialDates      []SpecialDateDoc `yaml:"special_dates"`
}

type TemplateDoc struct {
	Day   string    `yaml:"day"`
	Slots []SlotDoc `yaml:"slots"`
}

type SlotDoc struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Capacity int    `yaml:"capacity"`
	Inactive bool   `yaml:"inactive"`
}

type HolidayDoc struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

type RecurringDoc struct {
	Name  string `yaml:"name"`
	RRule string `yaml:"rrule"`
}

type SpecialDateDoc struct {
	Date             string `yaml:"date"`
	CapacityOverride *int   `yaml:"capacity_override"`
	Closed           bool   `yaml:"closed"`
	Reason           string `yaml:"reason"`
}

// ZoneWriter stores zones read from an import document.
type ZoneWriter interface {
	Upsert(ctx context.Context, z *zone.Zone) error
}

// ImportResult counts what an import applied.
type ImportResult struct {
	Zones        int
	Templates    int
	Holidays     int
	SpecialDates int
	// Skipped counts overrides on weekdays that have no template.
	Skipped int
}

// Importer seeds zones, templates and overrides from a YAML document.
type Importer struct {
	zones  ZoneWriter
	svc    *Service
	loc    *time.Location
	logger zerolog.Logger
}

func NewImporter(zones ZoneWriter, svc *Service, loc *time.Location, logger zerolog.Logger) *Importer {
	return &Importer{zones: zones, svc: svc, loc: loc, logger: logger.With().Str("component", "importer").Logger()}
}

// Parse decodes a document, rejecting unknown keys.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode template document: %w", err)
	}
	return &doc, nil
}

// Import applies doc. Recurring holidays are expanded for the given number
// of years starting at from.
func (im *Importer) Import(ctx context.Context, doc *Document, from civil.Date, years int) (*ImportResult, error) {
	res := &ImportResult{}
	for _, zd := range doc.Zones {
		if err := im.importZone(ctx, zd, from, years, res); err != nil {
			return res, fmt.Errorf("zone %s: %w", zd.ID, err)
		}
	}
	im.logger.Info().
		Int("zones", res.Zones).
		Int("templates", res.Templates).
		Int("holidays", res.Holidays).
		Int("special_dates", res.SpecialDates).
		Int("skipped", res.Skipped).
		Msg("import complete")
	return res, nil
}

func (im *Importer) importZone(ctx context.Context, zd ZoneDoc, from civil.Date, years int, res *ImportResult) error {
	if err := zone.ValidateID(zd.ID); err != nil {
		return err
	}
	name := zd.Name
	if name == "" {
		name = zd.ID
	}
	if err := im.zones.Upsert(ctx, &zone.Zone{ID: zd.ID, Name: name, Active: !zd.Inactive}); err != nil {
		return err
	}
	res.Zones++

	for _, td := range zd.Templates {
		dow, err := parseWeekday(td.Day)
		if err != nil {
			return err
		}
		tpl := &Template{ZoneID: zd.ID, DayOfWeek: dow}
		for _, sd := range td.Slots {
			tpl.Slots = append(tpl.Slots, SlotDefinition{
				Start:    TimeOfDay(sd.Start),
				End:      TimeOfDay(sd.End),
				Capacity: sd.Capacity,
				Active:   !sd.Inactive,
			})
		}
		if _, err := im.svc.UpsertTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("template %s: %w", td.Day, err)
		}
		res.Templates++
	}

	holidays := make([]Holiday, 0, len(zd.Holidays))
	for _, hd := range zd.Holidays {
		d, err := civil.ParseDate(hd.Date)
		if err != nil {
			return apperr.Validation("holiday: %s", err.Error())
		}
		holidays = append(holidays, Holiday{Date: d, Name: hd.Name})
	}
	for _, rd := range zd.RecurringHolidays {
		dates, err := ExpandRule(rd.RRule, from, years, im.loc)
		if err != nil {
			return fmt.Errorf("recurring holiday %q: %w", rd.Name, err)
		}
		for _, d := range dates {
			holidays = append(holidays, Holiday{Date: d, Name: rd.Name})
		}
	}
	for _, h := range holidays {
		err := im.svc.AddHoliday(ctx, zd.ID, h.Date, h.Name)
		if skip, err := im.skippable(err, zd.ID, h.Date, "holiday"); err != nil {
			return err
		} else if skip {
			res.Skipped++
			continue
		}
		res.Holidays++
	}

	for _, sdd := range zd.SpecialDates {
		d, err := civil.ParseDate(sdd.Date)
		if err != nil {
			return apperr.Validation("special date: %s", err.Error())
		}
		err = im.svc.SetSpecialDate(ctx, zd.ID, SpecialDate{
			Date:             d,
			CapacityOverride: sdd.CapacityOverride,
			IsAvailable:      !sdd.Closed,
			Reason:           sdd.Reason,
		})
		if skip, err := im.skippable(err, zd.ID, d, "special date"); err != nil {
			return err
		} else if skip {
			res.Skipped++
			continue
		}
		res.SpecialDates++
	}
	return nil
}

// skippable treats a missing template as a no-op: a date on a weekday
// without collection needs no override.
func (im *Importer) skippable(err error, zoneID string, d civil.Date, what string) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		im.logger.Debug().Str("zone", zoneID).Str("date", d.String()).Msgf("no template for %s, %s skipped", civil.Weekday(d), what)
		return true, nil
	}
	return false, fmt.Errorf("%s %s: %w", what, d, err)
}

// ExpandRule returns the dates an RRULE produces in [from, from + years).
func ExpandRule(rule string, from civil.Date, years int, loc *time.Location) ([]civil.Date, error) {
	if years < 1 {
		years = 1
	}
	r, err := rrule.StrToRRule(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
	if err != nil {
		return nil, apperr.Validation("invalid rrule %q: %v", rule, err)
	}
	start := from.In(loc)
	r.DTStart(start)

	end := start.AddDate(years, 0, 0)
	var out []civil.Date
	for _, t := range r.Between(start, end, true) {
		d := civil.DateOf(t.In(loc))
		if d.Before(from) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

var weekdays = map[string]int{
	"sunday": 0, "sun": 0,
	"monday": 1, "mon": 1,
	"tuesday": 2, "tue": 2,
	"wednesday": 3, "wed": 3,
	"thursday": 4, "thu": 4,
	"friday": 5, "fri": 5,
	"saturday": 6, "sat": 6,
}

func parseWeekday(s string) (int, error) {
	if dow, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]; ok {
		return dow, nil
	}
	return 0, apperr.Validation("unknown weekday %q", s)
}
