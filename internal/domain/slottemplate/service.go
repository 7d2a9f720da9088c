package slottemplate

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/lock"
)

// ZoneDirectory answers whether a zone exists.
type ZoneDirectory interface {
	Exists(ctx context.Context, zoneID string) (bool, error)
}

// Service is the operator authoring surface for templates and overrides.
// Edits to one template are serialized through the locker so concurrent
// read-modify-write cycles do not lose updates.
type Service struct {
	repo   Repository
	zones  ZoneDirectory
	locker lock.Locker
	logger zerolog.Logger
}

func NewService(repo Repository, zones ZoneDirectory, locker lock.Locker, logger zerolog.Logger) *Service {
	return &Service{repo: repo, zones: zones, locker: locker, logger: logger.With().Str("component", "slottemplate").Logger()}
}

func templateKey(zoneID string, dayOfWeek int) string {
	return fmt.Sprintf("template:%s|%d", zoneID, dayOfWeek)
}

func (s *Service) requireZone(ctx context.Context, zoneID string) error {
	ok, err := s.zones.Exists(ctx, zoneID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("zone")
	}
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, zoneID string, dayOfWeek int) (*Template, error) {
	tpl, err := s.repo.Get(ctx, zoneID, dayOfWeek)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, apperr.NotFound("template")
	}
	return tpl, nil
}

func (s *Service) ListTemplates(ctx context.Context, zoneID string) ([]*Template, error) {
	return s.repo.ListByZone(ctx, zoneID)
}

// UpsertTemplate replaces the weekly slots of the zone's template for
// tpl.DayOfWeek. Existing holidays and special dates are kept.
func (s *Service) UpsertTemplate(ctx context.Context, tpl *Template) (*Template, error) {
	if err := s.requireZone(ctx, tpl.ZoneID); err != nil {
		return nil, err
	}
	var saved *Template
	err := s.locker.WithLocks(ctx, []string{templateKey(tpl.ZoneID, tpl.DayOfWeek)}, func(ctx context.Context) error {
		existing, err := s.repo.Get(ctx, tpl.ZoneID, tpl.DayOfWeek)
		if err != nil {
			return err
		}
		next := &Template{ZoneID: tpl.ZoneID, DayOfWeek: tpl.DayOfWeek, Slots: tpl.Slots}
		if existing != nil {
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			next.Holidays = existing.Holidays
			next.SpecialDates = existing.SpecialDates
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, next); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("template", saved.String()).Int("slots", len(saved.Slots)).Msg("template saved")
	return saved, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, zoneID string, dayOfWeek int) error {
	if err := s.repo.Delete(ctx, zoneID, dayOfWeek); err != nil {
		return err
	}
	s.logger.Info().Str("zone", zoneID).Int("day_of_week", dayOfWeek).Msg("template deleted")
	return nil
}

// modify runs fn against the template covering date under its lock and
// saves the result. The template must already exist.
func (s *Service) modify(ctx context.Context, zoneID string, date civil.Date, fn func(t *Template) error) error {
	dow := DayOfWeek(date)
	return s.locker.WithLocks(ctx, []string{templateKey(zoneID, dow)}, func(ctx context.Context) error {
		tpl, err := s.repo.Get(ctx, zoneID, dow)
		if err != nil {
			return err
		}
		if tpl == nil {
			return apperr.NotFound("template")
		}
		if err := fn(tpl); err != nil {
			return err
		}
		if err := tpl.Validate(); err != nil {
			return err
		}
		return s.repo.Save(ctx, tpl)
	})
}

// AddHoliday closes date for the zone. Adding an existing holiday renames it.
func (s *Service) AddHoliday(ctx context.Context, zoneID string, date civil.Date, name string) error {
	err := s.modify(ctx, zoneID, date, func(t *Template) error {
		for i := range t.Holidays {
			if t.Holidays[i].Date == date {
				t.Holidays[i].Name = name
				return nil
			}
		}
		t.Holidays = append(t.Holidays, Holiday{Date: date, Name: name})
		sort.Slice(t.Holidays, func(i, j int) bool { return t.Holidays[i].Date.Before(t.Holidays[j].Date) })
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("zone", zoneID).Str("date", date.String()).Str("name", name).Msg("holiday added")
	return nil
}

func (s *Service) RemoveHoliday(ctx context.Context, zoneID string, date civil.Date) error {
	return s.modify(ctx, zoneID, date, func(t *Template) error {
		for i, h := range t.Holidays {
			if h.Date == date {
				t.Holidays = append(t.Holidays[:i], t.Holidays[i+1:]...)
				return nil
			}
		}
		return apperr.NotFound("holiday")
	})
}

// SetSpecialDate adds or replaces the override for sd.Date.
func (s *Service) SetSpecialDate(ctx context.Context, zoneID string, sd SpecialDate) error {
	if err := sd.validate(); err != nil {
		return err
	}
	return s.modify(ctx, zoneID, sd.Date, func(t *Template) error {
		for i := range t.SpecialDates {
			if t.SpecialDates[i].Date == sd.Date {
				t.SpecialDates[i] = sd
				return nil
			}
		}
		t.SpecialDates = append(t.SpecialDates, sd)
		sort.Slice(t.SpecialDates, func(i, j int) bool { return t.SpecialDates[i].Date.Before(t.SpecialDates[j].Date) })
		return nil
	})
}

func (s *Service) RemoveSpecialDate(ctx context.Context, zoneID string, date civil.Date) error {
	return s.modify(ctx, zoneID, date, func(t *Template) error {
		for i, sd := range t.SpecialDates {
			if sd.Date == date {
				t.SpecialDates = append(t.SpecialDates[:i], t.SpecialDates[i+1:]...)
				return nil
			}
		}
		return apperr.NotFound("special date")
	})
}
