// Package memory holds in-process implementations of the repositories for
// STORE=memory and for tests. Every read and write copies the record so
// callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/domain/zone"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/pkg/pagination"
)

// -- Zones --

type Zones struct {
	mu    sync.RWMutex
	zones map[string]*zone.Zone
}

func NewZones() *Zones {
	return &Zones{zones: make(map[string]*zone.Zone)}
}

func (s *Zones) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	return ok && z.Active, nil
}

func (s *Zones) Get(_ context.Context, id string) (*zone.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	if !ok {
		return nil, apperr.NotFound("zone")
	}
	c := *z
	return &c, nil
}

func (s *Zones) Upsert(_ context.Context, z *zone.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.zones[z.ID]; ok {
		z.CreatedAt = prev.CreatedAt
	} else {
		z.CreatedAt = time.Now().UTC()
	}
	c := *z
	s.zones[z.ID] = &c
	return nil
}

func (s *Zones) List(_ context.Context) ([]*zone.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*zone.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		c := *z
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- Templates --

type templateKey struct {
	zoneID string
	dow    int
}

type Templates struct {
	mu        sync.RWMutex
	templates map[templateKey]*slottemplate.Template
}

func NewTemplates() *Templates {
	return &Templates{templates: make(map[templateKey]*slottemplate.Template)}
}

func (s *Templates) Get(_ context.Context, zoneID string, dayOfWeek int) (*slottemplate.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateKey{zoneID, dayOfWeek}]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *Templates) ListByZone(_ context.Context, zoneID string) ([]*slottemplate.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*slottemplate.Template
	for k, t := range s.templates {
		if k.zoneID == zoneID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayOfWeek < out[j].DayOfWeek })
	return out, nil
}

func (s *Templates) Save(_ context.Context, t *slottemplate.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	k := templateKey{t.ZoneID, t.DayOfWeek}
	if prev, ok := s.templates[k]; ok {
		t.ID = prev.ID
		t.CreatedAt = prev.CreatedAt
	} else {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates[k] = t.Clone()
	return nil
}

func (s *Templates) Delete(_ context.Context, zoneID string, dayOfWeek int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := templateKey{zoneID, dayOfWeek}
	if _, ok := s.templates[k]; !ok {
		return apperr.NotFound("template")
	}
	delete(s.templates, k)
	return nil
}

// -- Appointments --

type Appointments struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*appointment.Appointment
}

func NewAppointments() *Appointments {
	return &Appointments{items: make(map[uuid.UUID]*appointment.Appointment)}
}

func (s *Appointments) Create(_ context.Context, a *appointment.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	s.items[a.ID] = a.Clone()
	return nil
}

func (s *Appointments) Get(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment")
	}
	return a.Clone(), nil
}

func (s *Appointments) Update(_ context.Context, a *appointment.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; !ok {
		return apperr.NotFound("appointment")
	}
	s.items[a.ID] = a.Clone()
	return nil
}

func (s *Appointments) SlotOccupancy(_ context.Context, zoneID string, date civil.Date) (map[slottemplate.TimeSlot]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[slottemplate.TimeSlot]int)
	for _, a := range s.items {
		if a.ZoneID == zoneID && a.ServiceDate == date && a.Status != appointment.StatusCancelled {
			out[a.Slot()]++
		}
	}
	return out, nil
}

func (s *Appointments) CountActiveByResident(_ context.Context, residentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.items {
		if a.ResidentID == residentID && a.Status.Active() {
			n++
		}
	}
	return n, nil
}

// filter returns copies of matching appointments ordered by ScheduledAt,
// then id; desc reverses the order.
func (s *Appointments) filter(keep func(*appointment.Appointment) bool, desc bool) []*appointment.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*appointment.Appointment
	for _, a := range s.items {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			if desc {
				return a.ScheduledAt.After(b.ScheduledAt)
			}
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func (s *Appointments) ListUpcoming(_ context.Context, residentID string, now time.Time, p pagination.Params) ([]*appointment.Appointment, int, error) {
	items, total := pagination.Page(s.filter(func(a *appointment.Appointment) bool {
		return a.ResidentID == residentID && !a.ScheduledAt.Before(now) && !a.Status.Terminal()
	}, false), p)
	return items, total, nil
}

func (s *Appointments) ListPast(_ context.Context, residentID string, now time.Time, p pagination.Params) ([]*appointment.Appointment, int, error) {
	items, total := pagination.Page(s.filter(func(a *appointment.Appointment) bool {
		return a.ResidentID == residentID && (a.ScheduledAt.Before(now) || a.Status.Terminal())
	}, true), p)
	return items, total, nil
}

func (s *Appointments) ListByZone(_ context.Context, zoneID string, from, to civil.Date, p pagination.Params) ([]*appointment.Appointment, int, error) {
	items, total := pagination.Page(s.filter(func(a *appointment.Appointment) bool {
		return a.ZoneID == zoneID && !a.ServiceDate.Before(from) && !a.ServiceDate.After(to)
	}, false), p)
	return items, total, nil
}

func (s *Appointments) ListByStatus(_ context.Context, status appointment.Status, p pagination.Params) ([]*appointment.Appointment, int, error) {
	items, total := pagination.Page(s.filter(func(a *appointment.Appointment) bool { return a.Status == status }, false), p)
	return items, total, nil
}

func (s *Appointments) DueForReminder(_ context.Context, from, to time.Time) ([]*appointment.Appointment, error) {
	return s.filter(func(a *appointment.Appointment) bool {
		return a.Status == appointment.StatusConfirmed && !a.ReminderSent &&
			!a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	}, false), nil
}

func (s *Appointments) MarkReminded(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return false, apperr.NotFound("appointment")
	}
	if a.ReminderSent {
		return false, nil
	}
	a.ReminderSent = true
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Compile-time interface checks.
var (
	_ zone.Repository         = (*Zones)(nil)
	_ slottemplate.Repository = (*Templates)(nil)
	_ appointment.Repository  = (*Appointments)(nil)
)
