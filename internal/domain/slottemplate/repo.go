package slottemplate

import "context"

type Repository interface {
	// Get returns the template for zone and weekday, or nil when none is
	// configured.
	Get(ctx context.Context, zoneID string, dayOfWeek int) (*Template, error)
	ListByZone(ctx context.Context, zoneID string) ([]*Template, error)
	// Save inserts or replaces the template keyed by (ZoneID, DayOfWeek),
	// including its slots, holidays and special dates.
	Save(ctx context.Context, t *Template) error
	Delete(ctx context.Context, zoneID string, dayOfWeek int) error
}
