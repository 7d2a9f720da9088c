package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/pkg/pagination"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	// Get returns apperr NotFound when id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error

	// SlotOccupancy counts non-cancelled appointments per slot for zone on date.
	SlotOccupancy(ctx context.Context, zoneID string, date civil.Date) (map[slottemplate.TimeSlot]int, error)
	// CountActiveByResident counts pending and confirmed appointments.
	CountActiveByResident(ctx context.Context, residentID string) (int, error)

	// The List methods return the page selected by p together with the
	// total number of matches. A zero p.Limit returns every match.

	// ListUpcoming returns non-terminal appointments scheduled at or after
	// now, earliest first.
	ListUpcoming(ctx context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error)
	// ListPast returns appointments scheduled before now or already
	// terminal, latest first.
	ListPast(ctx context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error)
	// ListByZone returns appointments with a service date in [from, to].
	ListByZone(ctx context.Context, zoneID string, from, to civil.Date, p pagination.Params) ([]*Appointment, int, error)
	ListByStatus(ctx context.Context, status Status, p pagination.Params) ([]*Appointment, int, error)

	// DueForReminder returns confirmed, unreminded appointments scheduled
	// in [from, to).
	DueForReminder(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	// MarkReminded flips reminder_sent if it is still false and reports
	// whether this call changed it.
	MarkReminded(ctx context.Context, id uuid.UUID) (bool, error)
}
