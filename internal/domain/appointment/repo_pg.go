package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/db"
	"github.com/citywaste/pickup/pkg/pagination"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const apptCols = `id, resident_id, zone_id, service_date, slot_start, slot_end, scheduled_at,
	waste_types, estimated_amount, actual_amount, special_instructions, notes, status,
	assigned_vehicle, assigned_driver, cancel_reason, cancelled_by, cancelled_at,
	reminder_sent, confirmed_at, started_at, completed_at, created_at, updated_at`

func (r *repoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var serviceDate time.Time
	var wasteTypes []string
	var cancelReason, cancelledBy *string
	var cancelledAt *time.Time
	err := row.Scan(&a.ID, &a.ResidentID, &a.ZoneID, &serviceDate, &a.Start, &a.End, &a.ScheduledAt,
		&wasteTypes, &a.EstimatedAmount, &a.ActualAmount, &a.SpecialInstructions, &a.Notes, &a.Status,
		&a.AssignedVehicle, &a.AssignedDriver, &cancelReason, &cancelledBy, &cancelledAt,
		&a.ReminderSent, &a.ConfirmedAt, &a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ServiceDate = civil.DateOf(serviceDate)
	a.WasteTypes = make([]WasteType, len(wasteTypes))
	for i, w := range wasteTypes {
		a.WasteTypes[i] = WasteType(w)
	}
	if cancelledAt != nil {
		a.Cancellation = &Cancellation{CancelledAt: *cancelledAt}
		if cancelReason != nil {
			a.Cancellation.Reason = *cancelReason
		}
		if cancelledBy != nil {
			a.Cancellation.CancelledBy = *cancelledBy
		}
	}
	return &a, nil
}

func wasteStrings(types []WasteType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func cancellationArgs(c *Cancellation) (reason, by *string, at *time.Time) {
	if c == nil {
		return nil, nil, nil
	}
	return &c.Reason, &c.CancelledBy, &c.CancelledAt
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	reason, by, at := cancellationArgs(a.Cancellation)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, resident_id, zone_id, service_date, slot_start, slot_end, scheduled_at,
			waste_types, estimated_amount, actual_amount, special_instructions, notes, status,
			assigned_vehicle, assigned_driver, cancel_reason, cancelled_by, cancelled_at, reminder_sent)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at`,
		a.ID, a.ResidentID, a.ZoneID, a.ServiceDate.String(), string(a.Start), string(a.End), a.ScheduledAt,
		wasteStrings(a.WasteTypes), a.EstimatedAmount, a.ActualAmount, a.SpecialInstructions, a.Notes, string(a.Status),
		a.AssignedVehicle, a.AssignedDriver, reason, by, at, a.ReminderSent,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("appointment")
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	reason, by, at := cancellationArgs(a.Cancellation)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments SET
			service_date = $2::date, slot_start = $3, slot_end = $4, scheduled_at = $5,
			actual_amount = $6, notes = $7, status = $8, assigned_vehicle = $9, assigned_driver = $10,
			cancel_reason = $11, cancelled_by = $12, cancelled_at = $13, reminder_sent = $14,
			confirmed_at = $15, started_at = $16, completed_at = $17, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.ServiceDate.String(), string(a.Start), string(a.End), a.ScheduledAt,
		a.ActualAmount, a.Notes, string(a.Status), a.AssignedVehicle, a.AssignedDriver,
		reason, by, at, a.ReminderSent,
		a.ConfirmedAt, a.StartedAt, a.CompletedAt,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("appointment")
	}
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	return nil
}

func (r *repoPG) SlotOccupancy(ctx context.Context, zoneID string, date civil.Date) (map[slottemplate.TimeSlot]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT slot_start, slot_end, COUNT(*) FROM appointments
		WHERE zone_id = $1 AND service_date = $2::date AND status <> 'cancelled'
		GROUP BY slot_start, slot_end`, zoneID, date.String())
	if err != nil {
		return nil, fmt.Errorf("count occupancy: %w", err)
	}
	defer rows.Close()

	out := make(map[slottemplate.TimeSlot]int)
	for rows.Next() {
		var ts slottemplate.TimeSlot
		var n int
		if err := rows.Scan(&ts.Start, &ts.End, &n); err != nil {
			return nil, fmt.Errorf("scan occupancy: %w", err)
		}
		out[ts] = n
	}
	return out, rows.Err()
}

func (r *repoPG) CountActiveByResident(ctx context.Context, residentID string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE resident_id = $1 AND status IN ('pending', 'confirmed')`, residentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active appointments: %w", err)
	}
	return n, nil
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// page counts the rows matching where and fetches the window p of them.
func (r *repoPG) page(ctx context.Context, p pagination.Params, where, orderBy string, args ...interface{}) ([]*Appointment, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}
	if total == 0 || p.Offset >= total {
		return []*Appointment{}, total, nil
	}
	items, err := r.query(ctx, `SELECT `+apptCols+` FROM appointments WHERE `+where+` ORDER BY `+orderBy+` `+p.SQL(), args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListUpcoming(ctx context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error) {
	return r.page(ctx, p, `resident_id = $1 AND scheduled_at >= $2
		AND status IN ('pending', 'confirmed', 'in-progress')`, `scheduled_at, id`, residentID, now)
}

func (r *repoPG) ListPast(ctx context.Context, residentID string, now time.Time, p pagination.Params) ([]*Appointment, int, error) {
	return r.page(ctx, p, `resident_id = $1 AND (scheduled_at < $2
		OR status IN ('completed', 'cancelled', 'no-show'))`, `scheduled_at DESC, id`, residentID, now)
}

func (r *repoPG) ListByZone(ctx context.Context, zoneID string, from, to civil.Date, p pagination.Params) ([]*Appointment, int, error) {
	return r.page(ctx, p, `zone_id = $1 AND service_date BETWEEN $2::date AND $3::date`,
		`scheduled_at, id`, zoneID, from.String(), to.String())
}

func (r *repoPG) ListByStatus(ctx context.Context, status Status, p pagination.Params) ([]*Appointment, int, error) {
	return r.page(ctx, p, `status = $1`, `scheduled_at, id`, string(status))
}

func (r *repoPG) DueForReminder(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	return r.query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE status = 'confirmed' AND NOT reminder_sent
		AND scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at, id`, from, to)
}

func (r *repoPG) MarkReminded(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments SET reminder_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT reminder_sent`, id)
	if err != nil {
		return false, fmt.Errorf("mark reminded %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("mark reminded %s: %w", id, err)
	}
	if !exists {
		return false, apperr.NotFound("appointment")
	}
	return false, nil
}
