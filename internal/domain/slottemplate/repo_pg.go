package slottemplate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Get(ctx context.Context, zoneID string, dayOfWeek int) (*Template, error) {
	q := db.Conn(ctx, r.pool)
	var t Template
	err := q.QueryRow(ctx, `
		SELECT id, zone_id, day_of_week, created_at, updated_at
		FROM slot_templates WHERE zone_id = $1 AND day_of_week = $2`,
		zoneID, dayOfWeek).Scan(&t.ID, &t.ZoneID, &t.DayOfWeek, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s/%d: %w", zoneID, dayOfWeek, err)
	}
	if err := r.loadChildren(ctx, q, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repoPG) ListByZone(ctx context.Context, zoneID string) ([]*Template, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT id, zone_id, day_of_week, created_at, updated_at
		FROM slot_templates WHERE zone_id = $1 ORDER BY day_of_week`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("list templates for %s: %w", zoneID, err)
	}
	var items []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.ZoneID, &t.DayOfWeek, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range items {
		if err := r.loadChildren(ctx, q, t); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *repoPG) loadChildren(ctx context.Context, q db.Queryable, t *Template) error {
	rows, err := q.Query(ctx, `
		SELECT start_time, end_time, capacity, active
		FROM template_slots WHERE template_id = $1 ORDER BY position`, t.ID)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	t.Slots, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SlotDefinition, error) {
		var s SlotDefinition
		err := row.Scan(&s.Start, &s.End, &s.Capacity, &s.Active)
		return s, err
	})
	if err != nil {
		return fmt.Errorf("scan slots: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT holiday_date, name
		FROM template_holidays WHERE template_id = $1 ORDER BY holiday_date`, t.ID)
	if err != nil {
		return fmt.Errorf("load holidays: %w", err)
	}
	t.Holidays, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Holiday, error) {
		var h Holiday
		var d time.Time
		err := row.Scan(&d, &h.Name)
		h.Date = civil.DateOf(d)
		return h, err
	})
	if err != nil {
		return fmt.Errorf("scan holidays: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT special_date, capacity_override, is_available, reason
		FROM template_special_dates WHERE template_id = $1 ORDER BY special_date`, t.ID)
	if err != nil {
		return fmt.Errorf("load special dates: %w", err)
	}
	t.SpecialDates, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SpecialDate, error) {
		var s SpecialDate
		var d time.Time
		err := row.Scan(&d, &s.CapacityOverride, &s.IsAvailable, &s.Reason)
		s.Date = civil.DateOf(d)
		return s, err
	})
	if err != nil {
		return fmt.Errorf("scan special dates: %w", err)
	}
	return nil
}

func (r *repoPG) Save(ctx context.Context, t *Template) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		err := q.QueryRow(ctx, `
			INSERT INTO slot_templates (id, zone_id, day_of_week)
			VALUES ($1, $2, $3)
			ON CONFLICT (zone_id, day_of_week) DO UPDATE SET updated_at = NOW()
			RETURNING id, created_at, updated_at`,
			t.ID, t.ZoneID, t.DayOfWeek).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert template %s: %w", t, err)
		}

		for _, table := range []string{"template_slots", "template_holidays", "template_special_dates"} {
			if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE template_id = $1`, t.ID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		for i, s := range t.Slots {
			if _, err := q.Exec(ctx, `
				INSERT INTO template_slots (template_id, position, start_time, end_time, capacity, active)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				t.ID, i, string(s.Start), string(s.End), s.Capacity, s.Active); err != nil {
				return fmt.Errorf("insert slot %s: %w", s.TimeSlot(), err)
			}
		}
		for _, h := range t.Holidays {
			if _, err := q.Exec(ctx, `
				INSERT INTO template_holidays (template_id, holiday_date, name)
				VALUES ($1, $2::date, $3)`,
				t.ID, h.Date.String(), h.Name); err != nil {
				return fmt.Errorf("insert holiday %s: %w", h.Date, err)
			}
		}
		for _, s := range t.SpecialDates {
			if _, err := q.Exec(ctx, `
				INSERT INTO template_special_dates (template_id, special_date, capacity_override, is_available, reason)
				VALUES ($1, $2::date, $3, $4, $5)`,
				t.ID, s.Date.String(), s.CapacityOverride, s.IsAvailable, s.Reason); err != nil {
				return fmt.Errorf("insert special date %s: %w", s.Date, err)
			}
		}
		return nil
	})
}

func (r *repoPG) Delete(ctx context.Context, zoneID string, dayOfWeek int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM slot_templates WHERE zone_id = $1 AND day_of_week = $2`, zoneID, dayOfWeek)
	if err != nil {
		return fmt.Errorf("delete template %s/%d: %w", zoneID, dayOfWeek, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("template")
	}
	return nil
}
