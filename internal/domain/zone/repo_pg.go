package zone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM zones WHERE id = $1 AND active)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check zone %s: %w", id, err)
	}
	return ok, nil
}

func (r *repoPG) Get(ctx context.Context, id string) (*Zone, error) {
	var z Zone
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, active, created_at FROM zones WHERE id = $1`, id).
		Scan(&z.ID, &z.Name, &z.Active, &z.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("zone")
	}
	if err != nil {
		return nil, fmt.Errorf("get zone %s: %w", id, err)
	}
	return &z, nil
}

func (r *repoPG) Upsert(ctx context.Context, z *Zone) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO zones (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
		RETURNING created_at`,
		z.ID, z.Name, z.Active).Scan(&z.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert zone %s: %w", z.ID, err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context) ([]*Zone, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id, name, active, created_at FROM zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var out []*Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Active, &z.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}
