package zone

import "context"

type Repository interface {
	// Exists reports whether an active zone with id is known.
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*Zone, error)
	Upsert(ctx context.Context, z *Zone) error
	List(ctx context.Context) ([]*Zone, error)
}
