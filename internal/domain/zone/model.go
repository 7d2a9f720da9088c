package zone

import "time"

// Zone is a collection area. Inactive zones accept no bookings.
type Zone struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
