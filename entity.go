package lattice

import "time"

// Entity carries the timestamps shared by all stored control-plane
// entities.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
