package util

import "github.com/google/uuid"

// NewID returns a collision-resistant identifier. IDs are generated by the
// caller before insertion so entity chains can be built without round-trips.
func NewID() string {
	return uuid.NewString()
}
