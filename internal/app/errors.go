package app

import (
	"errors"
	"fmt"

	"clauselens/internal/usage"
)

var (
	// ErrNotFound marks lookups for entities that do not exist (or that the
	// caller must not learn exist).
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks access to another user's entities.
	ErrForbidden = errors.New("forbidden")
)

// QuotaExceededError is returned when a monthly quota blocks an action.
type QuotaExceededError struct {
	Action usage.Action
	Used   int64
	Limit  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d/%d used this month", e.Action, e.Used, e.Limit)
}
