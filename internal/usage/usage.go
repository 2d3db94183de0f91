// Package usage enforces per-user monthly quotas for document uploads and
// chat messages, counted from persisted rows rather than a separate ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clauselens/pkg/store"
)

// Action is a quota-gated user action.
type Action string

const (
	ActionUpload Action = "upload"
	ActionChat   Action = "chat"
)

// ErrUnknownUser marks quota checks for users with no persisted row.
// Checks fail closed in that case.
var ErrUnknownUser = errors.New("usage: unknown user")

// Limits holds the per-plan monthly quotas.
type Limits struct {
	FreeUploads int
	ProUploads  int
	FreeChats   int
}

// DefaultLimits returns the stock plan quotas.
func DefaultLimits() Limits {
	return Limits{
		FreeUploads: 5,
		ProUploads:  25,
		FreeChats:   500,
	}
}

// Check is the outcome of a quota check for one action.
type Check struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Unlimited bool
	IsPro     bool
}

// ActionStats reports consumption for one action in the current month.
type ActionStats struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Unlimited bool  `json:"unlimited"`
}

// Stats is the per-user usage summary for the current month.
type Stats struct {
	Uploads ActionStats `json:"uploads"`
	Chats   ActionStats `json:"chats"`
	IsPro   bool        `json:"is_pro"`
}

// Service answers quota questions against the entity store.
type Service struct {
	store  store.Store
	limits Limits
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a usage service with the given limits.
func NewService(st store.Store, limits Limits, opts ...Option) *Service {
	s := &Service{
		store:  st,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOfMonth returns midnight UTC on the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckLimit reports whether the user may perform the action this month.
// Unknown users are rejected with ErrUnknownUser.
func (s *Service) CheckLimit(ctx context.Context, userID string, action Action) (Check, error) {
	user, ok, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return Check{}, ErrUnknownUser
	}

	since := StartOfMonth(s.now())
	switch action {
	case ActionUpload:
		limit := int64(s.limits.FreeUploads)
		if user.IsPro {
			limit = int64(s.limits.ProUploads)
		}
		count, err := s.store.CountDocumentsSince(ctx, userID, since)
		if err != nil {
			return Check{}, fmt.Errorf("count uploads: %w", err)
		}
		used := int64(count)
		return Check{
			Allowed: used < limit,
			Used:    used,
			Limit:   limit,
			IsPro:   user.IsPro,
		}, nil
	case ActionChat:
		if user.IsPro {
			return Check{Allowed: true, Unlimited: true, IsPro: true}, nil
		}
		limit := int64(s.limits.FreeChats)
		count, err := s.store.CountUserMessagesSince(ctx, userID, since)
		if err != nil {
			return Check{}, fmt.Errorf("count chat messages: %w", err)
		}
		used := int64(count)
		return Check{
			Allowed: used < limit,
			Used:    used,
			Limit:   limit,
		}, nil
	default:
		return Check{}, fmt.Errorf("usage: unknown action %q", action)
	}
}

// Stats summarizes current-month consumption for the user.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	user, ok, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return Stats{}, ErrUnknownUser
	}

	since := StartOfMonth(s.now())
	uploads, err := s.store.CountDocumentsSince(ctx, userID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("count uploads: %w", err)
	}
	chats, err := s.store.CountUserMessagesSince(ctx, userID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("count chat messages: %w", err)
	}

	stats := Stats{
		Uploads: ActionStats{
			Used:  int64(uploads),
			Limit: int64(s.limits.FreeUploads),
		},
		Chats: ActionStats{
			Used:  int64(chats),
			Limit: int64(s.limits.FreeChats),
		},
		IsPro: user.IsPro,
	}
	if user.IsPro {
		stats.Uploads.Limit = int64(s.limits.ProUploads)
		stats.Chats.Limit = 0
		stats.Chats.Unlimited = true
	}
	return stats, nil
}
