// Package replay rejects requests whose id has already been accepted within
// the retention window.
package replay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/store"
)

// DefaultRetention is how long a request id stays claimed.
const DefaultRetention = 30 * 24 * time.Hour

// Reason explains a rejection.
type Reason string

const (
	ReasonInvalidID   Reason = "invalid_id"
	ReasonReplayed    Reason = "replayed"
	ReasonUnavailable Reason = "unavailable"
)

// Decision is the outcome of a replay check.
type Decision struct {
	Accepted bool
	Reason   Reason
}

// Guard checks request ids against a ReplayStore.
type Guard struct {
	store     store.ReplayStore
	retention time.Duration
	nowFunc   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.nowFunc = now }
}

// NewGuard creates a Guard backed by s.
func NewGuard(s store.ReplayStore, opts ...Option) *Guard {
	g := &Guard{store: s, retention: DefaultRetention, nowFunc: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check accepts requestID the first time it is seen within the retention
// window. Malformed ids never reach the store. Store failures reject.
func (g *Guard) Check(ctx context.Context, actor, requestID string) Decision {
	log := zap.L().With(zap.String("actor", actor), zap.String("request_id", requestID))

	id, err := uuid.Parse(requestID)
	if err != nil {
		log.Warn("replay: rejected malformed request id")
		return Decision{Reason: ReasonInvalidID}
	}

	// Every accepted spelling (braces, urn prefix, case, no dashes) is
	// recorded under the canonical form.
	now := g.nowFunc().UTC()
	inserted, err := g.store.RecordRequest(ctx, id.String(), now, now.Add(-g.retention))
	if err != nil {
		log.Error("replay: store unavailable, rejecting", zap.Error(err))
		return Decision{Reason: ReasonUnavailable}
	}
	if !inserted {
		log.Warn("replay: rejected replayed request")
		return Decision{Reason: ReasonReplayed}
	}
	return Decision{Accepted: true}
}

// Purger is implemented by stores that need explicit cleanup of expired
// replay records.
type Purger interface {
	PurgeReplays(ctx context.Context, before time.Time) (int64, error)
}

// Purge deletes records that fell out of the retention window.
func (g *Guard) Purge(ctx context.Context, p Purger) (int64, error) {
	return p.PurgeReplays(ctx, g.nowFunc().UTC().Add(-g.retention))
}
