// Package store persists jobs, product versions, idempotency keys and replay
// records. Every mutation of shared state is a conditional write.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a compare-and-set on job status loses.
	ErrConflict = eris.New("store: status conflict")
	// ErrInvalidTransition is returned for edges outside the job state machine.
	ErrInvalidTransition = eris.New("store: invalid job transition")
)

// JobStore persists import jobs. Status changes are compare-and-set.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// TransitionJob moves job id from `from` to `to` and applies u, failing
	// with ErrConflict when the stored status is no longer `from`.
	TransitionJob(ctx context.Context, id string, from, to model.JobStatus, u model.JobUpdate) (*model.Job, error)
}

// IdempotencyStore persists idempotency keys.
type IdempotencyStore interface {
	// CreateIdempotencyKey inserts rec if (Key, Scope) is absent. On conflict
	// it returns created=false and the existing record.
	CreateIdempotencyKey(ctx context.Context, rec model.IdempotencyRecord) (created bool, existing *model.IdempotencyRecord, err error)
	GetIdempotencyKey(ctx context.Context, key, scope string) (*model.IdempotencyRecord, error)
	// CompareAndSetIdempotencyStatus moves the record from expected to next
	// and writes patch, returning false when the stored status differs.
	CompareAndSetIdempotencyStatus(ctx context.Context, key, scope string, expected, next model.IdempotencyStatus, patch model.IdempotencyPatch) (bool, error)
}

// ReplayStore persists first sightings of request ids.
type ReplayStore interface {
	// RecordRequest atomically records id as seen at seenAt. A record older
	// than cutoff is treated as absent and refreshed. Returns true when this
	// call recorded the id.
	RecordRequest(ctx context.Context, requestID string, seenAt, cutoff time.Time) (bool, error)
}

// ProductStore persists normalized product versions.
type ProductStore interface {
	SaveProductVersion(ctx context.Context, identity, jobID string, p model.Product) (*model.ProductVersion, error)
	LatestProductVersion(ctx context.Context, identity string) (*model.ProductVersion, error)
}

// Store is the full persistence surface of a relational backend.
type Store interface {
	JobStore
	IdempotencyStore
	ReplayStore
	ProductStore

	// PurgeReplays deletes replay records first seen before the cutoff.
	PurgeReplays(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// checkTransition validates the state-machine edge before any write.
func checkTransition(from, to model.JobStatus) error {
	if !from.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

const maxVersionAttempts = 3
