// Package idempotency guarantees at most one successful execution of a
// logical write per (key, scope), using only conditional writes on the
// backing store.
package idempotency

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/store"
)

// Kind classifies how a call was resolved.
type Kind string

const (
	// Executed means this caller claimed the key and ran the write.
	Executed Kind = "executed"
	// Cached means an earlier execution succeeded; its response is returned.
	Cached Kind = "cached"
	// InProgress means another execution holds the key right now.
	InProgress Kind = "in_progress"
)

// Outcome is the result of a claim attempt or an execution.
type Outcome struct {
	Kind     Kind
	Response []byte
	// Ref names the resource claimed by the execution that owns the key.
	Ref string
}

var (
	// ErrContention is returned when the claim loop keeps losing races.
	ErrContention = eris.New("idempotency: key contention")
	// ErrClaimLost is returned when completing a claim whose record no
	// longer reads started.
	ErrClaimLost = eris.New("idempotency: claim lost")
)

const maxClaimAttempts = 5

// Coordinator claims and completes idempotency keys.
type Coordinator struct {
	store   store.IdempotencyStore
	nowFunc func() time.Time
}

// New creates a Coordinator backed by s.
func New(s store.IdempotencyStore) *Coordinator {
	return &Coordinator{store: s, nowFunc: time.Now}
}

// Claim is an exclusive hold on (key, scope) in status started.
type Claim struct {
	c     *Coordinator
	Key   string
	Scope string
	Ref   string
}

// Begin tries to claim (key, scope) for ref. It returns a non-nil Claim only
// when the caller must perform the write; otherwise the Outcome says why not.
func (c *Coordinator) Begin(ctx context.Context, key, scope, ref string) (*Claim, Outcome, error) {
	if key == "" || scope == "" {
		return nil, Outcome{}, eris.New("idempotency: key and scope are required")
	}
	now := c.nowFunc().UTC()
	rec := model.IdempotencyRecord{
		Key:       key,
		Scope:     scope,
		Status:    model.IdempotencyStarted,
		Ref:       ref,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		created, existing, err := c.store.CreateIdempotencyKey(ctx, rec)
		if err != nil {
			return nil, Outcome{}, eris.Wrap(err, "idempotency: create key")
		}
		if created {
			return c.claim(key, scope, ref), Outcome{Kind: Executed, Ref: ref}, nil
		}
		if existing == nil {
			continue
		}

		switch existing.Status {
		case model.IdempotencySucceeded:
			return nil, Outcome{Kind: Cached, Response: existing.CachedResponse, Ref: existing.Ref}, nil
		case model.IdempotencyStarted:
			return nil, Outcome{Kind: InProgress, Ref: existing.Ref}, nil
		case model.IdempotencyFailed:
			ok, err := c.store.CompareAndSetIdempotencyStatus(ctx, key, scope,
				model.IdempotencyFailed, model.IdempotencyStarted, model.IdempotencyPatch{Ref: ref})
			if err != nil {
				return nil, Outcome{}, eris.Wrap(err, "idempotency: reclaim failed key")
			}
			if ok {
				zap.L().Debug("idempotency: reclaimed failed key",
					zap.String("key", key), zap.String("scope", scope))
				return c.claim(key, scope, ref), Outcome{Kind: Executed, Ref: ref}, nil
			}
			// Lost the reclaim race; re-read on the next pass.
		default:
			return nil, Outcome{}, eris.Errorf("idempotency: unknown status %q", existing.Status)
		}
	}
	return nil, Outcome{}, eris.Wrapf(ErrContention, "%s/%s", scope, key)
}

func (c *Coordinator) claim(key, scope, ref string) *Claim {
	return &Claim{c: c, Key: key, Scope: scope, Ref: ref}
}

// Succeed marks the claim succeeded and stores response for later duplicates.
func (cl *Claim) Succeed(ctx context.Context, response []byte) error {
	return cl.finish(ctx, model.IdempotencySucceeded, model.IdempotencyPatch{CachedResponse: response})
}

// Fail marks the claim failed so a later call with the same key may retry.
func (cl *Claim) Fail(ctx context.Context, cause error) error {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	return cl.finish(ctx, model.IdempotencyFailed, model.IdempotencyPatch{Error: msg})
}

func (cl *Claim) finish(ctx context.Context, next model.IdempotencyStatus, patch model.IdempotencyPatch) error {
	ok, err := cl.c.store.CompareAndSetIdempotencyStatus(ctx, cl.Key, cl.Scope, model.IdempotencyStarted, next, patch)
	if err != nil {
		return eris.Wrapf(err, "idempotency: mark %s", next)
	}
	if !ok {
		return eris.Wrapf(ErrClaimLost, "%s/%s -> %s", cl.Scope, cl.Key, next)
	}
	return nil
}

// Execute runs fn at most once successfully per (key, scope). A failed fn
// marks the key failed and returns fn's error with Kind Executed.
func (c *Coordinator) Execute(ctx context.Context, key, scope string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	claim, out, err := c.Begin(ctx, key, scope, "")
	if err != nil || claim == nil {
		return out, err
	}

	resp, fnErr := fn(ctx)
	// Completion must land even if the caller's context is gone.
	done := context.WithoutCancel(ctx)
	if fnErr != nil {
		if err := claim.Fail(done, fnErr); err != nil {
			zap.L().Error("idempotency: could not mark key failed",
				zap.String("key", key), zap.String("scope", scope), zap.Error(err))
		}
		return Outcome{Kind: Executed}, fnErr
	}
	if err := claim.Succeed(done, resp); err != nil {
		return Outcome{Kind: Executed, Response: resp}, err
	}
	return Outcome{Kind: Executed, Response: resp}, nil
}
