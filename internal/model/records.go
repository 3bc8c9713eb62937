package model

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency key.
type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "started"
	IdempotencySucceeded IdempotencyStatus = "succeeded"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord tracks one logical write keyed by (Key, Scope).
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	Scope          string            `json:"scope"`
	Status         IdempotencyStatus `json:"status"`
	Ref            string            `json:"ref,omitempty"`
	CachedResponse []byte            `json:"cached_response,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IdempotencyPatch holds the fields written by a status compare-and-set.
type IdempotencyPatch struct {
	Ref            string
	CachedResponse []byte
	Error          string
}

// ReplayRecord marks the first sighting of a request id.
type ReplayRecord struct {
	RequestID   string    `json:"request_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}
