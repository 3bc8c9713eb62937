package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/model"
)

// MemoryStore implements Store in process memory. It is suitable for tests
// and single-instance deployments.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.Job
	idempotency map[idemKey]*model.IdempotencyRecord
	replays     map[string]time.Time
	products    map[string][]model.ProductVersion

	nowFunc func() time.Time
}

type idemKey struct {
	key   string
	scope string
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*model.Job),
		idempotency: make(map[idemKey]*model.IdempotencyRecord),
		replays:     make(map[string]time.Time),
		products:    make(map[string][]model.ProductVersion),
		nowFunc:     time.Now,
	}
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }
func (s *MemoryStore) Ping(_ context.Context) error    { return nil }
func (s *MemoryStore) Close() error                    { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return eris.Errorf("memory: job %s already exists", job.ID)
	}
	cp, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return cloneJob(j)
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from, to model.JobStatus, u model.JobUpdate) (*model.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if j.Status != from {
		return nil, eris.Wrapf(ErrConflict, "job %s is %s, expected %s", id, j.Status, from)
	}
	u.Apply(j)
	j.Status = to
	j.UpdatedAt = s.nowFunc().UTC()
	return cloneJob(j)
}

func (s *MemoryStore) CreateIdempotencyKey(_ context.Context, rec model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{rec.Key, rec.Scope}
	if existing, ok := s.idempotency[k]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := rec
	s.idempotency[k] = &cp
	return true, nil, nil
}

func (s *MemoryStore) GetIdempotencyKey(_ context.Context, key, scope string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{key, scope}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "idempotency key %s/%s", scope, key)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) CompareAndSetIdempotencyStatus(_ context.Context, key, scope string, expected, next model.IdempotencyStatus, patch model.IdempotencyPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{key, scope}]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	if patch.Ref != "" {
		rec.Ref = patch.Ref
	}
	rec.CachedResponse = patch.CachedResponse
	rec.Error = patch.Error
	rec.UpdatedAt = s.nowFunc().UTC()
	return true, nil
}

func (s *MemoryStore) RecordRequest(_ context.Context, requestID string, seenAt, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if first, ok := s.replays[requestID]; ok && !first.Before(cutoff) {
		return false, nil
	}
	s.replays[requestID] = seenAt
	return true, nil
}

func (s *MemoryStore) PurgeReplays(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, first := range s.replays {
		if first.Before(before) {
			delete(s.replays, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveProductVersion(_ context.Context, identity, jobID string, p model.Product) (*model.ProductVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.products[identity]
	v := model.ProductVersion{
		Identity:  identity,
		Version:   len(versions) + 1,
		JobID:     jobID,
		Product:   p,
		CreatedAt: s.nowFunc().UTC(),
	}
	s.products[identity] = append(versions, v)
	return &v, nil
}

func (s *MemoryStore) LatestProductVersion(_ context.Context, identity string) (*model.ProductVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.products[identity]
	if len(versions) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "product %s", identity)
	}
	v := versions[len(versions)-1]
	return &v, nil
}

// cloneJob deep-copies through JSON so callers never share nested slices
// or the product pointer with the stored job.
func cloneJob(j *model.Job) (*model.Job, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, eris.Wrap(err, "memory: marshal job")
	}
	var out model.Job
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal job")
	}
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
