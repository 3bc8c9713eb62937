package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/store"
)

type mockReplayStore struct {
	mock.Mock
}

func (m *mockReplayStore) RecordRequest(ctx context.Context, id string, seenAt, cutoff time.Time) (bool, error) {
	args := m.Called(ctx, id, seenAt, cutoff)
	return args.Bool(0), args.Error(1)
}

func TestGuard_AcceptsOnceThenRejects(t *testing.T) {
	g := NewGuard(store.NewMemory())
	id := uuid.NewString()

	d := g.Check(context.Background(), "user-1", id)
	assert.True(t, d.Accepted)

	d = g.Check(context.Background(), "user-1", id)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonReplayed, d.Reason)
}

func TestGuard_AlternateSpellingsAreOneID(t *testing.T) {
	g := NewGuard(store.NewMemory())
	id := uuid.New()
	canonical := id.String()

	d := g.Check(context.Background(), "user-1", canonical)
	require.True(t, d.Accepted)

	for _, spelling := range []string{
		strings.ToUpper(canonical),
		"urn:uuid:" + canonical,
		"{" + canonical + "}",
		strings.ReplaceAll(canonical, "-", ""),
	} {
		d := g.Check(context.Background(), "user-1", spelling)
		assert.False(t, d.Accepted, spelling)
		assert.Equal(t, ReasonReplayed, d.Reason, spelling)
	}
}

func TestGuard_RecordsCanonicalID(t *testing.T) {
	id := uuid.New()
	m := &mockReplayStore{}
	m.On("RecordRequest", mock.Anything, id.String(), mock.Anything, mock.Anything).Return(true, nil)

	d := NewGuard(m).Check(context.Background(), "user-1", "{"+strings.ToUpper(id.String())+"}")
	assert.True(t, d.Accepted)
	m.AssertExpectations(t)
}

func TestGuard_MalformedIDSkipsStore(t *testing.T) {
	ms := &mockReplayStore{}
	g := NewGuard(ms)

	for _, id := range []string{"", "abc", "not-a-uuid-at-all"} {
		d := g.Check(context.Background(), "user-1", id)
		assert.False(t, d.Accepted)
		assert.Equal(t, ReasonInvalidID, d.Reason)
	}
	ms.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGuard_StoreErrorFailsClosed(t *testing.T) {
	ms := &mockReplayStore{}
	ms.On("RecordRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, errors.New("connection refused"))
	g := NewGuard(ms)

	d := g.Check(context.Background(), "user-1", uuid.NewString())
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonUnavailable, d.Reason)
}

func TestGuard_PassesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.NewString()
	ms := &mockReplayStore{}
	ms.On("RecordRequest", mock.Anything, id, now, now.Add(-48*time.Hour)).Return(true, nil)

	g := NewGuard(ms, WithClock(func() time.Time { return now }), WithRetention(48*time.Hour))
	assert.True(t, g.Check(context.Background(), "user-1", id).Accepted)
	ms.AssertExpectations(t)
}

func TestGuard_ExpiredIDAcceptedAgain(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(store.NewMemory(), WithClock(func() time.Time { return clock }))
	id := uuid.NewString()

	require.True(t, g.Check(context.Background(), "u", id).Accepted)
	clock = clock.Add(29 * 24 * time.Hour)
	assert.False(t, g.Check(context.Background(), "u", id).Accepted)
	clock = clock.Add(2 * 24 * time.Hour)
	assert.True(t, g.Check(context.Background(), "u", id).Accepted)
}

func TestGuard_ConcurrentSingleAcceptance(t *testing.T) {
	g := NewGuard(store.NewMemory())
	id := uuid.NewString()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check(context.Background(), "user-1", id).Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestGuard_Purge(t *testing.T) {
	now := time.Now().UTC()
	mem := store.NewMemory()
	_, err := mem.RecordRequest(context.Background(), "old", now.Add(-40*24*time.Hour), now.Add(-365*24*time.Hour))
	require.NoError(t, err)

	g := NewGuard(mem)
	n, err := g.Purge(context.Background(), mem)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
