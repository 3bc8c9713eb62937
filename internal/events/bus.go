// Package events fans job state changes out to in-process subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Event is one job state change.
type Event struct {
	JobID string        `json:"job_id"`
	Job   model.JobView `json:"job"`
	// Stage names the pipeline stage that finished, when one did.
	Stage string    `json:"stage,omitempty"`
	At    time.Time `json:"at"`
}

// Terminal reports whether e carries a final job state.
func (e Event) Terminal() bool {
	return e.Job.Status.Terminal()
}

type subscriber struct {
	ch chan Event
}

// Bus is an in-memory, per-job publish/subscribe hub. Publishing never
// blocks: a subscriber whose buffer is full misses intermediate events but
// always receives the terminal event, after which its channel is closed.
type Bus struct {
	buffer int

	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]*subscriber
}

// NewBus creates a Bus. buffer <= 0 uses DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[string]map[uint64]*subscriber)}
}

// Subscribe returns a channel of events for jobID and a cancel func that
// unsubscribes and closes the channel. Cancel is idempotent.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	s := &subscriber{ch: make(chan Event, b.buffer)}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]*subscriber)
	}
	b.subs[jobID][id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(jobID, id)
		})
	}
}

// Publish delivers e to every subscriber of e.JobID.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs[e.JobID] {
		if e.Terminal() {
			deliverTerminal(s.ch, e)
			b.remove(e.JobID, id)
			continue
		}
		select {
		case s.ch <- e:
		default:
			zap.L().Debug("events: subscriber slow, event dropped",
				zap.String("job_id", e.JobID),
				zap.String("status", string(e.Job.Status)),
			)
		}
	}
}

// deliverTerminal makes room by discarding the oldest buffered event when
// needed. Only Publish sends and it holds the lock, so the send cannot block.
func deliverTerminal(ch chan Event, e Event) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- e
}

// Subscribers reports how many subscribers jobID has.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// remove closes and drops a subscriber. Callers hold b.mu.
func (b *Bus) remove(jobID string, id uint64) {
	subs := b.subs[jobID]
	s, ok := subs[id]
	if !ok {
		return
	}
	close(s.ch)
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, jobID)
	}
}
