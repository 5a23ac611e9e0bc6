package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
)

// defaultSubscriberBuffer is the per-subscriber channel depth. A slow
// consumer loses events rather than backing up a worker.
const defaultSubscriberBuffer = 16

const dropLogInterval = 5 * time.Second

// Subscription is one live consumer of an account's events. Events arrives
// on C; Close must be called when the consumer goes away.
type Subscription struct {
	// Events receives published events until Close.
	Events <-chan Event

	owner string
	ch    chan Event
	b     *Broadcaster
	once  sync.Once
}

// Close detaches the subscription from the broadcaster. Safe to call
// multiple times and concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}

// Broadcaster routes events to the subscribers of the owning account. Its
// subscriber map is guarded by its own mutex and shares no lock with the
// scheduler. Publish never blocks: a full subscriber buffer drops the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger

	dropped  atomic.Int64
	lastWarn atomic.Int64
}

// NewBroadcaster constructs a Broadcaster. bufferSize <= 0 selects the
// default per-subscriber depth.
func NewBroadcaster(bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: bufferSize,
		logger: logger,
	}
}

// Subscribe registers a new consumer for the account's events.
func (b *Broadcaster) Subscribe(accountID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{Events: ch, owner: accountID, ch: ch, b: b}

	b.mu.Lock()
	set, ok := b.subs[accountID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[accountID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// remove closes the channel while holding the write lock so it can never
// race a send in Publish.
func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.owner]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.owner)
		}
	}
	close(sub.ch)
}

// Publish hands evt to every live subscriber of accountID. It never blocks
// the caller; an event that does not fit a subscriber's buffer is dropped
// and superseded by the next one. Sends happen under the read lock, which
// excludes remove's close; the sends themselves are non-blocking so the
// lock is never held waiting on a consumer.
func (b *Broadcaster) Publish(accountID string, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[accountID] {
		select {
		case sub.ch <- evt:
		default:
			b.noteDrop()
		}
	}
}

// SubscriberCount returns the number of live subscriptions for an account.
func (b *Broadcaster) SubscriberCount(accountID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[accountID])
}

// Dropped returns the total number of events discarded due to slow
// subscribers since construction.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broadcaster) noteDrop() {
	n := b.dropped.Add(1)
	metrics.ObserveDroppedEvents(1)
	now := time.Now().UnixNano()
	last := b.lastWarn.Load()
	if now-last < dropLogInterval.Nanoseconds() {
		return
	}
	if b.lastWarn.CompareAndSwap(last, now) {
		b.logger.Warn("progress events dropped for slow subscribers", zap.Int64("total_dropped", n))
	}
}
