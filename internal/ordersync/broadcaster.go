package ordersync

import (
	"sync"

	"github.com/agentworkforce/ordersync/internal/metrics"
)

const DefaultSubscriberBuffer = 64

// Subscription receives sync events until Unsubscribe is called. Events for
// one order arrive in publish order.
type Subscription struct {
	id          uint64
	ch          chan SyncEvent
	broadcaster *Broadcaster
	once        sync.Once
}

func (s *Subscription) C() <-chan SyncEvent {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broadcaster.remove(s.id)
	})
}

// Broadcaster fans sync events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	metrics *metrics.Registry

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func NewBroadcaster(reg *metrics.Registry) *Broadcaster {
	return &Broadcaster{
		metrics: reg,
		subs:    map[uint64]*Subscription{},
	}
}

func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		ch:          make(chan SyncEvent, buffer),
		broadcaster: b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	b.metrics.SetSubscribers(len(b.subs))
	return sub
}

// Publish returns how many subscribers received the event.
func (b *Broadcaster) Publish(event SyncEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered, dropped := 0, 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.metrics.ObservePublish(dropped)
	return delivered
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.metrics.SetSubscribers(0)
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.metrics.SetSubscribers(len(b.subs))
}
