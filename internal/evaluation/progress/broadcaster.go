package progress

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	jobID string
	ch    chan Event
}

// Broadcaster fans events out to in-process subscribers. A subscriber that does
// not keep up misses events rather than slowing the engine down.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving events of jobID, or of every job when
// jobID is empty, and a function that cancels the subscription.
func (b *Broadcaster) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{jobID: jobID, ch: make(chan Event, buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *Broadcaster) Emit(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != event.JobID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
