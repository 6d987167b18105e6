package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"cloudeval/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultAsyncBuffer = 256

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// AsyncSink decouples the engine from a slow sink. Events are delivered in
// order by a single goroutine; when the buffer is full new events are dropped.
type AsyncSink struct {
	next    Sink
	queue   chan queuedEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsyncSink starts the delivery goroutine.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan queuedEvent, buffer),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for item := range s.queue {
		s.next.Emit(item.ctx, item.event)
	}
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		s.dropped.Add(1)
		logger.Warn(ctx, "progress buffer full, dropping event",
			zap.String("event", string(event.Name)),
			zap.String("job_id", event.JobID),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}
