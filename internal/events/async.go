package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Async is a non-blocking Emitter that delivers events to sinks in the background.
// When the buffer is full, events are dropped and counted.
type Async struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewAsync creates an Async emitter with the given buffer size. Call Start to begin
// delivery and Close to flush.
func NewAsync(buffer int, timeout time.Duration, logger *zap.Logger, sinks ...Sink) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Async{
		sinks:   sinks,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		logger:  logger.With(zap.String("component", "events")),
	}
}

// Emit enqueues an event without blocking. Events emitted after Close are dropped.
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn("Event buffer full, dropping events")
		}
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Start begins delivering events until Close is called.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for e := range a.queue {
			a.deliver(ctx, e)
		}
	}()
}

// Close stops accepting events and waits for queued events to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) deliver(ctx context.Context, e Event) {
	for _, sink := range a.sinks {
		sctx, cancel := context.WithTimeout(ctx, a.timeout)
		if err := sink.Publish(sctx, e); err != nil {
			a.logger.Debug("Failed to publish event",
				zap.String("event_id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}
