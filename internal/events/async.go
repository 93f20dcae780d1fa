package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/bagmatch/internal/observability"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event queue closed")
)

// Async moves a slow sink off the request path. Events are delivered in order
// by one goroutine, each with its own timeout and no request context. When the
// queue is full the event is dropped and Publish reports it.
type Async struct {
	name    string
	sink    Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewAsync(name string, sink Sink, buffer int, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		name:    name,
		sink:    sink,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, ev); err != nil {
			observability.EventsDropped.WithLabelValues(a.name).Inc()
			a.log.Warn("event_publish_failed", "sink", a.name, "match_id", ev.MatchID, "action", ev.Action, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
