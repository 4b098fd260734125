// Package notify fans credited superchats out to downstream subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you/superchat-guard/internal/core"
)

const (
	DefaultQueueSize      = 256
	DefaultDeliverTimeout = 30 * time.Second
)

var (
	ErrClosed    = errors.New("notify: bus closed")
	ErrQueueFull = errors.New("notify: queue full")
)

// Sink receives credited superchats.
type Sink interface {
	Deliver(ctx context.Context, ev core.Superchat) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev core.Superchat) error

func (f SinkFunc) Deliver(ctx context.Context, ev core.Superchat) error { return f(ctx, ev) }

type namedSink struct {
	name string
	sink Sink
}

type BusOptions struct {
	QueueSize int
	// DeliverTimeout bounds one event's pass over every sink.
	DeliverTimeout time.Duration
}

// Bus queues events and delivers them on its own goroutine, each event to
// every registered sink in registration order. Publish never waits on a sink.
type Bus struct {
	mu    sync.RWMutex
	sinks []namedSink

	timeout time.Duration
	queue   chan core.Superchat
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func NewBus() *Bus {
	return NewBusWithOptions(BusOptions{})
}

func NewBusWithOptions(opts BusOptions) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = DefaultDeliverTimeout
	}
	b := &Bus{
		timeout: opts.DeliverTimeout,
		queue:   make(chan core.Superchat, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) Register(name string, s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
	b.mu.Unlock()
}

// Publish queues ev for delivery. It fails with ErrQueueFull rather than
// block when sinks fall behind, and with ErrClosed after Close.
func (b *Bus) Publish(_ context.Context, ev core.Superchat) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		slog.Error("notify: queue full, dropping event", "id", ev.ID, "video_id", ev.VideoID)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.closeMu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of registered sinks.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		_ = b.deliver(ctx, ev)
		cancel()
	}
}

// deliver hands ev to every sink. A failing sink does not stop later ones;
// the returned error joins every failure.
func (b *Bus) deliver(ctx context.Context, ev core.Superchat) error {
	b.mu.RLock()
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.sink.Deliver(ctx, ev); err != nil {
			slog.Error("notify: sink delivery failed", "sink", s.name, "id", ev.ID, "video_id", ev.VideoID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
