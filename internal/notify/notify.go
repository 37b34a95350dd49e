// Package notify delivers status change events to observers without blocking
// the code that changed the state.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/metrics"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notifier closed")
)

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

type namedSink struct {
	name string
	sink history.Sink
}

// Notifier queues events and fans them out to sinks from one goroutine.
type Notifier struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan history.Event
	sinks   []namedSink
	timeout time.Duration
	log     *slog.Logger
	done    chan struct{}
	start   sync.Once
}

func New(queueSize int, log *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		queue:   make(chan history.Event, queueSize),
		timeout: DefaultSendTimeout,
		log:     log.With("component", "notifier"),
		done:    make(chan struct{}),
	}
}

// AddSink registers a destination. Call before Start.
func (n *Notifier) AddSink(name string, s history.Sink) {
	n.mu.Lock()
	n.sinks = append(n.sinks, namedSink{name: name, sink: s})
	n.mu.Unlock()
}

// Start launches the delivery goroutine. It runs until Close.
func (n *Notifier) Start() {
	n.start.Do(func() { go n.loop() })
}

// Publish enqueues e without blocking.
func (n *Notifier) Publish(e history.Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		metrics.IncNotifierDropped()
		return ErrClosed
	}
	select {
	case n.queue <- e:
		return nil
	default:
		metrics.IncNotifierDropped()
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered or ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.Start()
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for e := range n.queue {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e history.Event) {
	n.mu.RLock()
	sinks := n.sinks
	n.mu.RUnlock()
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := s.sink.Send(ctx, e)
		cancel()
		if err != nil {
			metrics.IncSinkError(s.name)
			n.log.Warn("event delivery failed", "sink", s.name, "event_id", e.ID, "kind", e.Kind, "subject", e.Subject, "error", err)
		}
	}
}
