package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/fleetdispatch/internal/history"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
	block  chan struct{}
}

func (m *memSink) Send(ctx context.Context, e history.Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestNotifierFanOut(t *testing.T) {
	n := New(8, nil)
	a, b := &memSink{}, &memSink{err: errors.New("broken")}
	n.AddSink("a", a)
	n.AddSink("b", b)
	n.Start()

	for i := 0; i < 3; i++ {
		if err := n.Publish(history.DeviceEvent("d", "online", "offline", "stale", time.Now())); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.count() != 3 {
		t.Fatalf("sink a got %d events", a.count())
	}
	if b.count() != 3 {
		t.Fatalf("failing sink must not stop delivery, got %d", b.count())
	}
}

func TestNotifierQueueFull(t *testing.T) {
	n := New(1, nil)
	block := make(chan struct{})
	s := &memSink{block: block}
	n.AddSink("slow", s)
	n.Start()

	e := history.JobEvent(1, "d", "pending", "dispatched", "", time.Now())
	// the first event is taken by the loop and blocks in the sink, the second fills the queue
	if err := n.Publish(e); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(n.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := n.Publish(e); err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	if err := n.Publish(e); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.count() != 2 {
		t.Fatalf("expected 2 delivered, got %d", s.count())
	}
}

func TestNotifierClosed(t *testing.T) {
	n := New(4, nil)
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := n.Publish(history.DeviceEvent("d", "", "online", "", time.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNotifierCloseTimeout(t *testing.T) {
	n := New(4, nil)
	block := make(chan struct{})
	defer close(block)
	n.AddSink("stuck", &memSink{block: block})
	n.Start()
	_ = n.Publish(history.DeviceEvent("d", "", "online", "", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
