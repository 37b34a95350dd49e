package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusDispatched, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusDispatched}:   true,
		{StatusDispatched, StatusRunning}:   true,
		{StatusRunning, StatusCompleted}:    true,
		{StatusRunning, StatusFailed}:       true,
		{StatusPending, StatusCancelled}:    true,
		{StatusDispatched, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s,%s)=%v want %v", from, to, got, want)
			}
			err := CheckTransition(from, to)
			if want && err != nil {
				t.Fatalf("CheckTransition(%s,%s) unexpected error %v", from, to, err)
			}
			if !want && !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("CheckTransition(%s,%s) expected ErrIllegalTransition, got %v", from, to, err)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusDispatched, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("running"); err != nil || s != StatusRunning {
		t.Fatalf("ParseStatus(running) = %q, %v", s, err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestNewJobValidate(t *testing.T) {
	n := NewJob{Name: "  post  ", FlowID: 3}
	if err := n.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if n.Name != "post" || n.Priority != DefaultPriority || string(n.Params) != "{}" {
		t.Fatalf("defaults not applied: %+v", n)
	}

	bad := []NewJob{
		{FlowID: 1, Name: ""},
		{Name: "x"},
		{Name: "x", FlowID: 1, Priority: 11},
		{Name: "x", FlowID: 1, Priority: -1},
		{Name: "x", FlowID: 1, Params: json.RawMessage("{nope")},
	}
	for i, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("case %d: expected ErrInvalidJob, got %v", i, err)
		}
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)
	cases := []struct {
		j    Job
		want bool
	}{
		{Job{Status: StatusPending}, true},
		{Job{Status: StatusPending, ScheduledAt: &past}, true},
		{Job{Status: StatusPending, ScheduledAt: &now}, true},
		{Job{Status: StatusPending, ScheduledAt: &future}, false},
		{Job{Status: StatusDispatched}, false},
	}
	for i, c := range cases {
		if got := c.j.Due(now); got != c.want {
			t.Fatalf("case %d: Due=%v want %v", i, got, c.want)
		}
	}
}
