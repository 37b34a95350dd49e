package app

import (
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetdispatch/internal/cron"
)

// sinkName labels a history sink in logs and metrics without leaking credentials.
func sinkName(dsn string) string {
	d := strings.TrimSpace(dsn)
	if !strings.Contains(d, "://") {
		return "sqlite"
	}
	scheme, _, _ := strings.Cut(d, "://")
	scheme = strings.ToLower(scheme)
	if u, err := url.Parse(d); err == nil && u.Host != "" {
		return scheme + ":" + u.Host
	}
	return scheme
}

func isMemory(dsn string) bool {
	d := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	return d == ":memory:"
}

// runTimeout is the gap between the two activations of schedule after from.
// Zero for an invalid schedule.
func runTimeout(schedule string, from time.Time) time.Duration {
	s, err := cron.ParseSchedule(schedule)
	if err != nil {
		return 0
	}
	next := s.Next(from)
	return s.Next(next).Sub(next)
}
