// Package opensearch indexes status events through the OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/fleetdispatch/internal/history"
)

type Config struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends the event date to the index name (index-2006.01.02).
	Daily   bool
	Timeout time.Duration
}

// Sink writes one document per event. The event id is the document id, so a
// resend overwrites instead of duplicating.
type Sink struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Sink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.cfg.Daily {
		return s.cfg.Index
	}
	return s.cfg.Index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	target := s.cfg.BaseURL + "/" + url.PathEscape(s.indexFor(e)) + "/_doc/" + url.PathEscape(e.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.indexFor(e), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
