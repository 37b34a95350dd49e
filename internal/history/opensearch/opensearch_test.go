package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fleetdispatch/internal/history"
)

type captured struct {
	method, path, user, pass string
	doc                      map[string]any
}

func recorder(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.Path
		got.user, got.pass, _ = r.BasicAuth()
		_ = json.NewDecoder(r.Body).Decode(&got.doc)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendIndexesByEventID(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusCreated, &got)

	sink := New(Config{BaseURL: srv.URL + "/", Index: "fleet-events"})
	e := history.DeviceEvent("phone-1", "online", "offline", "stale", time.Now())
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.method != http.MethodPut || got.path != "/fleet-events/_doc/"+e.ID {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.doc["kind"] != "device" || got.doc["subject"] != "phone-1" || got.doc["to"] != "offline" {
		t.Fatalf("unexpected document: %v", got.doc)
	}
	if got.user != "" {
		t.Fatalf("no credentials expected, got %q", got.user)
	}
}

func TestSendDailyIndexWithCredentials(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusOK, &got)

	sink := New(Config{BaseURL: srv.URL, Index: "ev", Daily: true, Username: "admin", Password: "pw"})
	at := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	e := history.JobEvent(7, "phone-1", "pending", "dispatched", "", at)
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(got.path, "/ev-2026.03.09/_doc/") {
		t.Fatalf("unexpected path %s", got.path)
	}
	if got.user != "admin" || got.pass != "pw" {
		t.Fatalf("basic auth not sent: %q %q", got.user, got.pass)
	}
}

func TestSendErrorStatus(t *testing.T) {
	var got captured
	srv := recorder(t, http.StatusBadRequest, &got)

	err := New(Config{BaseURL: srv.URL, Index: "idx"}).
		Send(context.Background(), history.JobEvent(1, "d", "pending", "dispatched", "", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Fatalf("expected error with response body, got %v", err)
	}
}

func TestSendUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink := New(Config{BaseURL: "http://127.0.0.1:1", Index: "idx"})
	if err := sink.Send(ctx, history.DeviceEvent("d", "", "online", "", time.Now())); err == nil {
		t.Fatal("expected connection error")
	}
}
