package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/loykin/fleetdispatch/internal/auth"
	"github.com/loykin/fleetdispatch/internal/dispatch"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/presence"
	"github.com/loykin/fleetdispatch/internal/reconciler"
	"github.com/loykin/fleetdispatch/internal/scheduler"
	"github.com/loykin/fleetdispatch/internal/store/sqlite"
	"github.com/loykin/fleetdispatch/internal/transport"
)

// tasks runs reconciler and scheduler directly, as the daemon does.
type tasks struct {
	rec   *reconciler.Reconciler
	sched *scheduler.Scheduler
}

func (t tasks) Reconcile(ctx context.Context, timeout time.Duration) (reconciler.Report, error) {
	return t.rec.Run(ctx, timeout)
}

func (t tasks) Dispatch(ctx context.Context, dryRun *bool) (scheduler.Summary, error) {
	dry := dryRun != nil && *dryRun
	return t.sched.Tick(ctx, time.Now().UTC(), dry)
}

func (t tasks) LastReconcile() (reconciler.Report, bool) { return t.rec.Last() }
func (t tasks) LastDispatch() (scheduler.Summary, bool)  { return t.sched.Last() }
func (t tasks) OfflineTimeout() time.Duration            { return time.Minute }

func (t tasks) NextRuns() map[string]time.Time {
	return map[string]time.Time{"reconcile": time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type activity struct {
	in   *presence.Ingestor
	jobs *job.Service
}

func (a activity) Seen(ctx context.Context, id string) error { return a.in.Seen(ctx, id) }

func (a activity) Report(ctx context.Context, id string, r transport.StatusReport) error {
	_, err := a.jobs.Report(ctx, id, r.JobID, r.Status, r.Error)
	return err
}

const testOperatorKey = "operator-key-0123456789"

type fixture struct {
	deps Deps
	h    http.Handler
}

func setupRouter(t *testing.T, base string, withAuth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}

	mem := presence.NewMemory(time.Minute)
	in := presence.NewIngestor(mem, db, nil, nil)
	jobs := job.NewService(db, nil, nil)
	hub := transport.NewHub(activity{in: in, jobs: jobs}, nil)
	t.Cleanup(hub.Close)
	d := dispatch.New(db, hub, nil, nil)

	deps := Deps{
		Store:    db,
		Jobs:     jobs,
		Presence: in,
		Hub:      hub,
		Tasks: tasks{
			rec:   reconciler.New(mem, db, nil, 2, nil),
			sched: scheduler.New(db, d, nil, scheduler.Config{}, nil),
		},
		DefaultPriority: 7,
	}
	if withAuth {
		svc, err := auth.NewService(db, auth.Config{
			JWTSecret:   "0123456789abcdef0123",
			OperatorKey: testOperatorKey,
			BcryptCost:  4,
		})
		if err != nil {
			t.Fatalf("auth: %v", err)
		}
		deps.Auth = svc
		deps.AuthEnabled = true
	}
	return &fixture{deps: deps, h: NewRouter(deps, base).Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func createFlow(t *testing.T, h http.Handler, base string) job.Flow {
	t.Helper()
	rec := doReq(t, h, http.MethodPost, base+"/flows", map[string]any{"name": "post-story", "definition": map[string]any{"steps": 3}})
	mustStatus(t, rec, http.StatusCreated)
	return decode[job.Flow](t, rec)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", in, got, want)
		}
	}
}

func TestHealthz(t *testing.T) {
	f := setupRouter(t, "/api", false)
	rec := doReq(t, f.h, http.MethodGet, "/api/healthz", nil)
	mustStatus(t, rec, http.StatusOK)

	_ = f.deps.Store.Close()
	rec = doReq(t, f.h, http.MethodGet, "/api/healthz", nil)
	mustStatus(t, rec, http.StatusServiceUnavailable)
}

func TestDeviceRegistration(t *testing.T) {
	f := setupRouter(t, "/api", false)

	rec := doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1", "model": "Pixel 8"})
	mustStatus(t, rec, http.StatusCreated)
	resp := decode[registerResp](t, rec)
	if resp.Device.Name != "phone-1" || resp.Device.State != "offline" || resp.Device.Live || resp.Secret != "" {
		t.Fatalf("unexpected register response: %+v", resp)
	}

	// registering again updates in place
	rec = doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1", "name": "front desk"})
	mustStatus(t, rec, http.StatusOK)

	rec = doReq(t, f.h, http.MethodGet, "/api/devices/phone-1", nil)
	mustStatus(t, rec, http.StatusOK)
	if v := decode[deviceView](t, rec); v.Name != "front desk" {
		t.Fatalf("name not updated: %+v", v)
	}

	rec = doReq(t, f.h, http.MethodGet, "/api/devices", nil)
	mustStatus(t, rec, http.StatusOK)
	if list := decode[[]deviceView](t, rec); len(list) != 1 {
		t.Fatalf("expected one device, got %d", len(list))
	}

	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/devices/ghost", nil), http.StatusNotFound)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "bad id"}), http.StatusBadRequest)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/secret", nil), http.StatusBadRequest)
}

func TestHeartbeatMarksOnline(t *testing.T) {
	f := setupRouter(t, "", false)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices", map[string]any{"id": "phone-1"}), http.StatusCreated)

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices/phone-1/heartbeat", nil), http.StatusOK)
	d, err := f.deps.Store.GetDevice(context.Background(), "phone-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if !d.SocketConnected || d.LastActiveAt == nil {
		t.Fatalf("heartbeat did not mark device online: %+v", d)
	}
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices/ghost/heartbeat", nil), http.StatusNotFound)
}

func TestDeviceViewFlagsStale(t *testing.T) {
	f := setupRouter(t, "", false)
	ctx := context.Background()
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices", map[string]any{"id": "phone-1"}), http.StatusCreated)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices", map[string]any{"id": "phone-2"}), http.StatusCreated)
	if _, err := f.deps.Store.MarkOnline(ctx, "phone-1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if _, err := f.deps.Store.MarkOnline(ctx, "phone-2", time.Now()); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	if v := decode[deviceView](t, doReq(t, f.h, http.MethodGet, "/devices/phone-1", nil)); !v.Stale || v.State != "online" {
		t.Fatalf("expected phone-1 online and stale: %+v", v)
	}
	if v := decode[deviceView](t, doReq(t, f.h, http.MethodGet, "/devices/phone-2", nil)); v.Stale {
		t.Fatalf("phone-2 is fresh: %+v", v)
	}
}

func TestStatusReportsConnectionsAndNextRuns(t *testing.T) {
	f := setupRouter(t, "", false)
	srv := httptest.NewServer(f.h)
	t.Cleanup(srv.Close)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/devices", map[string]any{"id": "phone-1"}), http.StatusCreated)

	rec := doReq(t, f.h, http.MethodGet, "/status", nil)
	mustStatus(t, rec, http.StatusOK)
	if st := decode[statusResp](t, rec); len(st.Connected) != 0 || st.NextRuns["reconcile"].Year() != 2030 {
		t.Fatalf("unexpected status: %+v", st)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/device?device_id=phone-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	waitFor(t, func() bool {
		st := decode[statusResp](t, doReq(t, f.h, http.MethodGet, "/status", nil))
		return len(st.Connected) == 1 && st.Connected[0] == "phone-1"
	})
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	f := setupRouter(t, "/api", false)
	flow := createFlow(t, f.h, "/api")
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1"}), http.StatusCreated)

	rec := doReq(t, f.h, http.MethodPost, "/api/jobs", map[string]any{"name": "morning post", "flow_id": flow.ID, "device_id": "phone-1"})
	mustStatus(t, rec, http.StatusCreated)
	j := decode[job.Job](t, rec)
	if j.Status != job.StatusPending || j.Priority != 7 {
		t.Fatalf("unexpected job: %+v", j)
	}

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/jobs", map[string]any{"name": "x", "flow_id": 999}), http.StatusBadRequest)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/jobs", map[string]any{"flow_id": flow.ID}), http.StatusBadRequest)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/jobs", map[string]any{"name": "x", "flow_id": flow.ID, "priority": 11}), http.StatusBadRequest)

	rec = doReq(t, f.h, http.MethodGet, "/api/jobs?status=pending&device_id=phone-1", nil)
	mustStatus(t, rec, http.StatusOK)
	if list := decode[[]job.Job](t, rec); len(list) != 1 || list[0].ID != j.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
	rec = doReq(t, f.h, http.MethodGet, "/api/jobs?status=running", nil)
	mustStatus(t, rec, http.StatusOK)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/jobs?status=bogus", nil), http.StatusBadRequest)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/jobs?limit=-1", nil), http.StatusBadRequest)

	// a pending job cannot be reported as running
	path := "/api/jobs/" + itoa(j.ID) + "/status?device_id=phone-1"
	mustStatus(t, doReq(t, f.h, http.MethodPost, path, statusReq{Status: "running"}), http.StatusConflict)

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/jobs/"+itoa(j.ID)+"/cancel", nil), http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/jobs/"+itoa(j.ID)+"/cancel", nil), http.StatusConflict)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/jobs/999", nil), http.StatusNotFound)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/jobs/abc", nil), http.StatusBadRequest)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/flows/"+itoa(flow.ID), nil), http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/flows", map[string]any{"name": " "}), http.StatusBadRequest)
}

func TestRunsEndpoints(t *testing.T) {
	f := setupRouter(t, "/api", false)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/reconciler/last", nil), http.StatusNotFound)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/scheduler/last", nil), http.StatusNotFound)

	rec := doReq(t, f.h, http.MethodPost, "/api/reconcile?timeout=90s", nil)
	mustStatus(t, rec, http.StatusOK)
	if rep := decode[reconciler.Report](t, rec); rep.Timeout != "1m30s" {
		t.Fatalf("timeout not applied: %+v", rep)
	}
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/reconcile?timeout=soon", nil), http.StatusBadRequest)

	rec = doReq(t, f.h, http.MethodPost, "/api/dispatch?dry_run=true", nil)
	mustStatus(t, rec, http.StatusOK)
	if sum := decode[scheduler.Summary](t, rec); !sum.DryRun {
		t.Fatalf("dry run not applied: %+v", sum)
	}
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/dispatch?dry_run=maybe", nil), http.StatusBadRequest)

	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/reconciler/last", nil), http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/scheduler/last", nil), http.StatusOK)
}

func TestDeviceSocketReceivesDispatchAndReports(t *testing.T) {
	f := setupRouter(t, "/api", false)
	srv := httptest.NewServer(f.h)
	t.Cleanup(srv.Close)
	flow := createFlow(t, f.h, "/api")
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1"}), http.StatusCreated)
	rec := doReq(t, f.h, http.MethodPost, "/api/jobs", map[string]any{"name": "p", "flow_id": flow.ID, "device_id": "phone-1"})
	mustStatus(t, rec, http.StatusCreated)
	j := decode[job.Job](t, rec)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/device?device_id=phone-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	waitFor(t, func() bool { return f.deps.Hub.IsConnected("phone-1") })
	waitFor(t, func() bool {
		d, err := f.deps.Store.GetDevice(context.Background(), "phone-1")
		return err == nil && d.SocketConnected
	})

	rec = doReq(t, f.h, http.MethodPost, "/api/dispatch", nil)
	mustStatus(t, rec, http.StatusOK)
	if sum := decode[scheduler.Summary](t, rec); sum.Dispatched != 1 {
		t.Fatalf("expected one dispatched job: %+v", sum)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var p dispatch.Payload
	if err := conn.ReadJSON(&p); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if p.JobID != j.ID || p.FlowName != "post-story" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if err := conn.WriteJSON(map[string]any{"type": "job.status", "job_id": j.ID, "status": "running"}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	waitFor(t, func() bool {
		got, err := f.deps.Store.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusRunning
	})

	// another device may not report on this job
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-2"}), http.StatusCreated)
	path := "/api/jobs/" + itoa(j.ID) + "/status?device_id=phone-2"
	mustStatus(t, doReq(t, f.h, http.MethodPost, path, statusReq{Status: "completed"}), http.StatusForbidden)

	path = "/api/jobs/" + itoa(j.ID) + "/status?device_id=phone-1"
	mustStatus(t, doReq(t, f.h, http.MethodPost, path, statusReq{Status: "completed"}), http.StatusOK)
}

func TestDeviceSocketUnknownDevice(t *testing.T) {
	f := setupRouter(t, "", false)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/ws/device?device_id=ghost", nil), http.StatusNotFound)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/ws/device", nil), http.StatusBadRequest)
}

func operatorToken(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doReq(t, h, http.MethodPost, "/api/auth/operator-token", auth.OperatorTokenRequest{Key: testOperatorKey})
	mustStatus(t, rec, http.StatusOK)
	return decode[auth.Token](t, rec).Value
}

func TestDeviceAuthFlow(t *testing.T) {
	f := setupRouter(t, "/api", true)
	op := []string{"Authorization", "Bearer " + operatorToken(t, f.h)}

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1"}), http.StatusUnauthorized)
	rec := doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1"}, op...)
	mustStatus(t, rec, http.StatusCreated)
	secret := decode[registerResp](t, rec).Secret
	if secret == "" {
		t.Fatalf("expected a secret on first registration")
	}
	// re-registration keeps the secret
	rec = doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-1"}, op...)
	mustStatus(t, rec, http.StatusOK)
	if decode[registerResp](t, rec).Secret != "" {
		t.Fatalf("secret must not be reissued on update")
	}

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/auth/device-token", auth.TokenRequest{DeviceID: "phone-1", Secret: "nope"}), http.StatusUnauthorized)
	rec = doReq(t, f.h, http.MethodPost, "/api/auth/device-token", auth.TokenRequest{DeviceID: "phone-1", Secret: secret})
	mustStatus(t, rec, http.StatusOK)
	tok := decode[auth.Token](t, rec)
	dev := []string{"Authorization", "Bearer " + tok.Value}

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/heartbeat", nil), http.StatusUnauthorized)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/heartbeat", nil, dev...), http.StatusOK)

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices", map[string]any{"id": "phone-2"}, op...), http.StatusCreated)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-2/heartbeat", nil, dev...), http.StatusForbidden)

	// secrets rotate only with an operator token
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/secret", nil), http.StatusUnauthorized)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/secret", nil, dev...), http.StatusForbidden)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/auth/device-token", auth.TokenRequest{DeviceID: "phone-1", Secret: secret}), http.StatusOK)

	// rotating invalidates the old secret
	rec = doReq(t, f.h, http.MethodPost, "/api/devices/phone-1/secret", nil, op...)
	mustStatus(t, rec, http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/auth/device-token", auth.TokenRequest{DeviceID: "phone-1", Secret: secret}), http.StatusUnauthorized)
}

func TestOperatorRoutesRequireOperatorToken(t *testing.T) {
	f := setupRouter(t, "/api", true)

	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/auth/operator-token", auth.OperatorTokenRequest{Key: "guess"}), http.StatusUnauthorized)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/healthz", nil), http.StatusOK)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/devices"},
		{http.MethodGet, "/api/devices/phone-1"},
		{http.MethodPost, "/api/flows"},
		{http.MethodPost, "/api/jobs"},
		{http.MethodGet, "/api/jobs"},
		{http.MethodPost, "/api/jobs/1/cancel"},
		{http.MethodPost, "/api/reconcile"},
		{http.MethodPost, "/api/dispatch"},
		{http.MethodGet, "/api/reconciler/last"},
		{http.MethodGet, "/api/scheduler/last"},
		{http.MethodGet, "/api/status"},
		{http.MethodGet, "/api/ws/observe"},
	}
	for _, rt := range routes {
		if rec := doReq(t, f.h, rt.method, rt.path, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: expected 401, got %d", rt.method, rt.path, rec.Code)
		}
	}

	op := []string{"Authorization", "Bearer " + operatorToken(t, f.h)}
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/api/devices", nil, op...), http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodPost, "/api/reconcile", nil, op...), http.StatusOK)
}

func TestMetricsRoute(t *testing.T) {
	f := setupRouter(t, "/api", false)
	f.deps.Metrics = true
	h := NewRouter(f.deps, "/api").Handler()
	mustStatus(t, doReq(t, h, http.MethodGet, "/metrics", nil), http.StatusOK)
	mustStatus(t, doReq(t, f.h, http.MethodGet, "/metrics", nil), http.StatusNotFound)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
