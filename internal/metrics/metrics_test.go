package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	SetPresenceOnline(3)
	AddSynced(3)
	IncDemotion()
	IncReconcileRun("ok")
	SetConnectedDevices(2)
	IncDispatch("dispatched")
	ObserveSchedulerRun("ok", 0.2, 4, 1)
	IncSchedulerSkippedRun()
	ObserveJobTransition("pending", "dispatched")
	IncNotifierDropped()
	IncSinkError("sqlite")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"fleetdispatch_presence_online_devices":        false,
		"fleetdispatch_reconciler_synced_devices_total": false,
		"fleetdispatch_reconciler_demotions_total":      false,
		"fleetdispatch_reconciler_runs_total":           false,
		"fleetdispatch_transport_connected_devices":     false,
		"fleetdispatch_dispatch_outcomes_total":         false,
		"fleetdispatch_scheduler_runs_total":            false,
		"fleetdispatch_scheduler_tick_duration_seconds": false,
		"fleetdispatch_scheduler_last_run_jobs":         false,
		"fleetdispatch_jobs_transitions_total":          false,
		"fleetdispatch_notifier_dropped_total":          false,
		"fleetdispatch_notifier_sink_errors_total":      false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if v := testutil.ToFloat64(schedulerLast.WithLabelValues("dispatched")); v != 4 {
		t.Fatalf("last dispatched gauge = %v", v)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncDispatch("skipped")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "fleetdispatch_dispatch_outcomes_total") {
		t.Fatalf("metrics output missing dispatch outcomes")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncDispatch("dispatched")
			IncDemotion()
			ObserveJobTransition("running", "completed")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestHelpersBeforeRegister(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	// must not panic
	SetPresenceOnline(1)
	IncDispatch("x")
	ObserveSchedulerRun("ok", 1, 1, 1)
	IncSinkError("x")
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error { return errors.New("test registration error") }
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool  { return false }

func TestRegisterError(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	err := Register(errorRegisterer{})
	if err == nil || err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatalf("failed registration must keep helpers disabled")
	}
}
