// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/store"
)

// Opener returns an empty store with its schema applied.
type Opener func(t *testing.T) store.Store

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// Run executes the suite. Each subtest gets a fresh store.
func Run(t *testing.T, open Opener) {
	t.Run("DeviceUpsert", func(t *testing.T) { testDeviceUpsert(t, open(t)) })
	t.Run("MarkOnline", func(t *testing.T) { testMarkOnline(t, open(t)) })
	t.Run("StaleAndMarkOffline", func(t *testing.T) { testStale(t, open(t)) })
	t.Run("FlowsAndJobs", func(t *testing.T) { testFlowsAndJobs(t, open(t)) })
	t.Run("DueJobsOrdering", func(t *testing.T) { testDueJobs(t, open(t)) })
	t.Run("ClaimRelease", func(t *testing.T) { testClaimRelease(t, open(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, open(t)) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, open(t)) })
}

func testDeviceUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: "phone-1", Name: "Pixel", Model: "P7", OSVersion: "14", SecretHash: "h1"}))

	d, err := s.GetDevice(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "Pixel", d.Name)
	assert.Equal(t, "h1", d.SecretHash)
	assert.False(t, d.SocketConnected)
	assert.Nil(t, d.LastActiveAt)

	_, err = s.MarkOnline(ctx, "phone-1", base)
	require.NoError(t, err)

	// re-register keeps presence and secret
	require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: "phone-1", Name: "Pixel 7"}))
	d, err = s.GetDevice(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7", d.Name)
	assert.Equal(t, "h1", d.SecretHash)
	assert.True(t, d.SocketConnected)
	require.NotNil(t, d.LastActiveAt)
	assert.True(t, d.LastActiveAt.Equal(base))

	require.NoError(t, s.SetDeviceSecret(ctx, "phone-1", "h2"))
	d, err = s.GetDevice(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "h2", d.SecretHash)

	_, err = s.GetDevice(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	assert.True(t, errors.Is(s.SetDeviceSecret(ctx, "missing", "x"), store.ErrNotFound))

	require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: "phone-0", Name: "A"}))
	all, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "phone-0", all[0].ID)

	assert.Error(t, s.UpsertDevice(ctx, device.Device{ID: "bad id"}))
}

func testMarkOnline(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: "d1", Name: "d1"}))

	flipped, err := s.MarkOnline(ctx, "d1", base)
	require.NoError(t, err)
	assert.True(t, flipped, "first sighting flips offline->online")

	flipped, err = s.MarkOnline(ctx, "d1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, flipped)

	// an older fact never moves last_active_at backwards
	_, err = s.MarkOnline(ctx, "d1", base.Add(-time.Hour))
	require.NoError(t, err)
	d, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.LastActiveAt)
	assert.True(t, d.LastActiveAt.Equal(base.Add(time.Minute)), "last_active_at = %v", d.LastActiveAt)

	// same timestamp again still matches the row
	_, err = s.MarkOnline(ctx, "d1", base.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.MarkOnline(ctx, "ghost", base)
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"fresh", "old", "never", "offline"} {
		require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: id, Name: id}))
	}
	_, err := s.MarkOnline(ctx, "fresh", base.Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.MarkOnline(ctx, "old", base.Add(-10*time.Minute))
	require.NoError(t, err)

	cutoff := base.Add(-5 * time.Minute)
	stale, err := s.ListStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	// a heartbeat that lands between listing and demotion wins
	_, err = s.MarkOnline(ctx, "old", base)
	require.NoError(t, err)
	ok, err := s.MarkOffline(ctx, "old", cutoff)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.MarkOnline(ctx, "never", base.Add(-20*time.Minute))
	require.NoError(t, err)
	ok, err = s.MarkOffline(ctx, "never", cutoff)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkOffline(ctx, "never", cutoff)
	require.NoError(t, err)
	assert.False(t, ok, "second demotion is a no-op")

	ok, err = s.MarkOffline(ctx, "offline", cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testFlowsAndJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	f, err := s.CreateFlow(ctx, job.Flow{Name: "login", Definition: json.RawMessage(`{"steps":[1,2]}`)})
	require.NoError(t, err)
	require.NotZero(t, f.ID)

	got, err := s.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "login", got.Name)
	assert.JSONEq(t, `{"steps":[1,2]}`, string(got.Definition))

	_, err = s.GetFlow(ctx, f.ID+100)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	at := base.Add(time.Hour)
	j, err := s.CreateJob(ctx, job.NewJob{Name: "j1", FlowID: f.ID, DeviceID: "d1", ScheduledAt: &at, Priority: 7, Params: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)

	loaded, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", loaded.DeviceID)
	assert.Equal(t, 7, loaded.Priority)
	require.NotNil(t, loaded.ScheduledAt)
	assert.True(t, loaded.ScheduledAt.Equal(at))
	assert.JSONEq(t, `{"a":1}`, string(loaded.Params))
	assert.Nil(t, loaded.DispatchedAt)

	_, err = s.CreateJob(ctx, job.NewJob{Name: "j2", FlowID: f.ID, Priority: 5})
	require.NoError(t, err)

	list, err := s.ListJobs(ctx, store.JobFilter{DeviceID: "d1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = s.ListJobs(ctx, store.JobFilter{Status: job.StatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j2", list[0].Name, "newest first")

	_, err = s.GetJob(ctx, 99999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testDueJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	f, err := s.CreateFlow(ctx, job.Flow{Name: "flow", Definition: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, s.UpsertDevice(ctx, device.Device{ID: "on", Name: "on"}))
	_, err = s.MarkOnline(ctx, "on", base)
	require.NoError(t, err)

	early := base.Add(-2 * time.Hour)
	late := base.Add(-time.Hour)
	future := base.Add(time.Hour)
	mk := func(name string, prio int, at *time.Time, dev string) int64 {
		j, err := s.CreateJob(ctx, job.NewJob{Name: name, FlowID: f.ID, DeviceID: dev, ScheduledAt: at, Priority: prio})
		require.NoError(t, err)
		return j.ID
	}
	low := mk("low", 1, nil, "on")
	lateID := mk("late", 5, &late, "on")
	nullID := mk("null", 5, nil, "ghost")
	earlyID := mk("early", 5, &early, "")
	high := mk("high", 9, &late, "on")
	mk("future", 10, &future, "on")

	due, err := s.DueJobs(ctx, base, 10)
	require.NoError(t, err)
	var ids []int64
	for _, d := range due {
		ids = append(ids, d.Job.ID)
	}
	assert.Equal(t, []int64{high, nullID, earlyID, lateID, low}, ids)

	assert.Nil(t, due[1].Device, "device row missing")
	assert.Equal(t, "ghost", due[1].Job.DeviceID)
	assert.Equal(t, "", due[2].Job.DeviceID)
	require.NotNil(t, due[0].Device)
	assert.True(t, due[0].Device.SocketConnected)
	assert.Equal(t, "flow", due[0].Flow.Name)

	limited, err := s.DueJobs(ctx, base, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ok, err := s.ClaimJob(ctx, high, base)
	require.NoError(t, err)
	require.True(t, ok)
	due, err = s.DueJobs(ctx, base, 10)
	require.NoError(t, err)
	assert.Len(t, due, 4, "dispatched jobs are no longer due")
}

func testClaimRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	j, err := s.CreateJob(ctx, job.NewJob{Name: "c", FlowID: 1, DeviceID: "d", Priority: 5})
	require.NoError(t, err)

	ok, err := s.ClaimJob(ctx, j.ID, base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimJob(ctx, j.ID, base)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDispatched, got.Status)
	require.NotNil(t, got.DispatchedAt)
	assert.True(t, got.DispatchedAt.Equal(base))

	ok, err = s.ReleaseJob(ctx, j.ID, base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "stale stamp does not release")

	ok, err = s.ReleaseJob(ctx, j.ID, base)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Nil(t, got.DispatchedAt)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	j, err := s.CreateJob(ctx, job.NewJob{Name: "race", FlowID: 1, DeviceID: "d", Priority: 5})
	require.NoError(t, err)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimJob(ctx, j.ID, base)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	j, err := s.CreateJob(ctx, job.NewJob{Name: "t", FlowID: 1, DeviceID: "d", Priority: 5})
	require.NoError(t, err)

	_, err = s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusCompleted, base, "")
	assert.True(t, errors.Is(err, job.ErrIllegalTransition))

	ok, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusDispatched, base, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionJob(ctx, j.ID, job.StatusDispatched, job.StatusRunning, base.Add(time.Second), "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionJob(ctx, j.ID, job.StatusRunning, job.StatusFailed, base.Add(2*time.Second), "boom")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(base.Add(2*time.Second)))

	// from no longer matches
	ok, err = s.TransitionJob(ctx, j.ID, job.StatusRunning, job.StatusCompleted, base, "")
	require.NoError(t, err)
	assert.False(t, ok)
}
