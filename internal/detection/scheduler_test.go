package detection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/internal/eventstore"
)

func testScheduler(svc *Service) *Scheduler {
	return NewScheduler(svc, 10*time.Millisecond, time.Minute, logging.New("error", "json"))
}

func TestSchedulerReconciles(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &stubExec{})
	sched := testScheduler(svc)

	rec, err := svc.Create(context.Background(), validRecord())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { sched.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return sched.WorkerCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Disabling the detection removes its worker on the next reconcile.
	require.NoError(t, svc.SetEnabled(context.Background(), "acme", rec.ID, false, "analyst"))
	require.Eventually(t, func() bool { return sched.WorkerCount() == 0 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRestartsOnVersionChange(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &stubExec{})
	sched := testScheduler(svc)

	rec, err := svc.Create(context.Background(), validRecord())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool { return sched.WorkerCount() == 1 },
		time.Second, 5*time.Millisecond)

	rec.Name = "renamed"
	_, err = svc.Update(context.Background(), rec)
	require.NoError(t, err)

	// The worker is replaced with the new version.
	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		w, ok := sched.workers[rec.ID]
		return ok && w.version == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerEvaluatesOnInterval(t *testing.T) {
	store := newMemStore()
	exec := &stubExec{rs: &eventstore.ResultSet{
		Data: []map[string]interface{}{{"src_ip": "10.0.0.8", "value": float64(80)}},
	}}
	svc := testService(store, exec)
	sched := testScheduler(svc)

	rec := validRecord()
	rec.IntervalSec = 10
	_, err := svc.Create(context.Background(), rec)
	require.NoError(t, err)

	// Drive one evaluation directly rather than waiting out a real ticker.
	stored, err := svc.Get(context.Background(), "acme", rec.ID)
	require.NoError(t, err)
	run, findings := svc.runAndRecord(context.Background(), stored)
	assert.Equal(t, RunSucceeded, run.Status)
	require.Len(t, findings, 1)

	fresh := sched.filterSeen(findings)
	assert.Len(t, fresh, 1)
}

func TestFilterSeenSuppressesRepeats(t *testing.T) {
	svc := testService(newMemStore(), &stubExec{})
	sched := testScheduler(svc)

	f := Finding{DedupKey: "det|src_ip=10.0.0.8|window_start=w1"}
	assert.Len(t, sched.filterSeen([]Finding{f}), 1)
	assert.Len(t, sched.filterSeen([]Finding{f}), 0, "repeat within TTL is suppressed")

	other := Finding{DedupKey: "det|src_ip=10.0.0.9|window_start=w1"}
	assert.Len(t, sched.filterSeen([]Finding{f, other}), 1)
}

func TestFilterSeenExpires(t *testing.T) {
	svc := testService(newMemStore(), &stubExec{})
	sched := NewScheduler(svc, time.Minute, 10*time.Millisecond, logging.New("error", "json"))

	f := Finding{DedupKey: "det|k=v"}
	require.Len(t, sched.filterSeen([]Finding{f}), 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sched.filterSeen([]Finding{f}), 1, "expired keys fire again")
}
