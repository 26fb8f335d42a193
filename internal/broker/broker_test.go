package broker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/internal/snapshot"
	"github.com/ChuLiYu/vitesse/internal/storage/wal"
)

// ============================================================================
// Test helpers
// ============================================================================

const fn = queue.FunctionRequestAsync

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b := New(opts)
	t.Cleanup(b.Close)
	return b
}

func submit(t *testing.T, b *Broker, clientID string, prio queue.Priority) string {
	t.Helper()
	handle, err := b.Submit(clientID, fn, queue.DefaultContext, "", prio, []byte("payload"))
	require.NoError(t, err)
	return handle
}

func nextEvent(t *testing.T, b *Broker, clientID string) queue.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := b.NextEvent(ctx, clientID)
	require.NoError(t, err)
	return ev
}

// ============================================================================
// Submit / Grab
// ============================================================================

func TestGrabByPriority(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))

	low := submit(t, b, "c1", queue.PriorityLow)
	high := submit(t, b, "c1", queue.PriorityHigh)

	job, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, high, job.Handle)
	assert.Equal(t, []byte("payload"), job.Workload)
	assert.NotEmpty(t, job.Unique, "a unique token is minted when none is given")

	job, err = b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, low, job.Handle)
}

func TestGrabTimesOutWithoutJobs(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))

	start := time.Now()
	job, err := b.Grab(context.Background(), "w1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGrabWakesOnSubmit(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))

	got := make(chan string, 1)
	go func() {
		job, err := b.Grab(context.Background(), "w1", 5*time.Second)
		if err == nil && job != nil {
			got <- job.Handle
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	handle := submit(t, b, "c1", queue.PriorityNormal)

	select {
	case h := <-got:
		assert.Equal(t, handle, h)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not woken by submit")
	}
}

func TestGrabRequiresRegistration(t *testing.T) {
	b := newTestBroker(t, Options{})
	_, err := b.Grab(context.Background(), "stranger", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestContextLabelMustMatch(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, "Other.Context"))
	submit(t, b, "c1", queue.PriorityHigh)

	job, err := b.Grab(context.Background(), "w1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

// ============================================================================
// Events
// ============================================================================

func TestEventsRoutedToOwningClient(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))

	handle, err := b.Submit("c1", fn, queue.DefaultContext, "u-1", queue.PriorityHigh, nil)
	require.NoError(t, err)
	submit(t, b, "c2", queue.PriorityLow)

	job, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, handle, job.Handle)

	require.NoError(t, b.WorkStatus(handle, 1, 2))
	require.NoError(t, b.WorkData(handle, []byte("data")))
	require.NoError(t, b.WorkComplete(handle, nil))

	ev := nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventStatus, ev.Type)
	assert.Equal(t, "u-1", ev.Unique)
	assert.Equal(t, 1, ev.Numerator)

	ev = nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventData, ev.Type)
	assert.Equal(t, []byte("data"), ev.Data)

	ev = nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventComplete, ev.Type)
	assert.Equal(t, handle, ev.Handle)

	// c2 has nothing yet
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.NextEvent(ctx, "c2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkExceptionAndFail(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	first := submit(t, b, "c1", queue.PriorityHigh)
	second := submit(t, b, "c1", queue.PriorityHigh)

	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	_, err = b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	require.NoError(t, b.WorkException(first, 500, "boom"))
	require.NoError(t, b.WorkFail(second))

	ev := nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventException, ev.Type)
	assert.Equal(t, 500, ev.Code)
	assert.Equal(t, "boom", ev.Message)

	ev = nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventFail, ev.Type)
	assert.Equal(t, queue.ErrnoServerError, ev.Code)

	// finished jobs are gone
	assert.ErrorIs(t, b.WorkComplete(first, nil), ErrUnknownJob)
}

func TestStatus(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	handle := submit(t, b, "c1", queue.PriorityHigh)

	st := b.Status(handle)
	assert.True(t, st.Known)
	assert.False(t, st.Running)

	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.WorkStatus(handle, 1, 2))

	st = b.Status(handle)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Numerator)
	assert.Equal(t, 2, st.Denominator)

	require.NoError(t, b.WorkComplete(handle, nil))
	assert.False(t, b.Status(handle).Known)
}

// ============================================================================
// Failure detection
// ============================================================================

func TestWorkerGoneFailsRunningJobs(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	handle := submit(t, b, "c1", queue.PriorityHigh)
	queued := submit(t, b, "c1", queue.PriorityLow)

	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	b.WorkerGone("w1")

	ev := nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventFail, ev.Type)
	assert.Equal(t, handle, ev.Handle)
	assert.Equal(t, queue.ErrnoLostConnection, ev.Code)

	// the queued job is untouched and the worker must register again
	assert.True(t, b.Status(queued).Known)
	_, err = b.Grab(context.Background(), "w1", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestExpireJobs(t *testing.T) {
	b := newTestBroker(t, Options{JobTimeout: 10 * time.Millisecond})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	handle := submit(t, b, "c1", queue.PriorityHigh)

	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, b.ExpireJobs(time.Now()))
	assert.Equal(t, 1, b.ExpireJobs(time.Now().Add(time.Second)))

	ev := nextEvent(t, b, "c1")
	assert.Equal(t, queue.EventFail, ev.Type)
	assert.Equal(t, handle, ev.Handle)
	assert.Equal(t, queue.ErrnoTimeout, ev.Code)
}

func TestRunExpiresJobs(t *testing.T) {
	b := newTestBroker(t, Options{JobTimeout: 20 * time.Millisecond})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	submit(t, b, "c1", queue.PriorityHigh)
	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	ev := nextEvent(t, b, "c1")
	assert.Equal(t, queue.ErrnoTimeout, ev.Code)

	cancel()
	require.NoError(t, <-done)
}

// ============================================================================
// Persistence / metrics / shutdown
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	snap := snapshot.NewManager(filepath.Join(t.TempDir(), "broker.json"))

	b := newTestBroker(t, Options{Snapshot: snap})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	running := submit(t, b, "c1", queue.PriorityHigh)
	queued := submit(t, b, "c1", queue.PriorityLow)
	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx), "Run writes a final snapshot on shutdown")

	restarted := newTestBroker(t, Options{Snapshot: snap})
	require.NoError(t, restarted.Restore())
	assert.True(t, restarted.Status(running).Known)
	assert.False(t, restarted.Status(running).Running)
	assert.True(t, restarted.Status(queued).Known)
	assert.Equal(t, 2, restarted.Stats()["queued"])
}

func openJournal(t *testing.T, path string) *wal.WAL {
	t.Helper()
	j, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalReplayWithoutSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.wal")
	journal := openJournal(t, path)

	b := newTestBroker(t, Options{Journal: journal})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	done := submit(t, b, "c1", queue.PriorityHigh)
	pending := submit(t, b, "c1", queue.PriorityLow)
	job, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, done, job.Handle)
	require.NoError(t, b.WorkComplete(done, nil))

	// 模擬崩潰：沒有 Run 也沒有快照
	require.NoError(t, journal.Close())

	restarted := newTestBroker(t, Options{Journal: openJournal(t, path)})
	require.NoError(t, restarted.Restore())
	assert.False(t, restarted.Status(done).Known, "finished jobs stay finished")
	assert.True(t, restarted.Status(pending).Known)
	assert.Equal(t, 1, restarted.Stats()["queued"])

	require.NoError(t, restarted.RegisterWorker("w2", fn, queue.DefaultContext))
	job, err = restarted.Grab(context.Background(), "w2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, pending, job.Handle)
	assert.Equal(t, []byte("payload"), job.Workload)
	assert.Equal(t, "c1", job.ClientID)
}

func TestSnapshotCompactsJournal(t *testing.T) {
	dir := t.TempDir()
	snap := snapshot.NewManager(filepath.Join(dir, "broker.json"))
	journal := openJournal(t, filepath.Join(dir, "broker.wal"))

	b := newTestBroker(t, Options{Snapshot: snap, Journal: journal})
	first := submit(t, b, "c1", queue.PriorityNormal)
	require.NoError(t, b.writeSnapshot())

	var replayed []wal.Record
	require.NoError(t, journal.Replay(0, func(rec wal.Record) error {
		replayed = append(replayed, rec)
		return nil
	}))
	assert.Empty(t, replayed, "snapshot covers every journaled record")

	// 快照之後的提交只存在於 WAL
	second := submit(t, b, "c1", queue.PriorityNormal)
	require.NoError(t, journal.Close())

	data, err := snap.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), data.LastSeq)

	reopened := openJournal(t, filepath.Join(dir, "broker.wal"))
	restarted := newTestBroker(t, Options{Snapshot: snap, Journal: reopened})
	require.NoError(t, restarted.Restore())
	assert.True(t, restarted.Status(first).Known)
	assert.True(t, restarted.Status(second).Known)
	assert.Equal(t, 2, restarted.Stats()["queued"])
	assert.Equal(t, uint64(2), reopened.LastSeq())
}

func TestRestoreTolerantOfTornJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.wal")
	journal := openJournal(t, path)
	b := newTestBroker(t, Options{Journal: journal})
	handle := submit(t, b, "c1", queue.PriorityNormal)
	require.NoError(t, journal.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"FIN`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restarted := newTestBroker(t, Options{Journal: openJournal(t, path)})
	require.NoError(t, restarted.Restore())
	assert.True(t, restarted.Status(handle).Known)
}

func TestBrokerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBroker(t, Options{Metrics: metrics.NewCollector(reg)})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))
	submit(t, b, "c1", queue.PriorityHigh)
	submit(t, b, "c1", queue.PriorityHigh)
	_, err := b.Grab(context.Background(), "w1", time.Second)
	require.NoError(t, err)

	expected := `
# HELP vitesse_broker_jobs_queued Current number of queued jobs
# TYPE vitesse_broker_jobs_queued gauge
vitesse_broker_jobs_queued 1
# HELP vitesse_broker_jobs_running Current number of running jobs
# TYPE vitesse_broker_jobs_running gauge
vitesse_broker_jobs_running 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"vitesse_broker_jobs_queued", "vitesse_broker_jobs_running"))
}

func TestCloseUnblocksWaiters(t *testing.T) {
	b := New(Options{})
	require.NoError(t, b.RegisterWorker("w1", fn, queue.DefaultContext))

	errs := make(chan error, 2)
	go func() {
		_, err := b.Grab(context.Background(), "w1", time.Minute)
		errs <- err
	}()
	go func() {
		_, err := b.NextEvent(context.Background(), "c1")
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()
	b.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by Close")
		}
	}

	_, err := b.Submit("c1", fn, queue.DefaultContext, "", queue.PriorityHigh, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
