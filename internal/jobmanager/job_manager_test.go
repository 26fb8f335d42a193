package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/vitesse/internal/queue"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testKey = queue.Key(queue.DefaultContext, queue.FunctionRequestAsync)

// newTestJob creates a queued request_async job
func newTestJob(handle string, prio queue.Priority) Job {
	return Job{
		Handle:   handle,
		Unique:   "u-" + handle,
		Function: queue.FunctionRequestAsync,
		Context:  queue.DefaultContext,
		Priority: prio,
		Workload: []byte(`{"method":"GET","target":"/"}`),
		ClientID: "client-1",
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertStats asserts the per-status counters
func assertStats(t *testing.T, m *Manager, queued, running, completed, failed int) {
	t.Helper()
	stats := m.Stats()
	if stats["queued"] != queued || stats["running"] != running ||
		stats["completed"] != completed || stats["failed"] != failed {
		t.Errorf("stats: got %v, want queued=%d running=%d completed=%d failed=%d",
			stats, queued, running, completed, failed)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewManager(t *testing.T) {
	m := NewManager()
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	assertStats(t, m, 0, 0, 0, 0)
}

func TestEnqueue(t *testing.T) {
	m := NewManager()

	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityNormal)))

	job, ok := m.Get("H:1")
	if !ok {
		t.Fatal("job H:1 should exist")
	}
	if job.Status != StatusQueued {
		t.Errorf("status: got %s, want %s", job.Status, StatusQueued)
	}
	if job.CreatedAt == 0 || job.UpdatedAt == 0 {
		t.Error("timestamps should be set")
	}

	// duplicate handle
	assertError(t, m.Enqueue(newTestJob("H:1", queue.PriorityNormal)), ErrDuplicateJob)
	assertStats(t, m, 1, 0, 0, 0)
}

func TestPopPendingPriorityOrder(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:low", queue.PriorityLow)))
	assertNoError(t, m.Enqueue(newTestJob("H:normal", queue.PriorityNormal)))
	assertNoError(t, m.Enqueue(newTestJob("H:high-1", queue.PriorityHigh)))
	assertNoError(t, m.Enqueue(newTestJob("H:high-2", queue.PriorityHigh)))

	want := []string{"H:high-1", "H:high-2", "H:normal", "H:low"}
	for _, handle := range want {
		job := m.PopPending([]string{testKey}, "w1", time.Time{})
		if job == nil {
			t.Fatalf("expected %s, got nil", handle)
		}
		if job.Handle != handle {
			t.Errorf("pop order: got %s, want %s", job.Handle, handle)
		}
		if job.Status != StatusRunning || job.WorkerID != "w1" {
			t.Errorf("job %s should be running on w1, got %s/%s", job.Handle, job.Status, job.WorkerID)
		}
	}

	if job := m.PopPending([]string{testKey}, "w1", time.Time{}); job != nil {
		t.Errorf("expected empty queue, got %s", job.Handle)
	}
	assertStats(t, m, 0, 4, 0, 0)
}

func TestPopPendingRoutingKey(t *testing.T) {
	m := NewManager()
	job := newTestJob("H:other", queue.PriorityHigh)
	job.Context = "Other.Context"
	assertNoError(t, m.Enqueue(job))

	// a worker registered under the default context never sees it
	if got := m.PopPending([]string{testKey}, "w1", time.Time{}); got != nil {
		t.Fatalf("job under another context must not be grabbed, got %s", got.Handle)
	}

	got := m.PopPending([]string{queue.Key("Other.Context", queue.FunctionRequestAsync)}, "w1", time.Time{})
	if got == nil || got.Handle != "H:other" {
		t.Fatalf("expected H:other, got %v", got)
	}
}

func TestMarkCompleted(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityHigh)))

	// not running yet
	_, err := m.MarkCompleted("H:1")
	assertError(t, err, ErrNotRunning)

	m.PopPending([]string{testKey}, "w1", time.Time{})
	job, err := m.MarkCompleted("H:1")
	assertNoError(t, err)
	if job.Status != StatusCompleted || job.ClientID != "client-1" {
		t.Errorf("unexpected finished job: %+v", job)
	}

	// finished jobs are forgotten
	if _, ok := m.Get("H:1"); ok {
		t.Error("completed job should no longer be known")
	}
	_, err = m.MarkCompleted("H:1")
	assertError(t, err, ErrJobNotFound)
	assertStats(t, m, 0, 0, 1, 0)
}

func TestMarkFailed(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityHigh)))
	m.PopPending([]string{testKey}, "w1", time.Time{})

	job, err := m.MarkFailed("H:1")
	assertNoError(t, err)
	if job.Status != StatusFailed {
		t.Errorf("status: got %s, want %s", job.Status, StatusFailed)
	}
	assertStats(t, m, 0, 0, 0, 1)
}

func TestDiscard(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityNormal)))
	assertNoError(t, m.Enqueue(newTestJob("H:2", queue.PriorityNormal)))
	m.PopPending([]string{testKey}, "w1", time.Time{})

	if !m.Discard("H:1") {
		t.Error("discard running job: got false")
	}
	if !m.Discard("H:2") {
		t.Error("discard queued job: got false")
	}
	if m.Discard("H:2") {
		t.Error("second discard: got true")
	}
	if job := m.PopPending([]string{testKey}, "w1", time.Time{}); job != nil {
		t.Errorf("discarded job grabbed: %s", job.Handle)
	}
	assertStats(t, m, 0, 0, 0, 0)
}

func TestUpdateProgress(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityHigh)))

	_, err := m.UpdateProgress("H:1", 1, 2)
	assertError(t, err, ErrNotRunning)

	m.PopPending([]string{testKey}, "w1", time.Time{})
	job, err := m.UpdateProgress("H:1", 1, 2)
	assertNoError(t, err)
	if job.Numerator != 1 || job.Denominator != 2 {
		t.Errorf("progress: got %d/%d, want 1/2", job.Numerator, job.Denominator)
	}
}

func TestGetExpiredJobs(t *testing.T) {
	m := NewManager()
	assertNoError(t, m.Enqueue(newTestJob("H:1", queue.PriorityHigh)))
	assertNoError(t, m.Enqueue(newTestJob("H:2", queue.PriorityHigh)))
	assertNoError(t, m.Enqueue(newTestJob("H:3", queue.PriorityHigh)))

	now := time.Now()
	m.PopPending([]string{testKey}, "w1", now.Add(-time.Second)) // already expired
	m.PopPending([]string{testKey}, "w1", now.Add(time.Hour))
	m.PopPending([]string{testKey}, "w2", time.Time{}) // no deadline

	expired := m.GetExpiredJobs(now)
	if len(expired) != 1 || expired[0] != "H:1" {
		t.Errorf("expired: got %v, want [H:1]", expired)
	}
}

func TestRunningBy(t *testing.T) {
	m := NewManager()
	for i := 1; i <= 3; i++ {
		assertNoError(t, m.Enqueue(newTestJob(fmt.Sprintf("H:%d", i), queue.PriorityHigh)))
	}
	m.PopPending([]string{testKey}, "w1", time.Time{})
	m.PopPending([]string{testKey}, "w2", time.Time{})
	m.PopPending([]string{testKey}, "w1", time.Time{})

	got := m.RunningBy("w1")
	if len(got) != 2 || got[0] != "H:1" || got[1] != "H:3" {
		t.Errorf("RunningBy(w1): got %v, want [H:1 H:3]", got)
	}
	if got := m.RunningBy("w3"); len(got) != 0 {
		t.Errorf("RunningBy(w3): got %v, want none", got)
	}
}

// ============================================================================
// Snapshot Tests
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	m := NewManager()
	for i := 1; i <= 3; i++ {
		job := newTestJob(fmt.Sprintf("H:%d", i), queue.PriorityHigh)
		job.CreatedAt = int64(i)
		assertNoError(t, m.Enqueue(job))
	}
	m.PopPending([]string{testKey}, "w1", time.Now().Add(time.Minute)) // H:1 running
	m.PopPending([]string{testKey}, "w1", time.Time{})                 // H:2 running
	_, err := m.MarkCompleted("H:2")
	assertNoError(t, err)

	data := m.Snapshot()
	if data.SchemaVer != 1 {
		t.Errorf("schema version: got %d, want 1", data.SchemaVer)
	}
	if len(data.Jobs) != 2 {
		t.Fatalf("snapshot jobs: got %d, want 2", len(data.Jobs))
	}
	if data.Jobs[0].Handle != "H:1" || data.Jobs[0].Status != StatusQueued || data.Jobs[0].Deadline != nil {
		t.Errorf("running job should be exported as queued: %+v", data.Jobs[0])
	}

	restored := NewManager()
	restored.Restore(data)
	assertStats(t, restored, 2, 0, 0, 0)

	first := restored.PopPending([]string{testKey}, "w9", time.Time{})
	if first == nil || first.Handle != "H:1" {
		t.Fatalf("restored FIFO order broken, got %v", first)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentPop(t *testing.T) {
	m := NewManager()
	const jobCount = 200
	for i := 0; i < jobCount; i++ {
		assertNoError(t, m.Enqueue(newTestJob(fmt.Sprintf("H:%d", i), queue.PriorityNormal)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job := m.PopPending([]string{testKey}, fmt.Sprintf("w%d", worker), time.Time{})
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.Handle]++
				mu.Unlock()
				if _, err := m.MarkCompleted(job.Handle); err != nil {
					t.Errorf("complete %s: %v", job.Handle, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != jobCount {
		t.Errorf("distinct jobs grabbed: got %d, want %d", len(seen), jobCount)
	}
	for handle, n := range seen {
		if n != 1 {
			t.Errorf("job %s grabbed %d times", handle, n)
		}
	}
	assertStats(t, m, 0, 0, jobCount, 0)
}
