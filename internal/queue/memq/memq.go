// Package memq connects dispatchers and workers to a broker running in the
// same process. It backs `vitesse serve` internals, local runs and tests.
package memq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/jobmanager"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// DefaultPollTimeout bounds one Grab call.
const DefaultPollTimeout = time.Second

// ============================================================================
// Client
// ============================================================================

// Client is a queue.Client over an in-process broker.
type Client struct {
	broker  *broker.Broker
	id      string
	tracker *queue.Tracker
}

var _ queue.Client = (*Client)(nil)

// NewClient creates a client with a fresh client ID.
func NewClient(b *broker.Broker) *Client {
	return &Client{broker: b, id: "client-" + uuid.NewString(), tracker: queue.NewTracker()}
}

// ID returns the client ID the broker routes events to.
func (c *Client) ID() string { return c.id }

func (c *Client) Ping(context.Context) error { return c.broker.Ping() }

func (c *Client) SetEventHandler(h queue.EventHandler) { c.tracker.SetHandler(h) }

func (c *Client) AddTask(function, label string, workload []byte, priority queue.Priority) (*queue.Task, error) {
	t := queue.NewTask(function, label, uuid.NewString(), workload, priority)
	c.tracker.Add(t)
	return t, nil
}

func (c *Client) RunTasks(ctx context.Context) error {
	defer c.tracker.Reset()
	return queue.RunLoop(ctx, c.tracker, transport{c})
}

func (c *Client) JobStatus(_ context.Context, handle string) (types.JobStatus, error) {
	return c.broker.Status(handle), nil
}

func (c *Client) LastError() (int, string) { return c.tracker.LastError() }

func (c *Client) Close() error {
	c.broker.ReleaseClient(c.id)
	return nil
}

type transport struct{ c *Client }

func (tp transport) Submit(_ context.Context, t *queue.Task) (string, error) {
	return tp.c.broker.Submit(tp.c.id, t.Function(), t.Context(), t.Unique(), t.Priority(), t.Workload())
}

func (tp transport) NextEvent(ctx context.Context) (queue.Event, error) {
	return tp.c.broker.NextEvent(ctx, tp.c.id)
}

// ============================================================================
// Worker
// ============================================================================

// Worker is a queue.WorkerConn over an in-process broker.
type Worker struct {
	broker *broker.Broker
	id     string
	wait   time.Duration
}

var _ queue.WorkerConn = (*Worker)(nil)

// NewWorker creates a worker connection. pollTimeout bounds each Grab; zero
// means DefaultPollTimeout.
func NewWorker(b *broker.Broker, pollTimeout time.Duration) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Worker{broker: b, id: "worker-" + uuid.NewString(), wait: pollTimeout}
}

// ID returns the worker ID.
func (w *Worker) ID() string { return w.id }

func (w *Worker) Register(_ context.Context, function, label string) error {
	return w.broker.RegisterWorker(w.id, function, label)
}

func (w *Worker) Grab(ctx context.Context) (queue.Job, queue.ReturnCode, error) {
	j, err := w.broker.Grab(ctx, w.id, w.wait)
	switch {
	case err == nil && j == nil:
		return nil, queue.ReturnNoJobs, nil
	case err == nil:
		return &job{broker: w.broker, job: *j}, queue.ReturnSuccess, nil
	case errors.Is(err, broker.ErrClosed):
		return nil, queue.ReturnNoActiveFDs, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, queue.ReturnShutdown, err
	default:
		return nil, queue.ReturnError, err
	}
}

// Close unregisters the worker; jobs it still holds fail as lost.
func (w *Worker) Close() error {
	w.broker.WorkerGone(w.id)
	return nil
}

type job struct {
	broker *broker.Broker
	job    jobmanager.Job
}

func (j *job) Handle() string   { return j.job.Handle }
func (j *job) Unique() string   { return j.job.Unique }
func (j *job) Function() string { return j.job.Function }
func (j *job) Workload() []byte { return j.job.Workload }

func (j *job) SendStatus(_ context.Context, numerator, denominator int) error {
	return j.broker.WorkStatus(j.job.Handle, numerator, denominator)
}

func (j *job) SendData(_ context.Context, data []byte) error {
	return j.broker.WorkData(j.job.Handle, data)
}

func (j *job) SendComplete(_ context.Context, data []byte) error {
	return j.broker.WorkComplete(j.job.Handle, data)
}

func (j *job) SendFail(context.Context) error {
	return j.broker.WorkFail(j.job.Handle)
}

func (j *job) SendException(_ context.Context, code int, message string) error {
	return j.broker.WorkException(j.job.Handle, code, message)
}
