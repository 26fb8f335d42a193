// ============================================================================
// Vitesse Queue Dispatch Driver
// ============================================================================
//
// Package: internal/dispatch
// File: queue_driver.go
// Purpose: Fan a pool of request descriptors out to remote workers through a
//          job queue and correlate every event back to its request.
//
// Flow of one Execute call:
//
//   1. Submission - every request is encoded and added as a high priority
//      request_async task under the configured context label. The task's
//      unique token is the request's CorrelationID; it starts Pending.
//   2. Run        - Client.RunTasks blocks while the client delivers events
//      to the EventHandler methods below, one at a time, in any order.
//   3. Return     - the pool comes back with a Response on every request
//      that succeeded and an ErrorRecord for every one that failed.
//
// Per-task state machine:
//
//   Pending ──complete──▶ Succeeded
//      └─────fail/exception──▶ Failed
//
//   The first terminal event wins. Later terminal events for the same ID
//   are ignored, and the ErrorRecord map is keyed by ID so it never holds
//   two records for one task. Data may arrive before or after completion
//   and is attached either way.
//
// Locking:
//   Callbacks run on the RunTasks goroutine but accessors such as Status
//   and Complete may be called from anywhere, so all tables sit behind mu.
//   execMu serializes Execute calls on the same driver.
//
// ============================================================================

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/async"
	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// Options configures a QueueDriver. Zero values fall back to the shared
// defaults every worker uses.
type Options struct {
	Context  string
	Function string
	Codec    codec.Codec
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// QueueDriver dispatches pools through a queue.Client.
type QueueDriver struct {
	client   queue.Client
	context  string
	function string
	codec    codec.Codec
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	execMu sync.Mutex

	mu       sync.RWMutex
	ids      []types.CorrelationID
	tasks    map[types.CorrelationID]*queue.Task
	requests map[types.CorrelationID]*types.Request
	states   map[types.CorrelationID]types.TaskState
	errors   map[types.CorrelationID]types.ErrorRecord
}

var (
	_ async.Driver       = (*QueueDriver)(nil)
	_ async.Results      = (*QueueDriver)(nil)
	_ queue.EventHandler = (*QueueDriver)(nil)
)

// NewQueueDriver verifies client can reach a server and installs the driver
// as its event handler. An unreachable queue is a ConfigurationError.
func NewQueueDriver(ctx context.Context, client queue.Client, opts Options) (*QueueDriver, error) {
	if client == nil {
		return nil, &types.ConfigurationError{Op: "dispatch.new", Reason: "queue client is required"}
	}
	if err := client.Ping(ctx); err != nil {
		return nil, &types.ConfigurationError{Op: "dispatch.new", Reason: "unable to attach to a queue server", Err: err}
	}

	if opts.Context == "" {
		opts.Context = queue.DefaultContext
	}
	if opts.Function == "" {
		opts.Function = queue.FunctionRequestAsync
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	d := &QueueDriver{
		client:   client,
		context:  opts.Context,
		function: opts.Function,
		codec:    opts.Codec,
		logger:   opts.Logger.With(zap.String("component", "queue-driver")),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("vitesse/dispatch"),
	}
	d.reset()
	client.SetEventHandler(d)
	return d, nil
}

func (d *QueueDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = nil
	d.tasks = make(map[types.CorrelationID]*queue.Task)
	d.requests = make(map[types.CorrelationID]*types.Request)
	d.states = make(map[types.CorrelationID]types.TaskState)
	d.errors = make(map[types.CorrelationID]types.ErrorRecord)
}

// Execute submits one job per request of p and blocks until every job
// resolved. Per-task failures are recorded, never returned.
func (d *QueueDriver) Execute(ctx context.Context, p *async.Pool) (*async.Pool, error) {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.Execute", trace.WithAttributes(
		attribute.Int("batch.size", p.Count()),
		attribute.String("queue.context", d.context),
	))
	defer span.End()

	d.reset()
	for _, req := range p.All() {
		d.submit(req)
	}

	if err := d.client.RunTasks(ctx); err != nil {
		code, msg := d.client.LastError()
		d.logger.Warn("run tasks aborted", zap.Error(err), zap.Int("errno", code), zap.String("error", msg))
		if msg == "" {
			msg = err.Error()
		}
		for _, id := range d.pending() {
			d.settle(id, types.StateFailed, types.Transport(code, msg))
		}
	}

	failed := d.Errors()
	for id, rec := range failed {
		span.AddEvent("task.failed", trace.WithAttributes(
			attribute.String("task.id", string(id)),
			attribute.String("error.kind", string(rec.Kind)),
			attribute.Int("error.code", rec.Code),
		))
	}
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d tasks failed", len(failed), p.Count()))
	}

	d.metrics.ObserveBatch(time.Since(start))
	d.logger.Info("batch executed",
		zap.Int("tasks", p.Count()),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p, nil
}

// submit encodes req and adds it to the client. Requests that cannot even
// be queued are failed straight away under a locally minted ID.
func (d *QueueDriver) submit(req *types.Request) {
	payload := *req
	payload.Response = nil
	data, err := d.codec.Marshal(&payload)
	if err != nil {
		id := types.CorrelationID(uuid.NewString())
		d.track(id, nil, req)
		d.settle(id, types.StateFailed, types.Application(types.CodeSerialization, fmt.Sprintf("encode request: %v", err)))
		return
	}

	task, err := d.client.AddTask(d.function, d.context, data, queue.PriorityHigh)
	if err != nil {
		id := types.CorrelationID(uuid.NewString())
		d.track(id, nil, req)
		d.settle(id, types.StateFailed, types.Transport(queue.ErrnoServerError, fmt.Sprintf("add task: %v", err)))
		return
	}

	d.track(task.ID(), task, req)
	d.metrics.RecordSubmitted()
}

func (d *QueueDriver) track(id types.CorrelationID, task *queue.Task, req *types.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	d.requests[id] = req
	d.states[id] = types.StatePending
	if task != nil {
		d.tasks[id] = task
	}
}

func (d *QueueDriver) pending() []types.CorrelationID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.CorrelationID
	for _, id := range d.ids {
		if d.states[id] == types.StatePending {
			out = append(out, id)
		}
	}
	return out
}

// settle moves id from Pending to state. It reports false, changing
// nothing, when id is unknown or already terminal.
func (d *QueueDriver) settle(id types.CorrelationID, state types.TaskState, cause *types.TaskError) bool {
	d.mu.Lock()
	current, ok := d.states[id]
	if !ok || current.Terminal() {
		d.mu.Unlock()
		d.logger.Debug("ignoring terminal event", zap.String("id", string(id)), zap.String("state", string(current)))
		return false
	}
	d.states[id] = state
	if cause != nil {
		d.errors[id] = types.ErrorRecord{ID: id, Kind: cause.Kind, Code: cause.Code, Detail: cause.Message}
	}
	d.mu.Unlock()

	if state == types.StateSucceeded {
		d.metrics.RecordSucceeded()
		return true
	}
	kind := types.KindTransport
	if cause != nil {
		kind = cause.Kind
	}
	d.metrics.RecordFailed(string(kind))
	d.logger.Warn("task failed", zap.String("id", string(id)), zap.Any("error", cause))
	return true
}

// ============================================================================
// queue.EventHandler
// ============================================================================

// OnData decodes the worker's payload as a response and attaches it to the
// request submitted under the task's ID.
func (d *QueueDriver) OnData(t *queue.Task) {
	id := t.ID()

	var resp types.Response
	if err := d.codec.Unmarshal(t.Data(), &resp); err != nil {
		cause := types.Application(types.CodeSerialization, fmt.Sprintf("decode response: %v", err))
		if !d.settle(id, types.StateFailed, cause) {
			// already resolved; the recorded outcome stands
			d.logger.Warn("undecodable data for resolved task", zap.String("id", string(id)), zap.Error(err))
		}
		return
	}

	d.mu.Lock()
	if req, ok := d.requests[id]; ok {
		req.Response = &resp
	}
	d.mu.Unlock()
}

// OnComplete marks the task Succeeded.
func (d *QueueDriver) OnComplete(t *queue.Task) {
	d.settle(t.ID(), types.StateSucceeded, nil)
}

// OnFail marks the task Failed with the client's last transport error.
func (d *QueueDriver) OnFail(t *queue.Task) {
	code, msg := d.client.LastError()
	d.settle(t.ID(), types.StateFailed, types.Transport(code, msg))
}

// OnException marks the task Failed with err. A nil err is recorded as a
// transport error built from the client's last error.
func (d *QueueDriver) OnException(t *queue.Task, err *types.TaskError) {
	if err == nil {
		code, msg := d.client.LastError()
		err = types.Transport(code, msg)
	}
	d.settle(t.ID(), types.StateFailed, err)
}

// ============================================================================
// Accessors
// ============================================================================

// IDs returns the correlation IDs of the current batch in submission order.
func (d *QueueDriver) IDs() []types.CorrelationID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.CorrelationID(nil), d.ids...)
}

// Tasks returns the queue tasks of the current batch in submission order.
func (d *QueueDriver) Tasks() []*queue.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*queue.Task, 0, len(d.tasks))
	for _, id := range d.ids {
		if t, ok := d.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Task returns the queue task submitted under id.
func (d *QueueDriver) Task(id types.CorrelationID) (*queue.Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	return t, ok
}

// Request returns the request submitted under id.
func (d *QueueDriver) Request(id types.CorrelationID) (*types.Request, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	req, ok := d.requests[id]
	return req, ok
}

// State returns the task state recorded for id.
func (d *QueueDriver) State(id types.CorrelationID) (types.TaskState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.states[id]
	return s, ok
}

// Errors returns a copy of the error records.
func (d *QueueDriver) Errors() map[types.CorrelationID]types.ErrorRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[types.CorrelationID]types.ErrorRecord, len(d.errors))
	for k, v := range d.errors {
		out[k] = v
	}
	return out
}

// Complete reports the outcome of one task. resolved is false while the
// task is Pending or unknown; succeeded is only meaningful once resolved.
func (d *QueueDriver) Complete(id types.CorrelationID) (succeeded, resolved bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.states[id]
	if !ok || !s.Terminal() {
		return false, false
	}
	return s == types.StateSucceeded, true
}

// AllComplete reports whether every task is resolved, successfully or not.
func (d *QueueDriver) AllComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.states {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// Status asks the queue for the native status of the job behind id. Tasks
// that never reached the queue report an unknown status.
func (d *QueueDriver) Status(ctx context.Context, id types.CorrelationID) (types.JobStatus, error) {
	t, ok := d.Task(id)
	if !ok || t.Handle() == "" {
		return types.JobStatus{}, nil
	}
	return d.client.JobStatus(ctx, t.Handle())
}

// Statuses returns the native status of every task of the batch.
func (d *QueueDriver) Statuses(ctx context.Context) (map[types.CorrelationID]types.JobStatus, error) {
	out := make(map[types.CorrelationID]types.JobStatus)
	for _, id := range d.IDs() {
		st, err := d.Status(ctx, id)
		if err != nil {
			return out, fmt.Errorf("status of %s: %w", id, err)
		}
		out[id] = st
	}
	return out, nil
}

// Close closes the underlying queue client.
func (d *QueueDriver) Close() error {
	return d.client.Close()
}
