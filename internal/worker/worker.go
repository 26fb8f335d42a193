// ============================================================================
// Vitesse Worker - Job Execution Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One worker slot. Pulls request_async jobs from the queue,
//           executes the embedded request and reports the outcome back.
//
// How it works:
//   Each Worker runs in its own goroutine and loops on WorkerConn.Grab:
//
//   ┌──────────────────────────────────────────────┐
//   │  Worker Goroutine                            │
//   │  ┌────────────────────────────────────────┐  │
//   │  │ register (retry on reconnect backoff)  │  │
//   │  │ for {                                  │  │
//   │  │   job, rc := conn.Grab(ctx)            │  │
//   │  │   ├─ success        → process(job)     │  │
//   │  │   ├─ io_wait/no_jobs → idle backoff    │  │
//   │  │   ├─ no_active_fds  → reconnect backoff│  │
//   │  │   └─ anything else  → stop             │  │
//   │  │ }                                      │  │
//   │  └────────────────────────────────────────┘  │
//   └──────────────────────────────────────────────┘
//
// Per-job state machine:
//   Received → Executing → Succeeded (status 2/2, data, complete)
//                        └→ Failed   (exception reported)
//   Nothing is sent for a job after it reached Succeeded or Failed.
//
// Error Handling:
//   - Undecodable workload: exception with CodeSerialization
//   - Executor error or panic: exception with the executor's code/message
//   - The loop itself never dies because of a job
//
// Timeout Control:
//   Each execution gets its own context.WithTimeout(RequestTimeout) so one
//   slow target cannot pin the slot forever.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/executor"
	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// HeaderRequestURI is stamped on every response a worker sends back.
const HeaderRequestURI = "X-Request-Uri"

const (
	DefaultIdleBackoff      = 100 * time.Millisecond
	DefaultReconnectBackoff = 2 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// ErrUnexpectedReturn is returned by Run when Grab reports a code the loop
// does not know how to recover from.
var ErrUnexpectedReturn = errors.New("worker: unexpected return code")

// Job results recorded in metrics.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultRejected  = "rejected"
)

// Options configures a Worker. Zero values fall back to the defaults above
// and to the shared queue function/context.
type Options struct {
	Function         string
	Context          string
	Codec            codec.Codec
	IdleBackoff      time.Duration
	ReconnectBackoff time.Duration
	RequestTimeout   time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Function == "" {
		o.Function = queue.FunctionRequestAsync
	}
	if o.Context == "" {
		o.Context = queue.DefaultContext
	}
	if o.Codec == nil {
		o.Codec = codec.JSON()
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = DefaultIdleBackoff
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Worker represents one work execution slot.
type Worker struct {
	id     int // slot number, used for logging
	conn   queue.WorkerConn
	exec   executor.Executor
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a worker bound to one queue connection.
func New(id int, conn queue.WorkerConn, exec executor.Executor, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		id:     id,
		conn:   conn,
		exec:   exec,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "worker"), zap.Int("slot", id)),
		tracer: otel.Tracer("vitesse/worker"),
	}
}

// Run registers the worker and serves jobs until ctx is done, the
// connection shuts down, or Grab returns a code the loop cannot handle.
// A server that is not reachable yet is waited for, never fatal.
// A cancelled ctx is a graceful stop and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	if !w.register(ctx) {
		w.logger.Info("worker stopping before registration")
		return nil
	}

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		job, rc, err := w.conn.Grab(ctx)
		switch rc {
		case queue.ReturnSuccess:
			w.Process(ctx, job)

		case queue.ReturnIOWait, queue.ReturnNoJobs:
			w.opts.Metrics.RecordIdleWait(rc.String())
			sleep(ctx, w.opts.IdleBackoff)

		case queue.ReturnNoActiveFDs:
			w.opts.Metrics.RecordIdleWait(rc.String())
			w.logger.Warn("no active connection, backing off",
				zap.Duration("backoff", w.opts.ReconnectBackoff), zap.Error(err))
			if !sleep(ctx, w.opts.ReconnectBackoff) {
				continue
			}
			// 伺服器可能已重新啟動，重新註冊
			if err := w.conn.Register(ctx, w.opts.Function, w.opts.Context); err != nil {
				w.logger.Debug("re-register failed", zap.Error(err))
			}

		case queue.ReturnShutdown:
			w.logger.Info("connection shut down, worker stopping")
			return nil

		default:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("worker stopping", zap.Stringer("return_code", rc), zap.Error(err))
			return fmt.Errorf("%w %s: %v", ErrUnexpectedReturn, rc, err)
		}
	}
}

// register retries Register on ReconnectBackoff until it succeeds; it
// reports false when ctx ended first.
func (w *Worker) register(ctx context.Context) bool {
	key := queue.Key(w.opts.Context, w.opts.Function)
	for attempt := 1; ; attempt++ {
		err := w.conn.Register(ctx, w.opts.Function, w.opts.Context)
		if err == nil {
			w.logger.Info("worker ready", zap.String("key", key), zap.Int("attempts", attempt))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		w.opts.Metrics.RecordIdleWait(queue.ReturnNoActiveFDs.String())
		w.logger.Warn("register failed, backing off",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", w.opts.ReconnectBackoff),
			zap.Error(err))
		if !sleep(ctx, w.opts.ReconnectBackoff) {
			return false
		}
	}
}

// Process runs one grabbed job to its terminal report. It never returns
// an error: every failure is reported to the queue as a job exception.
func (w *Worker) Process(ctx context.Context, job queue.Job) {
	start := time.Now()
	logger := w.logger.With(zap.String("handle", job.Handle()), zap.String("unique", job.Unique()))

	ctx, span := w.tracer.Start(ctx, "worker.ExecuteJob",
		trace.WithAttributes(
			attribute.String("job.handle", job.Handle()),
			attribute.String("job.unique", job.Unique()),
		))
	defer span.End()
	// 關閉中仍要把結果回報完
	sendCtx := context.WithoutCancel(ctx)

	var req types.Request
	if err := w.opts.Codec.Unmarshal(job.Workload(), &req); err != nil {
		logger.Warn("undecodable workload", zap.Error(err))
		w.report(logger, job.SendException(sendCtx, types.CodeSerialization, fmt.Sprintf("decode request: %v", err)))
		span.SetStatus(codes.Error, "decode request")
		w.opts.Metrics.RecordJob(resultRejected, time.Since(start))
		return
	}
	span.SetAttributes(attribute.String("request.method", req.Method), attribute.String("request.target", req.Target))

	w.report(logger, job.SendStatus(sendCtx, 1, 2))

	resp, err := w.execute(ctx, &req)
	if err != nil {
		code, msg := executor.CodeOf(err), executor.MessageOf(err)
		logger.Info("request failed", zap.Int("code", code), zap.String("message", msg))
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		w.report(logger, job.SendException(sendCtx, code, msg))
		w.opts.Metrics.RecordJob(resultFailed, time.Since(start))
		return
	}

	if resp == nil {
		resp = &types.Response{}
	}
	resp.Header(HeaderRequestURI, req.Target)

	data, err := w.opts.Codec.Marshal(resp)
	if err != nil {
		logger.Error("unable to encode response", zap.Error(err))
		span.SetStatus(codes.Error, "encode response")
		w.report(logger, job.SendException(sendCtx, types.CodeSerialization, fmt.Sprintf("encode response: %v", err)))
		w.opts.Metrics.RecordJob(resultFailed, time.Since(start))
		return
	}

	w.report(logger, job.SendStatus(sendCtx, 2, 2))
	w.report(logger, job.SendData(sendCtx, data))
	w.report(logger, job.SendComplete(sendCtx, nil))

	span.SetAttributes(attribute.Int("response.status", resp.Status))
	logger.Debug("request done", zap.Int("status", resp.Status), zap.Duration("took", time.Since(start)))
	w.opts.Metrics.RecordJob(resultSucceeded, time.Since(start))
}

// execute runs the request with its own timeout. A panicking executor is
// turned into a 500 so the slot survives.
func (w *Worker) execute(ctx context.Context, req *types.Request) (resp *types.Response, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &executor.ExecutionError{Code: 500, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return w.exec.Execute(ctx, req)
}

func (w *Worker) report(logger *zap.Logger, err error) {
	if err != nil {
		logger.Warn("unable to report to queue", zap.Error(err))
	}
}

// sleep waits d or until ctx is done; it reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
