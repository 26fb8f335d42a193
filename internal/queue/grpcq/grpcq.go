// ============================================================================
// Vitesse gRPC Queue Transport
// ============================================================================
//
// Package: internal/queue/grpcq
// File: grpcq.go
// Purpose: queue.Client and queue.WorkerConn talking to a `vitesse serve`
//          job server over gRPC.
//
// Client run:
//   1. open the Events stream for this client ID
//   2. SubmitJob every queued task (handles bound as they come back)
//   3. read the stream until no task is left open, then cancel it
//
// Worker Grab return codes:
//   job                       → ReturnSuccess
//   empty wait                → ReturnNoJobs
//   Unavailable / unknown     → ReturnNoActiveFDs (the loop re-registers)
//   worker after a restart
//   local cancel              → ReturnShutdown
//   anything else             → ReturnError
//
// ============================================================================

package grpcq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	queuev1 "github.com/ChuLiYu/vitesse/api/queue/v1"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

const (
	// DefaultPollTimeout bounds one GrabJob long poll.
	DefaultPollTimeout = 5 * time.Second
	closeTimeout       = 2 * time.Second
)

// Dial creates a client connection to a queue server. The connection is
// lazy: nothing is dialed until the first call.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial queue server %s: %w", addr, err)
	}
	return cc, nil
}

// ============================================================================
// Client
// ============================================================================

// Client is a queue.Client over the gRPC queue service.
type Client struct {
	rpc     queuev1.QueueServiceClient
	id      string
	tracker *queue.Tracker
}

var _ queue.Client = (*Client)(nil)

// NewClient creates a client with a fresh client ID.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{
		rpc:     queuev1.NewQueueServiceClient(cc),
		id:      "client-" + uuid.NewString(),
		tracker: queue.NewTracker(),
	}
}

// ID returns the client ID the server routes events to.
func (c *Client) ID() string { return c.id }

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.rpc.Ping(ctx, &queuev1.Empty{}); err != nil {
		return fmt.Errorf("ping queue server: %w", err)
	}
	return nil
}

func (c *Client) SetEventHandler(h queue.EventHandler) { c.tracker.SetHandler(h) }

func (c *Client) AddTask(function, label string, workload []byte, priority queue.Priority) (*queue.Task, error) {
	t := queue.NewTask(function, label, uuid.NewString(), workload, priority)
	c.tracker.Add(t)
	return t, nil
}

func (c *Client) RunTasks(ctx context.Context) error {
	defer c.tracker.Reset()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.rpc.Events(streamCtx, &queuev1.SubscribeRequest{ClientId: c.id})
	if err != nil {
		c.tracker.SetLastError(errnoOf(ctx, err), err.Error())
		return fmt.Errorf("open event stream: %w", err)
	}
	return queue.RunLoop(ctx, c.tracker, &transport{c: c, stream: stream})
}

func (c *Client) JobStatus(ctx context.Context, handle string) (types.JobStatus, error) {
	st, err := c.rpc.GetStatus(ctx, &queuev1.GetStatusRequest{Handle: handle})
	if err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{
		Handle:      st.Handle,
		Known:       st.Known,
		Running:     st.Running,
		Numerator:   int(st.Numerator),
		Denominator: int(st.Denominator),
	}, nil
}

// Stats asks the server for its job counters.
func (c *Client) Stats(ctx context.Context) (*queuev1.StatsResponse, error) {
	return c.rpc.Stats(ctx, &queuev1.Empty{})
}

func (c *Client) LastError() (int, string) { return c.tracker.LastError() }

// Close tells the server to drop undelivered events of this client. The
// connection itself belongs to the caller.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, err := c.rpc.ReleaseClient(ctx, &queuev1.ReleaseClientRequest{ClientId: c.id})
	return err
}

type transport struct {
	c      *Client
	stream grpc.ServerStreamingClient[queuev1.Event]
}

func (tp *transport) Submit(ctx context.Context, t *queue.Task) (string, error) {
	resp, err := tp.c.rpc.SubmitJob(ctx, &queuev1.SubmitJobRequest{
		ClientId: tp.c.id,
		Function: t.Function(),
		Context:  t.Context(),
		Unique:   t.Unique(),
		Priority: int32(t.Priority()),
		Workload: t.Workload(),
	})
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

func (tp *transport) NextEvent(ctx context.Context) (queue.Event, error) {
	ev, err := tp.stream.Recv()
	if err != nil {
		// 讓 RunLoop 以 context 錯誤判定逾時
		if ctx.Err() != nil {
			return queue.Event{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			err = errors.New("event stream closed by server")
		}
		return queue.Event{}, err
	}
	return queue.Event{
		Type:        queue.EventType(ev.Type),
		Handle:      ev.Handle,
		Unique:      ev.Unique,
		Data:        ev.Data,
		Numerator:   int(ev.Numerator),
		Denominator: int(ev.Denominator),
		Code:        int(ev.Code),
		Message:     ev.Message,
	}, nil
}

func errnoOf(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return queue.ErrnoTimeout
	}
	if status.Code(err) == codes.Unavailable {
		return queue.ErrnoNoServers
	}
	return queue.ErrnoLostConnection
}

// ============================================================================
// Worker
// ============================================================================

// Worker is a queue.WorkerConn over the gRPC queue service.
type Worker struct {
	rpc  queuev1.QueueServiceClient
	id   string
	wait time.Duration
}

var _ queue.WorkerConn = (*Worker)(nil)

// NewWorker creates a worker connection. pollTimeout bounds each GrabJob
// long poll; zero means DefaultPollTimeout.
func NewWorker(cc grpc.ClientConnInterface, pollTimeout time.Duration) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Worker{
		rpc:  queuev1.NewQueueServiceClient(cc),
		id:   "worker-" + uuid.NewString(),
		wait: pollTimeout,
	}
}

// ID returns the worker ID.
func (w *Worker) ID() string { return w.id }

func (w *Worker) Register(ctx context.Context, function, label string) error {
	_, err := w.rpc.RegisterWorker(ctx, &queuev1.RegisterWorkerRequest{
		WorkerId: w.id,
		Function: function,
		Context:  label,
	})
	return err
}

func (w *Worker) Grab(ctx context.Context) (queue.Job, queue.ReturnCode, error) {
	resp, err := w.rpc.GrabJob(ctx, &queuev1.GrabJobRequest{WorkerId: w.id, WaitMs: w.wait.Milliseconds()})
	if err != nil {
		if ctx.Err() != nil {
			return nil, queue.ReturnShutdown, ctx.Err()
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.FailedPrecondition:
			return nil, queue.ReturnNoActiveFDs, err
		case codes.DeadlineExceeded:
			return nil, queue.ReturnIOWait, err
		default:
			return nil, queue.ReturnError, err
		}
	}
	if resp.Job == nil {
		return nil, queue.ReturnNoJobs, nil
	}
	return &job{w: w, job: resp.Job}, queue.ReturnSuccess, nil
}

// Close unregisters the worker; jobs it still holds fail as lost.
func (w *Worker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, err := w.rpc.WorkerGone(ctx, &queuev1.WorkerGoneRequest{WorkerId: w.id})
	return err
}

type job struct {
	w   *Worker
	job *queuev1.Job
}

func (j *job) Handle() string   { return j.job.Handle }
func (j *job) Unique() string   { return j.job.Unique }
func (j *job) Function() string { return j.job.Function }
func (j *job) Workload() []byte { return j.job.Workload }

func (j *job) send(ctx context.Context, ev *queuev1.WorkEventRequest) error {
	ev.WorkerId = j.w.id
	ev.Handle = j.job.Handle
	_, err := j.w.rpc.WorkEvent(ctx, ev)
	return err
}

func (j *job) SendStatus(ctx context.Context, numerator, denominator int) error {
	return j.send(ctx, &queuev1.WorkEventRequest{
		Type:        queuev1.EventStatus,
		Numerator:   int32(numerator),
		Denominator: int32(denominator),
	})
}

func (j *job) SendData(ctx context.Context, data []byte) error {
	return j.send(ctx, &queuev1.WorkEventRequest{Type: queuev1.EventData, Data: data})
}

func (j *job) SendComplete(ctx context.Context, data []byte) error {
	return j.send(ctx, &queuev1.WorkEventRequest{Type: queuev1.EventComplete, Data: data})
}

func (j *job) SendFail(ctx context.Context) error {
	return j.send(ctx, &queuev1.WorkEventRequest{Type: queuev1.EventFail})
}

func (j *job) SendException(ctx context.Context, code int, message string) error {
	return j.send(ctx, &queuev1.WorkEventRequest{
		Type:    queuev1.EventException,
		Code:    int32(code),
		Message: message,
	})
}
