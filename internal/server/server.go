package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	queuev1 "github.com/ChuLiYu/vitesse/api/queue/v1"
	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/queue"
)

// MaxGrabWait caps the long-poll window a worker may ask for.
const MaxGrabWait = 30 * time.Second

// Server implements the gRPC queue service on top of a broker.
type Server struct {
	queuev1.UnimplementedQueueServiceServer

	broker *broker.Broker
	log    *zap.Logger
}

var _ queuev1.QueueServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(b *broker.Broker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{broker: b, log: logger.With(zap.String("component", "queue-server"))}
}

// NewGRPCServer builds a grpc.Server with tracing and srv registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	gs := grpc.NewServer(opts...)
	queuev1.RegisterQueueServiceServer(gs, srv)
	return gs
}

// Serve runs gs on lis until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// 串流 RPC（Events）不會自行結束，逾時後強制關閉
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
		return nil
	}
}

// ============================================================================
// Client RPCs
// ============================================================================

// Ping reports whether the broker still accepts work.
func (s *Server) Ping(context.Context, *queuev1.Empty) (*queuev1.Empty, error) {
	if err := s.broker.Ping(); err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.Empty{}, nil
}

// SubmitJob handles job submission from clients.
func (s *Server) SubmitJob(_ context.Context, req *queuev1.SubmitJobRequest) (*queuev1.SubmitJobResponse, error) {
	if req.ClientId == "" || req.Function == "" {
		return nil, status.Error(codes.InvalidArgument, "client_id and function are required")
	}
	handle, err := s.broker.Submit(req.ClientId, req.Function, req.Context, req.Unique, queue.Priority(req.Priority), req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.SubmitJobResponse{Handle: handle}, nil
}

// Events streams a client's events until the client goes away.
func (s *Server) Events(req *queuev1.SubscribeRequest, stream grpc.ServerStreamingServer[queuev1.Event]) error {
	if req.ClientId == "" {
		return status.Error(codes.InvalidArgument, "client_id is required")
	}
	ctx := stream.Context()
	s.log.Debug("client subscribed", zap.String("client", req.ClientId))
	for {
		ev, err := s.broker.NextEvent(ctx, req.ClientId)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.Send(eventToWire(ev)); err != nil {
			return err
		}
	}
}

func (s *Server) ReleaseClient(_ context.Context, req *queuev1.ReleaseClientRequest) (*queuev1.Empty, error) {
	s.broker.ReleaseClient(req.ClientId)
	return &queuev1.Empty{}, nil
}

func (s *Server) GetStatus(_ context.Context, req *queuev1.GetStatusRequest) (*queuev1.JobStatus, error) {
	st := s.broker.Status(req.Handle)
	return &queuev1.JobStatus{
		Handle:      st.Handle,
		Known:       st.Known,
		Running:     st.Running,
		Numerator:   int32(st.Numerator),
		Denominator: int32(st.Denominator),
	}, nil
}

func (s *Server) Stats(context.Context, *queuev1.Empty) (*queuev1.StatsResponse, error) {
	st := s.broker.Stats()
	return &queuev1.StatsResponse{
		Queued:    int64(st["queued"]),
		Running:   int64(st["running"]),
		Completed: int64(st["completed"]),
		Failed:    int64(st["failed"]),
	}, nil
}

// ============================================================================
// Worker RPCs
// ============================================================================

// RegisterWorker registers a worker for one (function, context) pair.
func (s *Server) RegisterWorker(_ context.Context, req *queuev1.RegisterWorkerRequest) (*queuev1.Empty, error) {
	if req.WorkerId == "" || req.Function == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id and function are required")
	}
	if err := s.broker.RegisterWorker(req.WorkerId, req.Function, req.Context); err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.Empty{}, nil
}

// GrabJob long-polls for the next job of a worker.
func (s *Server) GrabJob(ctx context.Context, req *queuev1.GrabJobRequest) (*queuev1.GrabJobResponse, error) {
	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait <= 0 || wait > MaxGrabWait {
		wait = MaxGrabWait
	}
	job, err := s.broker.Grab(ctx, req.WorkerId, wait)
	if err != nil {
		return nil, toStatus(err)
	}
	if job == nil {
		return &queuev1.GrabJobResponse{}, nil
	}
	return &queuev1.GrabJobResponse{Job: &queuev1.Job{
		Handle:   job.Handle,
		Unique:   job.Unique,
		Function: job.Function,
		Workload: job.Workload,
	}}, nil
}

// WorkEvent reports progress or an outcome for a grabbed job.
func (s *Server) WorkEvent(_ context.Context, req *queuev1.WorkEventRequest) (*queuev1.Empty, error) {
	var err error
	switch req.Type {
	case queuev1.EventStatus:
		err = s.broker.WorkStatus(req.Handle, int(req.Numerator), int(req.Denominator))
	case queuev1.EventData:
		err = s.broker.WorkData(req.Handle, req.Data)
	case queuev1.EventComplete:
		err = s.broker.WorkComplete(req.Handle, req.Data)
	case queuev1.EventFail:
		err = s.broker.WorkFail(req.Handle)
	case queuev1.EventException:
		err = s.broker.WorkException(req.Handle, int(req.Code), req.Message)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown event type %q", req.Type)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.Empty{}, nil
}

// WorkerGone unregisters a worker; jobs it holds fail as lost.
func (s *Server) WorkerGone(_ context.Context, req *queuev1.WorkerGoneRequest) (*queuev1.Empty, error) {
	s.broker.WorkerGone(req.WorkerId)
	return &queuev1.Empty{}, nil
}

// Helpers

func eventToWire(ev queue.Event) *queuev1.Event {
	return &queuev1.Event{
		Type:        string(ev.Type),
		Handle:      ev.Handle,
		Unique:      ev.Unique,
		Data:        ev.Data,
		Numerator:   int32(ev.Numerator),
		Denominator: int32(ev.Denominator),
		Code:        int32(ev.Code),
		Message:     ev.Message,
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, broker.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, broker.ErrUnknownWorker):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, broker.ErrUnknownJob):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
