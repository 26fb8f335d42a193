package queuev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "vitesse.queue.v1.QueueService"

const (
	QueueService_Ping_FullMethodName           = "/" + ServiceName + "/Ping"
	QueueService_SubmitJob_FullMethodName      = "/" + ServiceName + "/SubmitJob"
	QueueService_Events_FullMethodName         = "/" + ServiceName + "/Events"
	QueueService_ReleaseClient_FullMethodName  = "/" + ServiceName + "/ReleaseClient"
	QueueService_GetStatus_FullMethodName      = "/" + ServiceName + "/GetStatus"
	QueueService_Stats_FullMethodName          = "/" + ServiceName + "/Stats"
	QueueService_RegisterWorker_FullMethodName = "/" + ServiceName + "/RegisterWorker"
	QueueService_GrabJob_FullMethodName        = "/" + ServiceName + "/GrabJob"
	QueueService_WorkEvent_FullMethodName      = "/" + ServiceName + "/WorkEvent"
	QueueService_WorkerGone_FullMethodName     = "/" + ServiceName + "/WorkerGone"
)

// ============================================================================
// Server
// ============================================================================

// QueueServiceServer is the server API of the queue service.
type QueueServiceServer interface {
	Ping(context.Context, *Empty) (*Empty, error)
	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error)
	// Events streams the events of one client until the call is cancelled.
	Events(*SubscribeRequest, grpc.ServerStreamingServer[Event]) error
	ReleaseClient(context.Context, *ReleaseClientRequest) (*Empty, error)
	GetStatus(context.Context, *GetStatusRequest) (*JobStatus, error)
	Stats(context.Context, *Empty) (*StatsResponse, error)
	RegisterWorker(context.Context, *RegisterWorkerRequest) (*Empty, error)
	// GrabJob long-polls for a job for at most WaitMs.
	GrabJob(context.Context, *GrabJobRequest) (*GrabJobResponse, error)
	WorkEvent(context.Context, *WorkEventRequest) (*Empty, error)
	WorkerGone(context.Context, *WorkerGoneRequest) (*Empty, error)
}

// UnimplementedQueueServiceServer can be embedded for forward compatibility.
type UnimplementedQueueServiceServer struct{}

func (UnimplementedQueueServiceServer) Ping(context.Context, *Empty) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedQueueServiceServer) SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitJob not implemented")
}
func (UnimplementedQueueServiceServer) Events(*SubscribeRequest, grpc.ServerStreamingServer[Event]) error {
	return status.Error(codes.Unimplemented, "method Events not implemented")
}
func (UnimplementedQueueServiceServer) ReleaseClient(context.Context, *ReleaseClientRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method ReleaseClient not implemented")
}
func (UnimplementedQueueServiceServer) GetStatus(context.Context, *GetStatusRequest) (*JobStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}
func (UnimplementedQueueServiceServer) Stats(context.Context, *Empty) (*StatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Stats not implemented")
}
func (UnimplementedQueueServiceServer) RegisterWorker(context.Context, *RegisterWorkerRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterWorker not implemented")
}
func (UnimplementedQueueServiceServer) GrabJob(context.Context, *GrabJobRequest) (*GrabJobResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GrabJob not implemented")
}
func (UnimplementedQueueServiceServer) WorkEvent(context.Context, *WorkEventRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method WorkEvent not implemented")
}
func (UnimplementedQueueServiceServer) WorkerGone(context.Context, *WorkerGoneRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method WorkerGone not implemented")
}

// RegisterQueueServiceServer attaches srv to s.
func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&QueueService_ServiceDesc, srv)
}

// unary builds the handler of one unary method.
func unary[Req any, Resp any](fullMethod string, call func(QueueServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QueueServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(QueueServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QueueServiceServer).Events(in, &grpc.GenericServerStream[SubscribeRequest, Event]{ServerStream: stream})
}

// QueueService_ServiceDesc describes the queue service for grpc.Server.
var QueueService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unary(QueueService_Ping_FullMethodName, QueueServiceServer.Ping)},
		{MethodName: "SubmitJob", Handler: unary(QueueService_SubmitJob_FullMethodName, QueueServiceServer.SubmitJob)},
		{MethodName: "ReleaseClient", Handler: unary(QueueService_ReleaseClient_FullMethodName, QueueServiceServer.ReleaseClient)},
		{MethodName: "GetStatus", Handler: unary(QueueService_GetStatus_FullMethodName, QueueServiceServer.GetStatus)},
		{MethodName: "Stats", Handler: unary(QueueService_Stats_FullMethodName, QueueServiceServer.Stats)},
		{MethodName: "RegisterWorker", Handler: unary(QueueService_RegisterWorker_FullMethodName, QueueServiceServer.RegisterWorker)},
		{MethodName: "GrabJob", Handler: unary(QueueService_GrabJob_FullMethodName, QueueServiceServer.GrabJob)},
		{MethodName: "WorkEvent", Handler: unary(QueueService_WorkEvent_FullMethodName, QueueServiceServer.WorkEvent)},
		{MethodName: "WorkerGone", Handler: unary(QueueService_WorkerGone_FullMethodName, QueueServiceServer.WorkerGone)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "vitesse/queue/v1",
}

// ============================================================================
// Client
// ============================================================================

// QueueServiceClient is the client API of the queue service.
type QueueServiceClient interface {
	Ping(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error)
	SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobResponse, error)
	Events(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error)
	ReleaseClient(ctx context.Context, in *ReleaseClientRequest, opts ...grpc.CallOption) (*Empty, error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*JobStatus, error)
	Stats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatsResponse, error)
	RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*Empty, error)
	GrabJob(ctx context.Context, in *GrabJobRequest, opts ...grpc.CallOption) (*GrabJobResponse, error)
	WorkEvent(ctx context.Context, in *WorkEventRequest, opts ...grpc.CallOption) (*Empty, error)
	WorkerGone(ctx context.Context, in *WorkerGoneRequest, opts ...grpc.CallOption) (*Empty, error)
}

type queueServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewQueueServiceClient wraps cc. Every call is sent with the JSON codec.
func NewQueueServiceClient(cc grpc.ClientConnInterface) QueueServiceClient {
	return &queueServiceClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queueServiceClient) Ping(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, QueueService_Ping_FullMethodName, in, opts)
}

func (c *queueServiceClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobResponse, error) {
	return invoke[SubmitJobResponse](ctx, c.cc, QueueService_SubmitJob_FullMethodName, in, opts)
}

func (c *queueServiceClient) Events(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error) {
	stream, err := c.cc.NewStream(ctx, &QueueService_ServiceDesc.Streams[0], QueueService_Events_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SubscribeRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *queueServiceClient) ReleaseClient(ctx context.Context, in *ReleaseClientRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, QueueService_ReleaseClient_FullMethodName, in, opts)
}

func (c *queueServiceClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*JobStatus, error) {
	return invoke[JobStatus](ctx, c.cc, QueueService_GetStatus_FullMethodName, in, opts)
}

func (c *queueServiceClient) Stats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c.cc, QueueService_Stats_FullMethodName, in, opts)
}

func (c *queueServiceClient) RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, QueueService_RegisterWorker_FullMethodName, in, opts)
}

func (c *queueServiceClient) GrabJob(ctx context.Context, in *GrabJobRequest, opts ...grpc.CallOption) (*GrabJobResponse, error) {
	return invoke[GrabJobResponse](ctx, c.cc, QueueService_GrabJob_FullMethodName, in, opts)
}

func (c *queueServiceClient) WorkEvent(ctx context.Context, in *WorkEventRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, QueueService_WorkEvent_FullMethodName, in, opts)
}

func (c *queueServiceClient) WorkerGone(ctx context.Context, in *WorkerGoneRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, QueueService_WorkerGone_FullMethodName, in, opts)
}
