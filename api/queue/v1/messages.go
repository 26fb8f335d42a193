// Package queuev1 is the wire contract of the Vitesse queue service.
//
// Messages travel as JSON through the codec registered in codec.go, so the
// service needs no generated code. Field names follow the snake_case style
// of proto3 JSON.
package queuev1

// Event types carried by Event.Type and WorkEventRequest.Type.
const (
	EventData      = "data"
	EventStatus    = "status"
	EventComplete  = "complete"
	EventFail      = "fail"
	EventException = "exception"
)

type Empty struct{}

// ----------------------------------------------------------------------------
// Client side
// ----------------------------------------------------------------------------

type SubmitJobRequest struct {
	ClientId string `json:"client_id"`
	Function string `json:"function"`
	Context  string `json:"context"`
	Unique   string `json:"unique"`
	Priority int32  `json:"priority"`
	Workload []byte `json:"workload,omitempty"`
}

type SubmitJobResponse struct {
	Handle string `json:"handle"`
}

// SubscribeRequest opens the event stream of one client.
type SubscribeRequest struct {
	ClientId string `json:"client_id"`
}

type ReleaseClientRequest struct {
	ClientId string `json:"client_id"`
}

// Event is one job event delivered to the client that submitted the job.
type Event struct {
	Type        string `json:"type"`
	Handle      string `json:"handle"`
	Unique      string `json:"unique"`
	Data        []byte `json:"data,omitempty"`
	Numerator   int32  `json:"numerator,omitempty"`
	Denominator int32  `json:"denominator,omitempty"`
	Code        int32  `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type GetStatusRequest struct {
	Handle string `json:"handle"`
}

type JobStatus struct {
	Handle      string `json:"handle"`
	Known       bool   `json:"known"`
	Running     bool   `json:"running"`
	Numerator   int32  `json:"numerator"`
	Denominator int32  `json:"denominator"`
}

type StatsResponse struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ----------------------------------------------------------------------------
// Worker side
// ----------------------------------------------------------------------------

type RegisterWorkerRequest struct {
	WorkerId string `json:"worker_id"`
	Function string `json:"function"`
	Context  string `json:"context"`
}

type GrabJobRequest struct {
	WorkerId string `json:"worker_id"`
	WaitMs   int64  `json:"wait_ms"`
}

// GrabJobResponse carries no job when the wait elapsed without work.
type GrabJobResponse struct {
	Job *Job `json:"job,omitempty"`
}

type Job struct {
	Handle   string `json:"handle"`
	Unique   string `json:"unique"`
	Function string `json:"function"`
	Workload []byte `json:"workload,omitempty"`
}

// WorkEventRequest reports progress or an outcome for a grabbed job.
type WorkEventRequest struct {
	WorkerId    string `json:"worker_id"`
	Handle      string `json:"handle"`
	Type        string `json:"type"`
	Data        []byte `json:"data,omitempty"`
	Numerator   int32  `json:"numerator,omitempty"`
	Denominator int32  `json:"denominator,omitempty"`
	Code        int32  `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type WorkerGoneRequest struct {
	WorkerId string `json:"worker_id"`
}
