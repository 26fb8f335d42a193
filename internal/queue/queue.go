// ============================================================================
// Vitesse Queue Contract
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Transport-neutral contract between the dispatcher, the job server
//          and the workers.
//
// Roles:
//   ┌────────────┐  AddTask/RunTasks   ┌──────────────┐  Grab/Send*   ┌────────┐
//   │ Dispatcher │ ──────────────────▶ │  Job server  │ ◀──────────── │ Worker │
//   │  (Client)  │ ◀────── events ──── │              │               │        │
//   └────────────┘                     └──────────────┘               └────────┘
//
//   Client      - submits tasks and drives the blocking run loop. Events for
//                 the client's tasks are handed to an EventHandler on the
//                 goroutine that called RunTasks.
//   WorkerConn  - registers for (function, context) and grabs jobs.
//   Job         - one grabbed unit of work; the worker reports progress,
//                 data, completion, failure or an exception through it.
//
// Implementations: memq (in-process), grpcq (gRPC job server), redisq (Redis).
//
// ============================================================================

package queue

import (
	"context"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

const (
	// FunctionRequestAsync is the job type every request descriptor is
	// submitted under.
	FunctionRequestAsync = "request_async"
	// DefaultContext is the application context label shared by
	// dispatchers and workers. Jobs are only picked up by workers
	// registered under the exact same label.
	DefaultContext = "Vitesse.Request"
)

// Priority of a submitted job.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Transport error numbers reported through Client.LastError.
const (
	ErrnoSuccess        = 0
	ErrnoLostConnection = 1 // the worker holding the job went away
	ErrnoTimeout        = 2 // the job or the run loop ran out of time
	ErrnoJobLost        = 3 // the server no longer knows about the job
	ErrnoServerError    = 4 // the server rejected or failed a request
	ErrnoNoServers      = 5 // no server could be reached
)

// Key joins a context label and a function name into the routing key used
// by job servers.
func Key(context, function string) string {
	return context + "/" + function
}

// ============================================================================
// Client side
// ============================================================================

// EventHandler receives task events while Client.RunTasks is blocked. All
// calls happen on the goroutine running RunTasks, one at a time.
type EventHandler interface {
	// OnData is called when the worker sent data for the task.
	OnData(t *Task)
	// OnComplete is called when the job finished successfully.
	OnComplete(t *Task)
	// OnFail is called on a queue-native failure. The cause is available
	// through Client.LastError.
	OnFail(t *Task)
	// OnException is called with an explicit error, never nil.
	OnException(t *Task, err *types.TaskError)
}

// Client submits tasks to a job server and waits for them.
type Client interface {
	// Ping verifies at least one server is reachable.
	Ping(ctx context.Context) error
	// SetEventHandler installs the callbacks used by RunTasks.
	SetEventHandler(h EventHandler)
	// AddTask queues a task locally; nothing is sent until RunTasks.
	AddTask(function, label string, workload []byte, priority Priority) (*Task, error)
	// RunTasks submits every added task and blocks until each of them
	// received a terminal event, or until the run cannot continue.
	RunTasks(ctx context.Context) error
	// JobStatus asks the server for the native status of a job handle.
	JobStatus(ctx context.Context, handle string) (types.JobStatus, error)
	// LastError returns the last transport error number and message.
	LastError() (int, string)
	Close() error
}

// ============================================================================
// Worker side
// ============================================================================

// ReturnCode classifies the outcome of WorkerConn.Grab.
type ReturnCode int

const (
	ReturnSuccess     ReturnCode = iota // a job was grabbed
	ReturnIOWait                        // transient wait, try again
	ReturnNoJobs                        // nothing queued for our functions
	ReturnNoActiveFDs                   // no live connection to any server
	ReturnShutdown                      // the connection was closed locally
	ReturnError                         // anything else
)

func (c ReturnCode) String() string {
	switch c {
	case ReturnSuccess:
		return "success"
	case ReturnIOWait:
		return "io_wait"
	case ReturnNoJobs:
		return "no_jobs"
	case ReturnNoActiveFDs:
		return "no_active_fds"
	case ReturnShutdown:
		return "shutdown"
	default:
		return "error"
	}
}

// WorkerConn is a worker's connection to the job server.
type WorkerConn interface {
	// Register announces the worker can run function under the context label.
	Register(ctx context.Context, function, label string) error
	// Grab waits for the next job. It returns a nil Job with ReturnNoJobs
	// when the poll window elapsed without work.
	Grab(ctx context.Context) (Job, ReturnCode, error)
	Close() error
}

// Job is a grabbed unit of work.
type Job interface {
	Handle() string
	Unique() string
	Function() string
	Workload() []byte

	SendStatus(ctx context.Context, numerator, denominator int) error
	SendData(ctx context.Context, data []byte) error
	SendComplete(ctx context.Context, data []byte) error
	SendFail(ctx context.Context) error
	SendException(ctx context.Context, code int, message string) error
}
