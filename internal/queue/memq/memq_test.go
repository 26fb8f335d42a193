package memq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

type handler struct {
	mu     sync.Mutex
	events []string
	data   map[string]string
	excs   map[string]*types.TaskError
}

func newHandler() *handler {
	return &handler{data: make(map[string]string), excs: make(map[string]*types.TaskError)}
}

func (h *handler) add(kind string, t *queue.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, kind+":"+t.Unique())
}

func (h *handler) OnData(t *queue.Task) {
	h.add("data", t)
	h.mu.Lock()
	h.data[t.Unique()] = string(t.Data())
	h.mu.Unlock()
}
func (h *handler) OnComplete(t *queue.Task) { h.add("complete", t) }
func (h *handler) OnFail(t *queue.Task)     { h.add("fail", t) }
func (h *handler) OnException(t *queue.Task, err *types.TaskError) {
	h.add("exception", t)
	h.mu.Lock()
	h.excs[t.Unique()] = err
	h.mu.Unlock()
}

// serve answers every job with its own workload, or an exception when the
// workload is "boom".
func serve(ctx context.Context, t *testing.T, w *Worker) {
	require.NoError(t, w.Register(ctx, queue.FunctionRequestAsync, queue.DefaultContext))
	go func() {
		for {
			job, rc, _ := w.Grab(ctx)
			switch rc {
			case queue.ReturnSuccess:
				if string(job.Workload()) == "boom" {
					_ = job.SendException(ctx, 500, "boom")
					continue
				}
				_ = job.SendStatus(ctx, 1, 2)
				_ = job.SendData(ctx, job.Workload())
				_ = job.SendComplete(ctx, nil)
			case queue.ReturnNoJobs:
				continue
			default:
				return
			}
		}
	}()
}

func TestClientWorkerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := broker.New(broker.Options{})
	defer b.Close()
	serve(ctx, t, NewWorker(b, 10*time.Millisecond))

	c := NewClient(b)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))

	h := newHandler()
	c.SetEventHandler(h)

	ok, err := c.AddTask(queue.FunctionRequestAsync, queue.DefaultContext, []byte("hello"), queue.PriorityHigh)
	require.NoError(t, err)
	bad, err := c.AddTask(queue.FunctionRequestAsync, queue.DefaultContext, []byte("boom"), queue.PriorityHigh)
	require.NoError(t, err)
	assert.NotEqual(t, ok.Unique(), bad.Unique())

	require.NoError(t, c.RunTasks(ctx))

	assert.Equal(t, "hello", h.data[ok.Unique()])
	assert.Contains(t, h.events, "complete:"+ok.Unique())
	require.Contains(t, h.excs, bad.Unique())
	assert.Equal(t, 500, h.excs[bad.Unique()].Code)
	assert.NotEmpty(t, ok.Handle())

	st, err := c.JobStatus(ctx, ok.Handle())
	require.NoError(t, err)
	assert.False(t, st.Known, "finished jobs are forgotten by the server")
}

func TestRunTasksTimesOutWithoutWorkers(t *testing.T) {
	b := broker.New(broker.Options{})
	defer b.Close()

	c := NewClient(b)
	h := newHandler()
	c.SetEventHandler(h)
	task, err := c.AddTask(queue.FunctionRequestAsync, queue.DefaultContext, []byte("x"), queue.PriorityHigh)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.RunTasks(ctx), context.DeadlineExceeded)

	code, _ := c.LastError()
	assert.Equal(t, queue.ErrnoTimeout, code)

	st, err := c.JobStatus(context.Background(), task.Handle())
	require.NoError(t, err)
	assert.True(t, st.Known)
	assert.False(t, st.Running)
}

func TestWorkerGrabReturnCodes(t *testing.T) {
	b := broker.New(broker.Options{})
	w := NewWorker(b, 10*time.Millisecond)

	// not registered yet
	_, rc, err := w.Grab(context.Background())
	assert.Equal(t, queue.ReturnError, rc)
	assert.ErrorIs(t, err, broker.ErrUnknownWorker)

	require.NoError(t, w.Register(context.Background(), queue.FunctionRequestAsync, queue.DefaultContext))
	job, rc, err := w.Grab(context.Background())
	assert.Nil(t, job)
	assert.Equal(t, queue.ReturnNoJobs, rc)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, rc, _ = w.Grab(ctx)
	assert.Equal(t, queue.ReturnShutdown, rc)

	b.Close()
	_, rc, err = w.Grab(context.Background())
	assert.Equal(t, queue.ReturnNoActiveFDs, rc)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestWorkerCloseFailsHeldJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := broker.New(broker.Options{})
	defer b.Close()

	w := NewWorker(b, 10*time.Millisecond)
	require.NoError(t, w.Register(ctx, queue.FunctionRequestAsync, queue.DefaultContext))

	c := NewClient(b)
	h := newHandler()
	c.SetEventHandler(h)
	task, err := c.AddTask(queue.FunctionRequestAsync, queue.DefaultContext, []byte("x"), queue.PriorityHigh)
	require.NoError(t, err)

	go func() {
		for {
			job, rc, _ := w.Grab(ctx)
			if rc == queue.ReturnSuccess && job != nil {
				_ = w.Close()
				return
			}
			if rc != queue.ReturnNoJobs {
				return
			}
		}
	}()

	require.NoError(t, c.RunTasks(ctx))
	assert.Equal(t, []string{"fail:" + task.Unique()}, h.events)
	code, _ := c.LastError()
	assert.Equal(t, queue.ErrnoLostConnection, code)
}
