package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vitesse/internal/async"
	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// ============================================================================
// Fake queue client
// ============================================================================

// scriptFunc decides which events the fake server emits for one task.
type scriptFunc func(t *queue.Task, req types.Request) []queue.Event

// fakeClient runs tasks against a script instead of a server. Events are
// delivered in the order produced by order().
type fakeClient struct {
	tracker *queue.Tracker
	script  scriptFunc
	order   func([]queue.Event) []queue.Event
	observe func(delivered int)

	pingErr error
	addErr  map[string]error // keyed by request target
	runErr  error
	closed  bool

	statuses map[string]types.JobStatus
	added    int
}

func newFakeClient(script scriptFunc) *fakeClient {
	return &fakeClient{
		tracker:  queue.NewTracker(),
		script:   script,
		statuses: make(map[string]types.JobStatus),
	}
}

func (c *fakeClient) Ping(context.Context) error           { return c.pingErr }
func (c *fakeClient) SetEventHandler(h queue.EventHandler) { c.tracker.SetHandler(h) }
func (c *fakeClient) LastError() (int, string)             { return c.tracker.LastError() }
func (c *fakeClient) Close() error                         { c.closed = true; return nil }

func (c *fakeClient) AddTask(function, label string, workload []byte, priority queue.Priority) (*queue.Task, error) {
	var req types.Request
	if err := codec.JSON().Unmarshal(workload, &req); err == nil {
		if err := c.addErr[req.Target]; err != nil {
			return nil, err
		}
	}
	c.added++
	t := queue.NewTask(function, label, uuid.NewString(), workload, priority)
	c.tracker.Add(t)
	return t, nil
}

func (c *fakeClient) RunTasks(ctx context.Context) error {
	var events []queue.Event
	for _, t := range c.tracker.TakeQueued() {
		handle := "H:" + t.Unique()
		c.tracker.Bind(t, handle)
		c.statuses[handle] = types.JobStatus{Handle: handle, Known: true}

		var req types.Request
		_ = codec.JSON().Unmarshal(t.Workload(), &req)
		for _, ev := range c.script(t, req) {
			ev.Handle = handle
			events = append(events, ev)
		}
	}
	if c.order != nil {
		events = c.order(events)
	}
	for i, ev := range events {
		if c.observe != nil {
			c.observe(i)
		}
		c.tracker.Dispatch(ev)
	}
	if c.runErr != nil {
		c.tracker.SetLastError(queue.ErrnoTimeout, c.runErr.Error())
		return c.runErr
	}
	return nil
}

func (c *fakeClient) JobStatus(_ context.Context, handle string) (types.JobStatus, error) {
	st, ok := c.statuses[handle]
	if !ok {
		return types.JobStatus{Handle: handle}, nil
	}
	return st, nil
}

// ============================================================================
// Scripts
// ============================================================================

func responseData(t *testing.T, req types.Request) []byte {
	data, err := codec.JSON().Marshal(&types.Response{Status: 200, Body: []byte(req.Target)})
	require.NoError(t, err)
	return data
}

// succeedAll behaves like a healthy worker: 1/2, data, 2/2, complete.
func succeedAll(t *testing.T) scriptFunc {
	return func(_ *queue.Task, req types.Request) []queue.Event {
		return []queue.Event{
			{Type: queue.EventStatus, Numerator: 1, Denominator: 2},
			{Type: queue.EventStatus, Numerator: 2, Denominator: 2},
			{Type: queue.EventData, Data: responseData(t, req)},
			{Type: queue.EventComplete},
		}
	}
}

func reverse(events []queue.Event) []queue.Event {
	out := make([]queue.Event, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

func requests(targets ...string) []*types.Request {
	out := make([]*types.Request, 0, len(targets))
	for _, target := range targets {
		out = append(out, types.NewRequest("GET", target))
	}
	return out
}

func newDriver(t *testing.T, client *fakeClient) *QueueDriver {
	t.Helper()
	d, err := NewQueueDriver(context.Background(), client, Options{})
	require.NoError(t, err)
	return d
}

func execute(t *testing.T, d *QueueDriver, reqs []*types.Request) *async.Pool {
	t.Helper()
	p, err := async.New(async.Config{Driver: d, Requests: reqs}).Execute(context.Background())
	require.NoError(t, err)
	return p
}

// ============================================================================
// Construction
// ============================================================================

func TestNewQueueDriverUnreachable(t *testing.T) {
	client := newFakeClient(nil)
	client.pingErr = errors.New("dial tcp 127.0.0.1:4730: connection refused")

	_, err := NewQueueDriver(context.Background(), client, Options{})

	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewQueueDriverNilClient(t *testing.T) {
	_, err := NewQueueDriver(context.Background(), nil, Options{})
	var cfgErr *types.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

// ============================================================================
// Scenarios
// ============================================================================

func TestAllTasksSucceed(t *testing.T) {
	client := newFakeClient(succeedAll(t))
	client.order = reverse
	d := newDriver(t, client)

	p := execute(t, d, requests("/a", "/b", "/c"))

	for _, req := range p.All() {
		require.NotNil(t, req.Response, req.Target)
		assert.Equal(t, req.Target, string(req.Response.Body), "response attached to its own request")
	}
	assert.Empty(t, d.Errors())
	assert.True(t, d.AllComplete())
	assert.Len(t, d.IDs(), 3)
	assert.Len(t, d.Tasks(), 3)

	for _, id := range d.IDs() {
		succeeded, resolved := d.Complete(id)
		assert.True(t, resolved)
		assert.True(t, succeeded)
	}
}

func TestOneApplicationException(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		if req.Target == "/boom" {
			return []queue.Event{
				{Type: queue.EventStatus, Numerator: 1, Denominator: 2},
				{Type: queue.EventException, Code: 500, Message: "boom"},
			}
		}
		return succeedAll(t)(nil, req)
	})
	d := newDriver(t, client)

	p := execute(t, d, requests("/ok", "/boom"))

	errs := d.Errors()
	require.Len(t, errs, 1)
	for id, rec := range errs {
		assert.Equal(t, types.KindApplication, rec.Kind)
		assert.Equal(t, 500, rec.Code)
		assert.Equal(t, "boom", rec.Detail)

		req, ok := d.Request(id)
		require.True(t, ok)
		assert.Equal(t, "/boom", req.Target)
		assert.Nil(t, req.Response)

		succeeded, resolved := d.Complete(id)
		assert.True(t, resolved)
		assert.False(t, succeeded)
	}

	for _, req := range p.All() {
		if req.Target == "/ok" {
			require.NotNil(t, req.Response)
			assert.Equal(t, 200, req.Response.Status)
		}
	}
	assert.True(t, d.AllComplete())
}

func TestTransportFailureUsesLastError(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		if req.Target == "/lost" {
			return []queue.Event{{Type: queue.EventFail, Code: queue.ErrnoLostConnection, Message: "worker connection lost"}}
		}
		return succeedAll(t)(nil, req)
	})
	d := newDriver(t, client)

	execute(t, d, requests("/a", "/lost", "/b"))

	errs := d.Errors()
	require.Len(t, errs, 1)
	for id, rec := range errs {
		assert.Equal(t, types.KindTransport, rec.Kind)
		assert.Equal(t, queue.ErrnoLostConnection, rec.Code)
		assert.Equal(t, "worker connection lost", rec.Detail)
		state, _ := d.State(id)
		assert.Equal(t, types.StateFailed, state)
	}
	assert.True(t, d.AllComplete())
}

func TestAllCompleteFalseWhilePending(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		return []queue.Event{{Type: queue.EventComplete}}
	})
	d := newDriver(t, client)

	var seen []bool
	client.observe = func(delivered int) { seen = append(seen, d.AllComplete()) }

	execute(t, d, requests("/a", "/b", "/c"))

	// observed before each of the three terminal events
	assert.Equal(t, []bool{false, false, false}, seen)
	assert.True(t, d.AllComplete())
}

func TestDuplicateTerminalEventsAreIgnored(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		if req.Target == "/fail" {
			return []queue.Event{
				{Type: queue.EventFail, Code: queue.ErrnoTimeout, Message: "timed out"},
				{Type: queue.EventFail, Code: queue.ErrnoJobLost, Message: "lost"},
				{Type: queue.EventComplete},
				{Type: queue.EventException, Code: 500, Message: "late"},
			}
		}
		return []queue.Event{
			{Type: queue.EventComplete},
			{Type: queue.EventFail, Code: queue.ErrnoLostConnection, Message: "late"},
			{Type: queue.EventComplete},
		}
	})
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	d, err := NewQueueDriver(context.Background(), client, Options{Metrics: m})
	require.NoError(t, err)

	execute(t, d, requests("/ok", "/fail"))

	errs := d.Errors()
	require.Len(t, errs, 1)
	for id, rec := range errs {
		assert.Equal(t, queue.ErrnoTimeout, rec.Code, "first terminal event wins")
		req, _ := d.Request(id)
		assert.Equal(t, "/fail", req.Target)
	}
	for _, id := range d.IDs() {
		req, _ := d.Request(id)
		state, _ := d.State(id)
		if req.Target == "/ok" {
			assert.Equal(t, types.StateSucceeded, state)
		} else {
			assert.Equal(t, types.StateFailed, state)
		}
	}

	expected := `
# HELP vitesse_dispatch_tasks_failed_total Total number of failed tasks by error kind
# TYPE vitesse_dispatch_tasks_failed_total counter
vitesse_dispatch_tasks_failed_total{kind="transport"} 1
# HELP vitesse_dispatch_tasks_submitted_total Total number of tasks submitted to the queue
# TYPE vitesse_dispatch_tasks_submitted_total counter
vitesse_dispatch_tasks_submitted_total 2
# HELP vitesse_dispatch_tasks_succeeded_total Total number of tasks that completed successfully
# TYPE vitesse_dispatch_tasks_succeeded_total counter
vitesse_dispatch_tasks_succeeded_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"vitesse_dispatch_tasks_submitted_total",
		"vitesse_dispatch_tasks_succeeded_total",
		"vitesse_dispatch_tasks_failed_total",
	))
}

func TestDataAfterComplete(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		return []queue.Event{
			{Type: queue.EventComplete},
			{Type: queue.EventData, Data: responseData(t, req)},
		}
	})
	d := newDriver(t, client)

	p := execute(t, d, requests("/late"))

	req := p.Requests()[0]
	require.NotNil(t, req.Response)
	assert.Equal(t, "/late", string(req.Response.Body))
	assert.Empty(t, d.Errors())
}

func TestUndecodableData(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		return []queue.Event{
			{Type: queue.EventData, Data: []byte("not a response")},
			{Type: queue.EventComplete},
		}
	})
	d := newDriver(t, client)

	execute(t, d, requests("/a"))

	errs := d.Errors()
	require.Len(t, errs, 1)
	for id, rec := range errs {
		assert.Equal(t, types.KindApplication, rec.Kind)
		assert.Equal(t, types.CodeSerialization, rec.Code)
		succeeded, resolved := d.Complete(id)
		assert.True(t, resolved)
		assert.False(t, succeeded, "complete after a decode failure does not flip the task")
	}
}

func TestUndecodableDataAfterSuccessKeepsOutcome(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		return []queue.Event{
			{Type: queue.EventComplete},
			{Type: queue.EventData, Data: []byte("garbage")},
		}
	})
	d := newDriver(t, client)

	execute(t, d, requests("/a"))

	assert.Empty(t, d.Errors())
	succeeded, resolved := d.Complete(d.IDs()[0])
	assert.True(t, resolved)
	assert.True(t, succeeded)
}

func TestRunTasksErrorSettlesPending(t *testing.T) {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		if req.Target == "/stuck" {
			return nil
		}
		return []queue.Event{{Type: queue.EventComplete}}
	})
	client.runErr = context.DeadlineExceeded
	d := newDriver(t, client)

	execute(t, d, requests("/a", "/stuck"))

	assert.True(t, d.AllComplete(), "no task is left pending")
	errs := d.Errors()
	require.Len(t, errs, 1)
	for _, rec := range errs {
		assert.Equal(t, types.KindTransport, rec.Kind)
		assert.Equal(t, queue.ErrnoTimeout, rec.Code)
	}
}

func TestAddTaskRejected(t *testing.T) {
	client := newFakeClient(succeedAll(t))
	client.addErr = map[string]error{"/rejected": errors.New("queue full")}
	d := newDriver(t, client)

	execute(t, d, requests("/a", "/rejected"))

	assert.Equal(t, 1, client.added)
	assert.Len(t, d.IDs(), 2)
	assert.Len(t, d.Tasks(), 1)

	errs := d.Errors()
	require.Len(t, errs, 1)
	for id, rec := range errs {
		assert.Equal(t, types.KindTransport, rec.Kind)
		assert.Equal(t, queue.ErrnoServerError, rec.Code)
		_, ok := d.Task(id)
		assert.False(t, ok)
	}
}

func TestStatusPassThrough(t *testing.T) {
	client := newFakeClient(succeedAll(t))
	d := newDriver(t, client)
	execute(t, d, requests("/a", "/b"))

	statuses, err := d.Statuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for id, st := range statuses {
		task, ok := d.Task(id)
		require.True(t, ok)
		assert.Equal(t, task.Handle(), st.Handle)
		assert.True(t, st.Known)
	}

	st, err := d.Status(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.False(t, st.Known)
}

func TestExecuteResetsBetweenBatches(t *testing.T) {
	client := newFakeClient(succeedAll(t))
	d := newDriver(t, client)

	execute(t, d, requests("/a", "/b"))
	execute(t, d, requests("/c"))

	ids := d.IDs()
	require.Len(t, ids, 1)
	req, _ := d.Request(ids[0])
	assert.Equal(t, "/c", req.Target)
}

func TestCBORCodec(t *testing.T) {
	cbor, err := codec.CBOR()
	require.NoError(t, err)

	client := newFakeClient(nil)
	client.script = func(t2 *queue.Task, _ types.Request) []queue.Event {
		var req types.Request
		require.NoError(t, cbor.Unmarshal(t2.Workload(), &req))
		data, err := cbor.Marshal(&types.Response{Status: 204, Body: []byte(req.Target)})
		require.NoError(t, err)
		return []queue.Event{{Type: queue.EventComplete, Data: data}}
	}
	d, err := NewQueueDriver(context.Background(), client, Options{Codec: cbor})
	require.NoError(t, err)

	p := execute(t, d, requests("/cbor"))
	require.NotNil(t, p.Requests()[0].Response)
	assert.Equal(t, 204, p.Requests()[0].Response.Status)
}

func TestCloseClosesClient(t *testing.T) {
	client := newFakeClient(succeedAll(t))
	d := newDriver(t, client)
	require.NoError(t, d.Close())
	assert.True(t, client.closed)
}

func ExampleQueueDriver() {
	client := newFakeClient(func(_ *queue.Task, req types.Request) []queue.Event {
		data, _ := codec.JSON().Marshal(&types.Response{Status: 200})
		return []queue.Event{{Type: queue.EventComplete, Data: data}}
	})
	driver, _ := NewQueueDriver(context.Background(), client, Options{})

	pool := async.New(async.Config{Driver: driver})
	pool.Add(types.NewRequest("GET", "/users/1"))
	pool.Add(types.NewRequest("GET", "/users/2"))
	pool, _ = pool.Execute(context.Background())

	for _, req := range pool.All() {
		fmt.Println(req, req.Response.Status)
	}
	fmt.Println(driver.AllComplete(), len(driver.Errors()))
	// Output:
	// GET /users/1 200
	// GET /users/2 200
	// true 0
}
