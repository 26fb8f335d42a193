package queue

import (
	"sync"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

// Task is the client-side handle of one submitted job. Handle and data are
// filled in by the transport while RunTasks is running; status accessors may
// read them concurrently.
type Task struct {
	function string
	context  string
	unique   string
	priority Priority
	workload []byte

	mu          sync.RWMutex
	handle      string
	data        []byte
	numerator   int
	denominator int
}

// NewTask creates a task. unique is the correlation token minted by the
// client.
func NewTask(function, context, unique string, workload []byte, priority Priority) *Task {
	return &Task{
		function: function,
		context:  context,
		unique:   unique,
		priority: priority,
		workload: workload,
	}
}

func (t *Task) Function() string   { return t.function }
func (t *Task) Context() string    { return t.context }
func (t *Task) Unique() string     { return t.unique }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) Workload() []byte   { return t.workload }

// ID returns the unique token as a correlation ID.
func (t *Task) ID() types.CorrelationID {
	return types.CorrelationID(t.unique)
}

// Handle returns the server-assigned job handle, empty until submitted.
func (t *Task) Handle() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handle
}

// SetHandle records the server-assigned job handle.
func (t *Task) SetHandle(handle string) {
	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()
}

// Data returns the last data payload received for the task.
func (t *Task) Data() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data
}

// SetData stores a data payload.
func (t *Task) SetData(data []byte) {
	t.mu.Lock()
	t.data = data
	t.mu.Unlock()
}

// Progress returns the last status reported by the worker.
func (t *Task) Progress() (numerator, denominator int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.numerator, t.denominator
}

// SetProgress records a status report.
func (t *Task) SetProgress(numerator, denominator int) {
	t.mu.Lock()
	t.numerator, t.denominator = numerator, denominator
	t.mu.Unlock()
}
