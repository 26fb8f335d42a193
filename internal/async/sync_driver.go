package async

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/executor"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// Results is the per-request outcome view drivers expose after Execute.
type Results interface {
	// IDs returns the correlation IDs of the last batch in submission order.
	IDs() []types.CorrelationID
	// Request returns the request submitted under id.
	Request(id types.CorrelationID) (*types.Request, bool)
	// State returns the task state of id.
	State(id types.CorrelationID) (types.TaskState, bool)
	// Errors returns a copy of the error records of failed tasks.
	Errors() map[types.CorrelationID]types.ErrorRecord
	// AllComplete reports whether every task reached a terminal state.
	AllComplete() bool
}

// SyncDriver executes requests one after another in the calling goroutine
// through an Executor. It is the in-process counterpart of the queue
// driver, used by tests and by `vitesse dispatch --local`.
type SyncDriver struct {
	exec   executor.Executor
	logger *zap.Logger

	mu       sync.RWMutex
	ids      []types.CorrelationID
	requests map[types.CorrelationID]*types.Request
	states   map[types.CorrelationID]types.TaskState
	errors   map[types.CorrelationID]types.ErrorRecord
}

// NewSyncDriver creates a driver around exec. A nil logger disables logging.
func NewSyncDriver(exec executor.Executor, logger *zap.Logger) *SyncDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &SyncDriver{
		exec:   exec,
		logger: logger.With(zap.String("component", "sync-driver")),
	}
	d.reset()
	return d
}

func (d *SyncDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = nil
	d.requests = make(map[types.CorrelationID]*types.Request)
	d.states = make(map[types.CorrelationID]types.TaskState)
	d.errors = make(map[types.CorrelationID]types.ErrorRecord)
}

// Execute runs every request of p. Failures are recorded, never returned.
func (d *SyncDriver) Execute(ctx context.Context, p *Pool) (*Pool, error) {
	d.reset()

	for _, req := range p.All() {
		id := types.CorrelationID(uuid.NewString())
		d.mu.Lock()
		d.ids = append(d.ids, id)
		d.requests[id] = req
		d.states[id] = types.StatePending
		d.mu.Unlock()

		resp, err := d.exec.Execute(ctx, req)

		d.mu.Lock()
		if err != nil {
			d.states[id] = types.StateFailed
			d.errors[id] = types.ErrorRecord{
				ID:     id,
				Kind:   types.KindApplication,
				Code:   executor.CodeOf(err),
				Detail: err.Error(),
			}
			d.logger.Warn("request failed", zap.String("id", string(id)), zap.Stringer("request", req), zap.Error(err))
		} else {
			req.Response = resp
			d.states[id] = types.StateSucceeded
		}
		d.mu.Unlock()
	}
	return p, nil
}

func (d *SyncDriver) IDs() []types.CorrelationID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]types.CorrelationID(nil), d.ids...)
}

func (d *SyncDriver) Request(id types.CorrelationID) (*types.Request, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	req, ok := d.requests[id]
	return req, ok
}

func (d *SyncDriver) State(id types.CorrelationID) (types.TaskState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.states[id]
	return s, ok
}

func (d *SyncDriver) Errors() map[types.CorrelationID]types.ErrorRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[types.CorrelationID]types.ErrorRecord, len(d.errors))
	for k, v := range d.errors {
		out[k] = v
	}
	return out
}

func (d *SyncDriver) AllComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.states {
		if !s.Terminal() {
			return false
		}
	}
	return true
}
