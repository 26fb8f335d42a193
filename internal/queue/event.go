package queue

import (
	"sync"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

// EventType enumerates job events flowing from the server to the client
// that submitted the job.
type EventType string

const (
	EventData      EventType = "data"
	EventStatus    EventType = "status"
	EventComplete  EventType = "complete"
	EventFail      EventType = "fail"
	EventException EventType = "exception"
)

// Terminal reports whether the event ends the job at queue level.
func (e EventType) Terminal() bool {
	return e == EventComplete || e == EventFail || e == EventException
}

// Event is one job event addressed to a client.
type Event struct {
	Type        EventType `json:"type"`
	Handle      string    `json:"handle"`
	Unique      string    `json:"unique"`
	Data        []byte    `json:"data,omitempty"`
	Numerator   int       `json:"numerator,omitempty"`
	Denominator int       `json:"denominator,omitempty"`
	Code        int       `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Tracker is the bookkeeping shared by Client implementations: it maps
// handles to tasks, counts tasks still waiting for a terminal event and
// turns events into EventHandler calls.
type Tracker struct {
	mu       sync.Mutex
	handler  EventHandler
	byUnique map[string]*Task
	byHandle map[string]*Task
	queued   []*Task
	open     map[string]bool
	lastCode int
	lastMsg  string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byUnique: make(map[string]*Task),
		byHandle: make(map[string]*Task),
		open:     make(map[string]bool),
	}
}

// SetHandler installs the event handler.
func (tr *Tracker) SetHandler(h EventHandler) {
	tr.mu.Lock()
	tr.handler = h
	tr.mu.Unlock()
}

// Add registers a task that has not been submitted yet.
func (tr *Tracker) Add(t *Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.byUnique[t.Unique()] = t
	tr.queued = append(tr.queued, t)
	tr.open[t.Unique()] = true
}

// TakeQueued returns the tasks added since the last call, in order.
func (tr *Tracker) TakeQueued() []*Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := tr.queued
	tr.queued = nil
	return out
}

// Bind associates a server handle with a submitted task.
func (tr *Tracker) Bind(t *Task, handle string) {
	t.SetHandle(handle)
	tr.mu.Lock()
	tr.byHandle[handle] = t
	tr.mu.Unlock()
}

// Open returns how many tasks still wait for a terminal event.
func (tr *Tracker) Open() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.open)
}

// OpenTasks returns the tasks still waiting for a terminal event.
func (tr *Tracker) OpenTasks() []*Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*Task, 0, len(tr.open))
	for unique := range tr.open {
		out = append(out, tr.byUnique[unique])
	}
	return out
}

// Abandon stops waiting for a task without delivering any event, used when
// a submission was rejected outright.
func (tr *Tracker) Abandon(t *Task) {
	tr.mu.Lock()
	delete(tr.open, t.Unique())
	tr.mu.Unlock()
}

// Reset forgets every task, used between runs.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.byUnique = make(map[string]*Task)
	tr.byHandle = make(map[string]*Task)
	tr.open = make(map[string]bool)
	tr.queued = nil
}

// SetLastError records a transport error.
func (tr *Tracker) SetLastError(code int, message string) {
	tr.mu.Lock()
	tr.lastCode, tr.lastMsg = code, message
	tr.mu.Unlock()
}

// LastError returns the last recorded transport error.
func (tr *Tracker) LastError() (int, string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.lastCode, tr.lastMsg
}

// Dispatch delivers ev to the handler. It reports false when the event
// refers to a task this tracker does not know. Events for tasks that
// already finished are still delivered; deduplication is the handler's job.
func (tr *Tracker) Dispatch(ev Event) bool {
	tr.mu.Lock()
	t, ok := tr.byHandle[ev.Handle]
	if !ok && ev.Unique != "" {
		t, ok = tr.byUnique[ev.Unique]
	}
	h := tr.handler
	if ok && ev.Type.Terminal() {
		delete(tr.open, t.Unique())
	}
	if ok && ev.Type == EventFail {
		tr.lastCode, tr.lastMsg = ev.Code, ev.Message
	}
	tr.mu.Unlock()

	if !ok {
		return false
	}

	switch ev.Type {
	case EventStatus:
		t.SetProgress(ev.Numerator, ev.Denominator)
	case EventData:
		t.SetData(ev.Data)
		if h != nil {
			h.OnData(t)
		}
	case EventComplete:
		if len(ev.Data) > 0 {
			t.SetData(ev.Data)
			if h != nil {
				h.OnData(t)
			}
		}
		if h != nil {
			h.OnComplete(t)
		}
	case EventFail:
		if h != nil {
			h.OnFail(t)
		}
	case EventException:
		if h != nil {
			h.OnException(t, types.Application(ev.Code, ev.Message))
		}
	}
	return true
}
