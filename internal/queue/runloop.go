package queue

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the part of a Client implementation that actually talks to
// a job server. RunLoop drives it.
type Transport interface {
	// Submit sends one task to the server and returns its job handle.
	Submit(ctx context.Context, t *Task) (string, error)
	// NextEvent blocks until the server delivers the next event addressed
	// to this client.
	NextEvent(ctx context.Context) (Event, error)
}

// RunLoop submits every queued task of tr through tp, then dispatches
// events until no task is left open.
//
// A task the server refuses is failed right away with ErrnoServerError so
// the rest of the batch still runs. When events can no longer be read the
// loop records the cause as the last error and returns it; tasks still
// open at that point never received a terminal event.
func RunLoop(ctx context.Context, tr *Tracker, tp Transport) error {
	for _, t := range tr.TakeQueued() {
		handle, err := tp.Submit(ctx, t)
		if err != nil {
			tr.Dispatch(Event{
				Type:    EventFail,
				Unique:  t.Unique(),
				Code:    ErrnoServerError,
				Message: fmt.Sprintf("submit: %v", err),
			})
			continue
		}
		tr.Bind(t, handle)
	}

	for tr.Open() > 0 {
		ev, err := tp.NextEvent(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				tr.SetLastError(ErrnoTimeout, err.Error())
			default:
				tr.SetLastError(ErrnoLostConnection, err.Error())
			}
			return err
		}
		tr.Dispatch(ev)
	}
	return nil
}
