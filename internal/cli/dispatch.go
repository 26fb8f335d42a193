package cli

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/async"
	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/config"
	"github.com/ChuLiYu/vitesse/internal/dispatch"
	"github.com/ChuLiYu/vitesse/internal/queue/grpcq"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// ============================================================================
// dispatch
// ============================================================================

// runDispatch executes reqs through the configured queue, or in-process
// when local is set, bounded by queue.run_timeout.
func runDispatch(ctx context.Context, rt *runtime, reqs []*types.Request, local bool) (*dispatchReport, error) {
	if rt.cfg.Queue.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.Queue.RunTimeout)
		defer cancel()
	}

	pool := async.New(async.Config{Requests: reqs})

	if local {
		exec, err := newExecutor(rt.cfg)
		if err != nil {
			return nil, err
		}
		d := async.NewSyncDriver(exec, rt.log)
		if _, err := pool.SetDriver(d).Execute(ctx); err != nil {
			return nil, err
		}
		return newReport(d), nil
	}

	// memory 傳輸在同一個行程內啟動 broker 與 worker
	var b *broker.Broker
	if rt.cfg.Queue.Transport == config.TransportMemory {
		b = broker.New(broker.Options{
			JobTimeout: rt.cfg.Queue.JobTimeout,
			Logger:     rt.log,
			Metrics:    rt.metrics,
		})
		defer b.Close()
		go func() { _ = b.Run(ctx) }()
	}

	conns, err := openTransport(rt, b)
	if err != nil {
		return nil, err
	}
	defer conns.close()

	if b != nil {
		wp, err := startPool(ctx, rt, conns)
		if err != nil {
			return nil, err
		}
		defer wp.Stop()
	}

	opts, err := dispatchOptions(rt)
	if err != nil {
		return nil, err
	}
	driver, err := dispatch.NewQueueDriver(ctx, conns.newClient(), opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			rt.log.Debug("close queue client", zap.Error(err))
		}
	}()

	if _, err := pool.SetDriver(driver).Execute(ctx); err != nil {
		return nil, err
	}
	return newReport(driver), nil
}

// ============================================================================
// Report
// ============================================================================

type requestResult struct {
	ID     types.CorrelationID `json:"id"`
	Method string              `json:"method"`
	Target string              `json:"target"`
	State  types.TaskState     `json:"state"`
	Status int                 `json:"status,omitempty"`
	Body   string              `json:"body,omitempty"`
	Error  *types.ErrorRecord  `json:"error,omitempty"`
}

type dispatchReport struct {
	Results     []requestResult `json:"results"`
	AllComplete bool            `json:"all_complete"`
	Failed      int             `json:"failed"`
}

func newReport(res async.Results) *dispatchReport {
	errs := res.Errors()
	r := &dispatchReport{AllComplete: res.AllComplete(), Failed: len(errs)}

	for _, id := range res.IDs() {
		item := requestResult{ID: id}
		if req, ok := res.Request(id); ok {
			item.Method, item.Target = req.Method, req.Target
			if req.Response != nil {
				item.Status = req.Response.Status
				item.Body = string(req.Response.Body)
			}
		}
		item.State, _ = res.State(id)
		if rec, ok := errs[id]; ok {
			item.Error = &rec
		}
		r.Results = append(r.Results, item)
	}
	return r
}

func (r *dispatchReport) writeJSON(w io.Writer) error {
	data, err := codec.JSON().Marshal(r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func (r *dispatchReport) writeText(w io.Writer) {
	for _, res := range r.Results {
		switch {
		case res.Error != nil:
			fmt.Fprintf(w, "❌ %-7s %s  %s error %d: %s\n", res.Method, res.Target, res.Error.Kind, res.Error.Code, res.Error.Detail)
		case res.State == types.StateSucceeded:
			fmt.Fprintf(w, "✅ %-7s %s  %d (%d bytes)\n", res.Method, res.Target, res.Status, len(res.Body))
		default:
			fmt.Fprintf(w, "⏳ %-7s %s  %s\n", res.Method, res.Target, res.State)
		}
	}
	fmt.Fprintf(w, "\n📊 %d requests, %d failed, all complete: %t\n", len(r.Results), r.Failed, r.AllComplete)
}

// ============================================================================
// status
// ============================================================================

func showStatus(ctx context.Context, rt *runtime, handles []string, w io.Writer) error {
	if rt.cfg.Queue.Transport == config.TransportMemory {
		return fmt.Errorf("the memory transport keeps no jobs between runs; set queue.transport to grpc or redis")
	}

	conns, err := openTransport(rt, nil)
	if err != nil {
		return err
	}
	defer conns.close()

	client := conns.newClient()
	defer client.Close()

	for _, h := range handles {
		st, err := client.JobStatus(ctx, h)
		if err != nil {
			return fmt.Errorf("status of %s: %w", h, err)
		}
		switch {
		case !st.Known:
			fmt.Fprintf(w, "%s  unknown (finished or never submitted)\n", h)
		case !st.Running:
			fmt.Fprintf(w, "%s  queued\n", h)
		case st.Denominator > 0:
			fmt.Fprintf(w, "%s  running %d/%d\n", h, st.Numerator, st.Denominator)
		default:
			fmt.Fprintf(w, "%s  running\n", h)
		}
	}

	if gc, ok := client.(*grpcq.Client); ok {
		stats, err := gc.Stats(ctx)
		if err != nil {
			return fmt.Errorf("server stats: %w", err)
		}
		fmt.Fprintf(w, "\n📊 queued %d, running %d, completed %d, failed %d\n",
			stats.Queued, stats.Running, stats.Completed, stats.Failed)
	}
	return nil
}
