// ============================================================================
// Vitesse CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wiring config, logging, metrics and tracing to the
//          queue server, the worker pool and the dispatcher.
//
// Command Structure:
//   vitesse                        # Root command
//   ├── serve                      # Run the gRPC job server
//   │   └── --listen              # Override server.listen_addr
//   ├── worker                     # Run a worker pool against the queue
//   │   └── --slots               # Override worker.slots
//   ├── dispatch                   # Execute a batch of requests
//   │   ├── --file, -f            # Batch YAML file
//   │   ├── --local               # Execute in-process, no queue
//   │   └── --json                # Print results as JSON
//   ├── status <handle>...         # Ask the queue about job handles
//   ├── --config, -c               # Config file (see internal/config)
//   └── --version
//
// Transports (queue.transport):
//   memory  dispatch starts an in-process broker and worker pool
//   grpc    dispatch/worker/status talk to `vitesse serve`
//   redis   dispatch/worker/status share a Redis instance
//
// Signal Handling:
//   Every long-running command stops on SIGINT / SIGTERM. serve writes a
//   final snapshot, worker lets running jobs finish before closing its
//   connections (the server fails whatever is left as lost).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/async"
	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/config"
	"github.com/ChuLiYu/vitesse/internal/dispatch"
	"github.com/ChuLiYu/vitesse/internal/logging"
	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/server"
	"github.com/ChuLiYu/vitesse/internal/snapshot"
	"github.com/ChuLiYu/vitesse/internal/storage/wal"
	"github.com/ChuLiYu/vitesse/internal/tracing"
	"github.com/ChuLiYu/vitesse/internal/worker"
)

// Version is reported by --version; main overrides it at build time.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vitesse",
		Short: "Vitesse: asynchronous request dispatch over a job queue",
		Long: `Vitesse fans batches of request descriptors out to worker processes
through a job queue and collects every response or error.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./vitesse.yaml if present)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildDispatchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// Shared runtime
// ============================================================================

// runtime holds what every command builds from the config.
type runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	tracing  tracing.ShutdownFunc
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	rt := &runtime{cfg: cfg, log: logger.With(zap.String("command", cmd.Name())), tracing: tracing.Noop}

	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = metrics.NewCollector(rt.registry)
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		rt.tracing = shutdown
	}
	return rt, nil
}

// startMetrics serves /metrics in the background until ctx is done.
func (rt *runtime) startMetrics(ctx context.Context) {
	if rt.registry == nil {
		return
	}
	go func() {
		rt.log.Info("metrics server listening", zap.String("addr", rt.cfg.Metrics.Addr))
		if err := metrics.StartServer(ctx, rt.cfg.Metrics.Addr, rt.registry); err != nil {
			rt.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (rt *runtime) close() {
	if err := rt.tracing(context.Background()); err != nil {
		rt.log.Warn("tracing shutdown", zap.Error(err))
	}
	_ = rt.log.Sync()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue server",
		Long:  "Run the gRPC job server that dispatchers submit to and workers grab from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			if listen != "" {
				rt.cfg.Server.ListenAddr = listen
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, rt)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	return cmd
}

func runServe(ctx context.Context, rt *runtime) error {
	lis, err := net.Listen("tcp", rt.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", rt.cfg.Server.ListenAddr, err)
	}
	return serveOn(ctx, rt, lis)
}

func serveOn(ctx context.Context, rt *runtime, lis net.Listener) error {
	opts := broker.Options{
		JobTimeout:       rt.cfg.Queue.JobTimeout,
		SnapshotInterval: rt.cfg.Server.SnapshotInterval,
		Logger:           rt.log,
		Metrics:          rt.metrics,
	}
	if rt.cfg.Server.SnapshotPath != "" {
		opts.Snapshot = snapshot.NewManager(rt.cfg.Server.SnapshotPath)
	}
	if rt.cfg.Server.JournalPath != "" {
		journal, err := wal.Open(rt.cfg.Server.JournalPath, wal.Options{SyncOnAppend: rt.cfg.Server.JournalSync})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				rt.log.Error("close journal", zap.Error(err))
			}
		}()
		opts.Journal = journal
	}

	b := broker.New(opts)
	if err := b.Restore(); err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.startMetrics(ctx)

	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(ctx) }()

	gs := server.NewGRPCServer(server.NewServer(b, rt.log))
	rt.log.Info("queue server listening", zap.String("addr", lis.Addr().String()))
	serveErr := server.Serve(ctx, gs, lis)

	// Run 在 ctx 結束時寫入最後一次快照，之後才能關閉 WAL
	cancel()
	runErr := <-runDone
	if serveErr != nil {
		return serveErr
	}
	if runErr != nil {
		return fmt.Errorf("final snapshot: %w", runErr)
	}
	rt.log.Info("queue server stopped")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var slots int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker pool",
		Long:  "Grab request jobs from the queue and execute them against worker.base_url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			if slots > 0 {
				rt.cfg.Worker.Slots = slots
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorkers(ctx, rt)
		},
	}

	cmd.Flags().IntVar(&slots, "slots", 0, "number of worker slots (overrides worker.slots)")
	return cmd
}

func runWorkers(ctx context.Context, rt *runtime) error {
	if rt.cfg.Queue.Transport == config.TransportMemory {
		return errors.New("the memory transport has no shared queue; use `dispatch` or pick grpc/redis")
	}

	conns, err := openTransport(rt, nil)
	if err != nil {
		return err
	}
	defer conns.close()

	pool, err := startPool(ctx, rt, conns)
	if err != nil {
		return err
	}
	rt.startMetrics(ctx)

	return waitWorkers(ctx, rt.log, pool)
}

// waitWorkers blocks until a signal cancels ctx or every slot has stopped
// on its own. The latter returns the slots' errors so a non-zero exit lets
// the supervisor restart the daemon.
func waitWorkers(ctx context.Context, log *zap.Logger, pool *worker.Pool) error {
	select {
	case <-ctx.Done():
	case <-pool.Done():
		log.Error("every worker slot stopped; exiting")
	}
	pool.Stop()
	return pool.Wait()
}

// startPool starts cfg.Worker.Slots workers executing over HTTP.
func startPool(ctx context.Context, rt *runtime, conns *transportConns) (*worker.Pool, error) {
	exec, err := newExecutor(rt.cfg)
	if err != nil {
		return nil, err
	}
	c, err := lookupCodec(rt.cfg)
	if err != nil {
		return nil, err
	}

	pool := worker.NewPool(conns.workerFactory(), exec, worker.Options{
		Function:         rt.cfg.Queue.Function,
		Context:          rt.cfg.Queue.Context,
		Codec:            c,
		IdleBackoff:      rt.cfg.Worker.IdleBackoff,
		ReconnectBackoff: rt.cfg.Worker.ReconnectBackoff,
		RequestTimeout:   rt.cfg.Worker.RequestTimeout,
		Logger:           rt.log,
		Metrics:          rt.metrics,
	})
	if err := pool.Start(ctx, rt.cfg.Worker.Slots); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return pool, nil
}

// ============================================================================
// dispatch
// ============================================================================

func buildDispatchCommand() *cobra.Command {
	var (
		batchFile string
		local     bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a batch of requests",
		Long: `Read request descriptors from a YAML batch file, execute them through the
queue (or in-process with --local) and print every response or error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			reqs, err := async.LoadBatchFile(batchFile)
			if err != nil {
				return err
			}
			report, err := runDispatch(ctx, rt, reqs, local)
			if err != nil {
				return err
			}
			if asJSON {
				return report.writeJSON(cmd.OutOrStdout())
			}
			report.writeText(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML batch file with request descriptors")
	cmd.Flags().BoolVar(&local, "local", false, "execute requests in-process without a queue")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <handle>...",
		Short: "Show job status",
		Long:  "Ask the queue whether it still knows each job handle and how far it got.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return showStatus(cmd.Context(), rt, args, cmd.OutOrStdout())
		},
	}
	return cmd
}

// dispatchOptions builds the driver options shared by every transport.
func dispatchOptions(rt *runtime) (dispatch.Options, error) {
	c, err := lookupCodec(rt.cfg)
	if err != nil {
		return dispatch.Options{}, err
	}
	return dispatch.Options{
		Context:  rt.cfg.Queue.Context,
		Function: rt.cfg.Queue.Function,
		Codec:    c,
		Logger:   rt.log,
		Metrics:  rt.metrics,
	}, nil
}
