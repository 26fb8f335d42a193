package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/vitesse/internal/broker"
	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/config"
	"github.com/ChuLiYu/vitesse/internal/executor"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/internal/queue/grpcq"
	"github.com/ChuLiYu/vitesse/internal/queue/memq"
	"github.com/ChuLiYu/vitesse/internal/queue/redisq"
	"github.com/ChuLiYu/vitesse/internal/worker"
)

// transportConns owns the shared connection of the configured transport.
// Clients and worker connections are cheap views over it.
type transportConns struct {
	kind   string
	broker *broker.Broker
	grpc   *grpc.ClientConn
	redis  *redis.Client

	pollTimeout time.Duration
	redisOpts   redisq.Options
}

// openTransport connects to the configured queue. The memory transport
// uses b, which must be non-nil.
func openTransport(rt *runtime, b *broker.Broker) (*transportConns, error) {
	cfg := rt.cfg
	t := &transportConns{kind: cfg.Queue.Transport, pollTimeout: cfg.Worker.PollTimeout}

	switch t.kind {
	case config.TransportMemory:
		if b == nil {
			return nil, errors.New("memory transport needs an in-process broker")
		}
		t.broker = b
	case config.TransportGRPC:
		cc, err := grpcq.Dial(cfg.Queue.Server())
		if err != nil {
			return nil, err
		}
		t.grpc = cc
	case config.TransportRedis:
		t.redis = redisq.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		t.redisOpts = redisq.Options{
			Prefix:      cfg.Redis.Prefix,
			PollTimeout: cfg.Worker.PollTimeout,
			Logger:      rt.log,
		}
		if cfg.Queue.JobTimeout > 0 {
			rt.log.Warn("queue.job_timeout is not enforced by the redis transport; queue.run_timeout bounds the batch",
				zap.Duration("job_timeout", cfg.Queue.JobTimeout))
		}
	default:
		return nil, fmt.Errorf("unknown queue transport %q", t.kind)
	}
	return t, nil
}

func (t *transportConns) newClient() queue.Client {
	switch {
	case t.grpc != nil:
		return grpcq.NewClient(t.grpc)
	case t.redis != nil:
		return redisq.NewClient(t.redis, t.redisOpts)
	default:
		return memq.NewClient(t.broker)
	}
}

func (t *transportConns) workerFactory() worker.ConnFactory {
	return func(context.Context, int) (queue.WorkerConn, error) {
		switch {
		case t.grpc != nil:
			return grpcq.NewWorker(t.grpc, t.pollTimeout), nil
		case t.redis != nil:
			return redisq.NewWorker(t.redis, t.redisOpts), nil
		default:
			return memq.NewWorker(t.broker, t.pollTimeout), nil
		}
	}
}

func (t *transportConns) close() {
	if t.grpc != nil {
		_ = t.grpc.Close()
	}
	if t.redis != nil {
		_ = t.redis.Close()
	}
}

func newExecutor(cfg *config.Config) (executor.Executor, error) {
	exec, err := executor.NewHTTPExecutor(cfg.Worker.BaseURL, cfg.Worker.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return exec, nil
}

func lookupCodec(cfg *config.Config) (codec.Codec, error) {
	c, err := codec.Lookup(cfg.Queue.Codec)
	if err != nil {
		return nil, fmt.Errorf("queue.codec: %w", err)
	}
	return c, nil
}
