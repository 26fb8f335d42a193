// ============================================================================
// Vitesse Redis Queue Transport
// ============================================================================
//
// Package: internal/queue/redisq
// File: redisq.go
// Purpose: queue.Client and queue.WorkerConn sharing a Redis instance, no
//          job server process needed.
//
// Key layout (prefix defaults to "vitesse"):
//
//   {p}:queue:{context/function}:{prio}   LIST  handles, LPUSH / BRPOP
//   {p}:job:{handle}                       HASH  job record while alive
//   {p}:events:{clientID}                  LIST  encoded queue.Event, RPUSH / BLPOP
//   {p}:worker:{workerID}                  HASH  registration, expires
//   {p}:worker:{workerID}:jobs             SET   handles the worker holds
//   {p}:workers                            SET   index of worker IDs
//
// BRPOP checks its keys in order, so listing a worker's queues from high to
// low priority gives priority-then-FIFO order without a server.
//
// A handle popped by Grab that cannot be claimed is RPUSHed back onto the
// list it came from, so it is the next one popped. queue.job_timeout is not
// enforced here: there is no server process to run the sweep.
//
// ============================================================================

package redisq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/codec"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

const (
	DefaultPrefix      = "vitesse"
	DefaultPollTimeout = time.Second
	workerTTL          = 5 * time.Minute
	writeTimeout       = 2 * time.Second
)

const (
	statusQueued  = "queued"
	statusRunning = "running"
)

// ErrNotRegistered is returned by Grab before Register was called.
var ErrNotRegistered = errors.New("redisq: worker has not registered any function")

// Options configures both sides of the transport.
type Options struct {
	Prefix      string
	PollTimeout time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// NewRedisClient creates a go-redis client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})
}

type keys struct{ prefix string }

func (k keys) queue(routingKey string, p queue.Priority) string {
	return fmt.Sprintf("%s:queue:%s:%d", k.prefix, routingKey, p)
}
func (k keys) job(handle string) string      { return k.prefix + ":job:" + handle }
func (k keys) events(clientID string) string { return k.prefix + ":events:" + clientID }
func (k keys) worker(workerID string) string { return k.prefix + ":worker:" + workerID }
func (k keys) held(workerID string) string   { return k.prefix + ":worker:" + workerID + ":jobs" }
func (k keys) workers() string               { return k.prefix + ":workers" }

// ============================================================================
// Client
// ============================================================================

// Client is a queue.Client over Redis.
type Client struct {
	rdb     redis.UniversalClient
	keys    keys
	opts    Options
	id      string
	tracker *queue.Tracker
	log     *zap.Logger
}

var _ queue.Client = (*Client)(nil)

// NewClient creates a client with a fresh client ID.
func NewClient(rdb redis.UniversalClient, opts Options) *Client {
	opts = opts.withDefaults()
	id := "client-" + uuid.NewString()
	return &Client{
		rdb:     rdb,
		keys:    keys{opts.Prefix},
		opts:    opts,
		id:      id,
		tracker: queue.NewTracker(),
		log:     opts.Logger.With(zap.String("component", "redisq-client"), zap.String("client", id)),
	}
}

// ID returns the client ID events are routed to.
func (c *Client) ID() string { return c.id }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (c *Client) SetEventHandler(h queue.EventHandler) { c.tracker.SetHandler(h) }

func (c *Client) AddTask(function, label string, workload []byte, priority queue.Priority) (*queue.Task, error) {
	t := queue.NewTask(function, label, uuid.NewString(), workload, priority)
	c.tracker.Add(t)
	return t, nil
}

func (c *Client) RunTasks(ctx context.Context) error {
	defer c.tracker.Reset()
	return queue.RunLoop(ctx, c.tracker, transport{c})
}

func (c *Client) JobStatus(ctx context.Context, handle string) (types.JobStatus, error) {
	fields, err := c.rdb.HGetAll(ctx, c.keys.job(handle)).Result()
	if err != nil {
		return types.JobStatus{}, err
	}
	if len(fields) == 0 {
		return types.JobStatus{Handle: handle}, nil
	}
	num, _ := strconv.Atoi(fields["numerator"])
	den, _ := strconv.Atoi(fields["denominator"])
	return types.JobStatus{
		Handle:      handle,
		Known:       true,
		Running:     fields["status"] == statusRunning,
		Numerator:   num,
		Denominator: den,
	}, nil
}

func (c *Client) LastError() (int, string) { return c.tracker.LastError() }

// Close drops undelivered events of this client.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.rdb.Del(ctx, c.keys.events(c.id)).Err()
}

type transport struct{ c *Client }

func (tp transport) Submit(ctx context.Context, t *queue.Task) (string, error) {
	c := tp.c
	handle := "H:" + uuid.NewString()
	routingKey := queue.Key(t.Context(), t.Function())

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.job(handle), map[string]any{
			"unique":   t.Unique(),
			"function": t.Function(),
			"context":  t.Context(),
			"workload": t.Workload(),
			"client":   c.id,
			"status":   statusQueued,
		})
		pipe.LPush(ctx, c.keys.queue(routingKey, clampPriority(t.Priority())), handle)
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.Debug("job submitted", zap.String("handle", handle), zap.String("key", routingKey))
	return handle, nil
}

func (tp transport) NextEvent(ctx context.Context) (queue.Event, error) {
	c := tp.c
	for {
		res, err := c.rdb.BLPop(ctx, c.opts.PollTimeout, c.keys.events(c.id)).Result()
		if ctx.Err() != nil {
			return queue.Event{}, ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return queue.Event{}, err
		}
		var ev queue.Event
		if err := codec.JSON().Unmarshal([]byte(res[1]), &ev); err != nil {
			c.log.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		return ev, nil
	}
}

func clampPriority(p queue.Priority) queue.Priority {
	return max(queue.PriorityLow, min(p, queue.PriorityHigh))
}

// ============================================================================
// Worker
// ============================================================================

// Worker is a queue.WorkerConn over Redis.
type Worker struct {
	rdb    redis.UniversalClient
	keys   keys
	opts   Options
	id     string
	routes []string
	queues []string // 依優先權由高至低排列
	log    *zap.Logger
}

var _ queue.WorkerConn = (*Worker)(nil)

// NewWorker creates a worker connection with a fresh worker ID.
func NewWorker(rdb redis.UniversalClient, opts Options) *Worker {
	opts = opts.withDefaults()
	id := "worker-" + uuid.NewString()
	return &Worker{
		rdb:  rdb,
		keys: keys{opts.Prefix},
		opts: opts,
		id:   id,
		log:  opts.Logger.With(zap.String("component", "redisq-worker"), zap.String("worker", id)),
	}
}

// ID returns the worker ID.
func (w *Worker) ID() string { return w.id }

// Register records the worker in Redis and adds the routing key to the
// lists Grab waits on. Registering again refreshes the registration.
func (w *Worker) Register(ctx context.Context, function, label string) error {
	routingKey := queue.Key(label, function)

	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, w.keys.worker(w.id), map[string]any{
			"worker_id": w.id,
			"last_seen": time.Now().UnixMilli(),
			routingKey:  1,
		})
		pipe.Expire(ctx, w.keys.worker(w.id), workerTTL)
		pipe.SAdd(ctx, w.keys.workers(), w.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if !slices.Contains(w.routes, routingKey) {
		w.routes = append(w.routes, routingKey)
		w.queues = w.orderedQueues(w.routes)
	}
	return nil
}

func (w *Worker) orderedQueues(routingKeys []string) []string {
	out := make([]string, 0, len(routingKeys)*3)
	for p := queue.PriorityHigh; p >= queue.PriorityLow; p-- {
		for _, rk := range routingKeys {
			out = append(out, w.keys.queue(rk, p))
		}
	}
	return out
}

func (w *Worker) Grab(ctx context.Context) (queue.Job, queue.ReturnCode, error) {
	if len(w.queues) == 0 {
		return nil, queue.ReturnError, ErrNotRegistered
	}

	res, err := w.rdb.BRPop(ctx, w.opts.PollTimeout, w.queues...).Result()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, queue.ReturnShutdown, ctx.Err()
		case errors.Is(err, redis.Nil):
			return nil, queue.ReturnNoJobs, nil
		case errors.Is(err, redis.ErrClosed):
			return nil, queue.ReturnShutdown, err
		default:
			return nil, queue.ReturnNoActiveFDs, err
		}
	}
	src, handle := res[0], res[1]

	// 從這裡開始 handle 已離開佇列，失敗時必須放回
	if ctx.Err() != nil {
		w.requeue(src, handle, false)
		return nil, queue.ReturnShutdown, ctx.Err()
	}

	fields, err := w.rdb.HGetAll(ctx, w.keys.job(handle)).Result()
	if err != nil {
		w.requeue(src, handle, false)
		return nil, queue.ReturnNoActiveFDs, err
	}
	if len(fields) == 0 {
		// 任務紀錄已不存在
		w.log.Warn("dropping handle without job record", zap.String("handle", handle))
		return nil, queue.ReturnIOWait, nil
	}

	_, err = w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, w.keys.job(handle), "status", statusRunning, "worker", w.id)
		pipe.SAdd(ctx, w.keys.held(w.id), handle)
		return nil
	})
	if err != nil {
		w.requeue(src, handle, true)
		return nil, queue.ReturnNoActiveFDs, err
	}

	return &job{
		w:        w,
		handle:   handle,
		unique:   fields["unique"],
		function: fields["function"],
		client:   fields["client"],
		workload: []byte(fields["workload"]),
	}, queue.ReturnSuccess, nil
}

// requeue puts a popped handle back at the pop end of src. It uses its own
// deadline because the Grab ctx may already be done. claimed undoes the
// running mark of a partially applied claim.
func (w *Worker) requeue(src, handle string, claimed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.rdb.RPush(ctx, src, handle).Err(); err != nil {
		w.log.Error("lost popped handle", zap.String("handle", handle), zap.String("queue", src), zap.Error(err))
		return
	}
	if claimed {
		// 盡力而為：紀錄或 held 集合可能正是失敗的原因
		w.rdb.HSet(ctx, w.keys.job(handle), "status", statusQueued)
		w.rdb.HDel(ctx, w.keys.job(handle), "worker")
		w.rdb.SRem(ctx, w.keys.held(w.id), handle)
	}
	w.log.Warn("returned handle to queue", zap.String("handle", handle), zap.String("queue", src))
}

// Close fails every job the worker still holds with ErrnoLostConnection and
// removes its registration.
func (w *Worker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handles, err := w.rdb.SMembers(ctx, w.keys.held(w.id)).Result()
	if err != nil {
		return err
	}
	for _, handle := range handles {
		client, err := w.rdb.HGet(ctx, w.keys.job(handle), "client").Result()
		if err != nil {
			continue
		}
		j := &job{w: w, handle: handle, client: client}
		unique, _ := w.rdb.HGet(ctx, w.keys.job(handle), "unique").Result()
		j.unique = unique
		msg := fmt.Sprintf("worker %s disconnected", w.id)
		if err := j.finish(ctx, queue.Event{Type: queue.EventFail, Code: queue.ErrnoLostConnection, Message: msg}); err != nil {
			w.log.Warn("unable to fail held job", zap.String("handle", handle), zap.Error(err))
		}
	}

	return w.rdb.Del(ctx, w.keys.worker(w.id), w.keys.held(w.id)).Err()
}

type job struct {
	w        *Worker
	handle   string
	unique   string
	function string
	client   string
	workload []byte
}

func (j *job) Handle() string   { return j.handle }
func (j *job) Unique() string   { return j.unique }
func (j *job) Function() string { return j.function }
func (j *job) Workload() []byte { return j.workload }

func (j *job) encode(ev queue.Event) ([]byte, error) {
	ev.Handle, ev.Unique = j.handle, j.unique
	return codec.JSON().Marshal(ev)
}

// push delivers a non-terminal event.
func (j *job) push(ctx context.Context, ev queue.Event) error {
	data, err := j.encode(ev)
	if err != nil {
		return err
	}
	return j.w.rdb.RPush(ctx, j.w.keys.events(j.client), data).Err()
}

// finish delivers a terminal event and forgets the job.
func (j *job) finish(ctx context.Context, ev queue.Event) error {
	data, err := j.encode(ev)
	if err != nil {
		return err
	}
	_, err = j.w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, j.w.keys.events(j.client), data)
		pipe.Del(ctx, j.w.keys.job(j.handle))
		pipe.SRem(ctx, j.w.keys.held(j.w.id), j.handle)
		return nil
	})
	return err
}

func (j *job) SendStatus(ctx context.Context, numerator, denominator int) error {
	if err := j.w.rdb.HSet(ctx, j.w.keys.job(j.handle), "numerator", numerator, "denominator", denominator).Err(); err != nil {
		return err
	}
	return j.push(ctx, queue.Event{Type: queue.EventStatus, Numerator: numerator, Denominator: denominator})
}

func (j *job) SendData(ctx context.Context, data []byte) error {
	return j.push(ctx, queue.Event{Type: queue.EventData, Data: data})
}

func (j *job) SendComplete(ctx context.Context, data []byte) error {
	return j.finish(ctx, queue.Event{Type: queue.EventComplete, Data: data})
}

func (j *job) SendFail(ctx context.Context) error {
	return j.finish(ctx, queue.Event{Type: queue.EventFail, Code: queue.ErrnoServerError, Message: "worker reported failure"})
}

func (j *job) SendException(ctx context.Context, code int, message string) error {
	return j.finish(ctx, queue.Event{Type: queue.EventException, Code: code, Message: message})
}
