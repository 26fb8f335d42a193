// ============================================================================
// Vitesse Broker - 佇列伺服器核心
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
// 功能: 接收客戶端提交的任務、分派給 worker、把 worker 回報的事件送回
//       提交任務的客戶端
//
// 架構:
//
//   Client ──Submit()──▶ jobmanager (依路由鍵與優先權排隊)
//                             │
//   Worker ◀──Grab()──────────┘  (長輪詢，有新任務時喚醒)
//      │
//      └─Work*()──▶ mailbox[clientID] ──NextEvent()──▶ Client
//
// 任務事件:
//   - WorkStatus / WorkData      非終止事件
//   - WorkComplete / WorkFail / WorkException  終止事件，任務自管理器移除
//
// 失敗偵測:
//   - 任務執行超過 JobTimeout → EventFail (ErrnoTimeout)
//   - Worker 斷線（WorkerGone）時手上的任務 → EventFail (ErrnoLostConnection)
//
// 持久化:
//   設定 Snapshot 時，Run() 定期及結束時寫入快照；Restore() 於啟動時載入。
//   設定 Journal 時，提交與結束事件先寫入 WAL；Restore() 重放快照之後的
//   紀錄，寫入快照後壓縮 WAL。
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/jobmanager"
	"github.com/ChuLiYu/vitesse/internal/metrics"
	"github.com/ChuLiYu/vitesse/internal/queue"
	"github.com/ChuLiYu/vitesse/internal/snapshot"
	"github.com/ChuLiYu/vitesse/internal/storage/wal"
	"github.com/ChuLiYu/vitesse/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 佇列伺服器已關閉
	ErrClosed = errors.New("broker is closed")
	// ErrUnknownWorker worker 尚未註冊任何 function
	ErrUnknownWorker = errors.New("worker has not registered any function")
	// ErrUnknownJob 任務不存在或不在執行中
	ErrUnknownJob = errors.New("job is not running")
)

// Options 佇列伺服器設定
type Options struct {
	JobTimeout       time.Duration // 0 表示不限制
	SnapshotInterval time.Duration // 0 表示只在結束時寫入
	Snapshot         *snapshot.Manager
	Journal          *wal.WAL // 由呼叫端開啟與關閉
	Logger           *zap.Logger
	Metrics          *metrics.Collector
}

// Broker 佇列伺服器
type Broker struct {
	jobs *jobmanager.Manager
	opts Options
	log  *zap.Logger

	// persistMu 讓「寫入 WAL + 變更任務」對快照而言是原子的
	persistMu sync.RWMutex

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	workers   map[string][]string // workerID -> 路由鍵
	wake      chan struct{}       // 有新任務時關閉並替換
	closed    bool
	closeCh   chan struct{}
}

// New 建立佇列伺服器
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broker{
		jobs:      jobmanager.NewManager(),
		opts:      opts,
		log:       opts.Logger.With(zap.String("component", "broker")),
		mailboxes: make(map[string]*mailbox),
		workers:   make(map[string][]string),
		wake:      make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
}

// ============================================================================
// 客戶端
// ============================================================================

// Submit 提交任務，回傳伺服器指派的 handle
func (b *Broker) Submit(clientID, function, label, unique string, priority queue.Priority, workload []byte) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	if unique == "" {
		unique = uuid.NewString()
	}
	handle := "H:" + uuid.NewString()
	job := jobmanager.Job{
		Handle:    handle,
		Unique:    unique,
		Function:  function,
		Context:   label,
		Priority:  priority,
		Workload:  workload,
		ClientID:  clientID,
		CreatedAt: time.Now().UnixMilli(),
	}

	b.persistMu.RLock()
	err := b.journal(wal.EventSubmit, handle, &job)
	if err == nil {
		err = b.jobs.Enqueue(job)
	}
	b.persistMu.RUnlock()
	if err != nil {
		return "", err
	}

	b.log.Debug("job submitted",
		zap.String("handle", handle),
		zap.String("client", clientID),
		zap.String("key", queue.Key(label, function)),
		zap.Stringer("priority", priority),
	)
	b.notifyWorkers()
	b.updateStats()
	return handle, nil
}

// NextEvent 阻塞直到 clientID 有新事件
func (b *Broker) NextEvent(ctx context.Context, clientID string) (queue.Event, error) {
	mb := b.mailbox(clientID)
	for {
		if ev, ok := mb.pop(); ok {
			return ev, nil
		}
		select {
		case <-mb.notify:
		case <-ctx.Done():
			return queue.Event{}, ctx.Err()
		case <-b.closeCh:
			return queue.Event{}, ErrClosed
		}
	}
}

// ReleaseClient 丟棄客戶端尚未讀取的事件
func (b *Broker) ReleaseClient(clientID string) {
	b.mu.Lock()
	delete(b.mailboxes, clientID)
	b.mu.Unlock()
}

// Ping 檢查佇列伺服器是否仍在運作
func (b *Broker) Ping() error {
	if b.isClosed() {
		return ErrClosed
	}
	return nil
}

// Status 查詢任務的原生狀態；已結束的任務回報 Known=false
func (b *Broker) Status(handle string) types.JobStatus {
	job, ok := b.jobs.Get(handle)
	if !ok {
		return types.JobStatus{Handle: handle}
	}
	return types.JobStatus{
		Handle:      handle,
		Known:       true,
		Running:     job.Status == jobmanager.StatusRunning,
		Numerator:   job.Numerator,
		Denominator: job.Denominator,
	}
}

// Stats 各狀態任務數量
func (b *Broker) Stats() map[string]int {
	return b.jobs.Stats()
}

// ============================================================================
// Worker
// ============================================================================

// RegisterWorker 登記 worker 可以處理 (function, context)
func (b *Broker) RegisterWorker(workerID, function, label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	key := queue.Key(label, function)
	for _, k := range b.workers[workerID] {
		if k == key {
			return nil
		}
	}
	b.workers[workerID] = append(b.workers[workerID], key)
	b.log.Info("worker registered", zap.String("worker", workerID), zap.String("key", key))
	return nil
}

// Grab 取得下一個任務，最多等待 wait；逾時回傳 nil
func (b *Broker) Grab(ctx context.Context, workerID string, wait time.Duration) (*jobmanager.Job, error) {
	b.mu.Lock()
	keys, ok := b.workers[workerID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownWorker
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// 先取得喚醒 channel 再檢查佇列，避免遺漏通知
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		wake := b.wake
		b.mu.Unlock()

		var deadline time.Time
		if b.opts.JobTimeout > 0 {
			deadline = time.Now().Add(b.opts.JobTimeout)
		}
		if job := b.jobs.PopPending(keys, workerID, deadline); job != nil {
			b.updateStats()
			return job, nil
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closeCh:
			return nil, ErrClosed
		}
	}
}

// WorkStatus 回報進度
func (b *Broker) WorkStatus(handle string, numerator, denominator int) error {
	job, err := b.jobs.UpdateProgress(handle, numerator, denominator)
	if err != nil {
		return b.unknownJob(handle, err)
	}
	b.deliver(job, queue.Event{Type: queue.EventStatus, Numerator: numerator, Denominator: denominator})
	return nil
}

// WorkData 回傳部分資料
func (b *Broker) WorkData(handle string, data []byte) error {
	job, err := b.jobs.Running(handle)
	if err != nil {
		return b.unknownJob(handle, err)
	}
	b.deliver(job, queue.Event{Type: queue.EventData, Data: data})
	return nil
}

// WorkComplete 任務成功結束
func (b *Broker) WorkComplete(handle string, data []byte) error {
	job, err := b.finish(handle, b.jobs.MarkCompleted)
	if err != nil {
		return b.unknownJob(handle, err)
	}
	b.deliver(job, queue.Event{Type: queue.EventComplete, Data: data})
	b.updateStats()
	return nil
}

// WorkFail 任務以佇列層級失敗結束
func (b *Broker) WorkFail(handle string) error {
	return b.fail(handle, queue.ErrnoServerError, "worker reported failure")
}

// WorkException 任務以應用程式例外結束
func (b *Broker) WorkException(handle string, code int, message string) error {
	job, err := b.finish(handle, b.jobs.MarkFailed)
	if err != nil {
		return b.unknownJob(handle, err)
	}
	b.deliver(job, queue.Event{Type: queue.EventException, Code: code, Message: message})
	b.updateStats()
	return nil
}

// WorkerGone 註銷 worker，並讓它手上的任務以 ErrnoLostConnection 失敗
func (b *Broker) WorkerGone(workerID string) {
	b.mu.Lock()
	delete(b.workers, workerID)
	b.mu.Unlock()

	for _, handle := range b.jobs.RunningBy(workerID) {
		msg := fmt.Sprintf("worker %s disconnected", workerID)
		if err := b.fail(handle, queue.ErrnoLostConnection, msg); err == nil {
			b.log.Warn("job lost with worker", zap.String("handle", handle), zap.String("worker", workerID))
		}
	}
}

func (b *Broker) fail(handle string, errno int, message string) error {
	job, err := b.finish(handle, b.jobs.MarkFailed)
	if err != nil {
		return b.unknownJob(handle, err)
	}
	b.deliver(job, queue.Event{Type: queue.EventFail, Code: errno, Message: message})
	b.updateStats()
	return nil
}

// finish 結束任務並記錄 FINISH；WAL 寫入失敗只記錄警告，
// 重新啟動後該任務會再次排隊
func (b *Broker) finish(handle string, mark func(string) (jobmanager.Job, error)) (jobmanager.Job, error) {
	b.persistMu.RLock()
	defer b.persistMu.RUnlock()

	job, err := mark(handle)
	if err != nil {
		return job, err
	}
	if err := b.journal(wal.EventFinish, handle, nil); err != nil {
		b.log.Warn("journal finish failed", zap.String("handle", handle), zap.Error(err))
	}
	return job, nil
}

func (b *Broker) journal(t wal.EventType, handle string, job *jobmanager.Job) error {
	if b.opts.Journal == nil {
		return nil
	}
	if _, err := b.opts.Journal.Append(t, handle, job); err != nil {
		return fmt.Errorf("journal %s: %w", t, err)
	}
	return nil
}

func (b *Broker) unknownJob(handle string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnknownJob, handle, err)
}

// ============================================================================
// 背景工作
// ============================================================================

// Restore 從快照載入排隊中的任務，再重放快照之後的 WAL 紀錄
func (b *Broker) Restore() error {
	var lastSeq uint64
	if b.opts.Snapshot != nil {
		data, err := b.opts.Snapshot.Load()
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		b.jobs.Restore(data)
		lastSeq = data.LastSeq
		b.log.Info("snapshot restored", zap.Int("jobs", len(data.Jobs)), zap.String("path", b.opts.Snapshot.Path()))
	}

	if b.opts.Journal != nil {
		b.opts.Journal.EnsureSeq(lastSeq)
		if err := b.replay(lastSeq); err != nil {
			return err
		}
	}

	b.notifyWorkers()
	b.updateStats()
	return nil
}

// replay 套用序號大於 afterSeq 的紀錄；重複的提交與未知任務的結束都會略過
func (b *Broker) replay(afterSeq uint64) error {
	submitted, finished := 0, 0
	err := b.opts.Journal.Replay(afterSeq, func(rec wal.Record) error {
		switch rec.Type {
		case wal.EventSubmit:
			if rec.Job == nil {
				return fmt.Errorf("journal seq %d: submit without job", rec.Seq)
			}
			if err := b.jobs.Enqueue(*rec.Job); err != nil && !errors.Is(err, jobmanager.ErrDuplicateJob) {
				return err
			}
			submitted++
		case wal.EventFinish:
			if b.jobs.Discard(rec.Handle) {
				finished++
			}
		}
		return nil
	})

	var corrupt *wal.CorruptionError
	if errors.As(err, &corrupt) && corrupt.Tail {
		b.log.Warn("journal ends with a torn record", zap.Int("line", corrupt.Line), zap.Error(corrupt.Cause))
		err = nil
	}
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	b.log.Info("journal replayed",
		zap.Uint64("after_seq", afterSeq),
		zap.Int("submitted", submitted),
		zap.Int("finished", finished),
		zap.String("path", b.opts.Journal.Path()),
	)
	return nil
}

// Run 執行逾時檢查與定期快照，直到 ctx 結束
func (b *Broker) Run(ctx context.Context) error {
	sweep := time.Second
	if b.opts.JobTimeout > 0 && b.opts.JobTimeout/4 < sweep {
		sweep = max(b.opts.JobTimeout/4, 10*time.Millisecond)
	}
	sweepTicker := time.NewTicker(sweep)
	defer sweepTicker.Stop()

	var snapC <-chan time.Time
	if b.opts.Snapshot != nil && b.opts.SnapshotInterval > 0 {
		snapTicker := time.NewTicker(b.opts.SnapshotInterval)
		defer snapTicker.Stop()
		snapC = snapTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return b.writeSnapshot()
		case now := <-sweepTicker.C:
			b.ExpireJobs(now)
			if b.opts.Journal != nil {
				if err := b.opts.Journal.Flush(); err != nil {
					b.log.Error("journal flush failed", zap.Error(err))
				}
			}
		case <-snapC:
			if err := b.writeSnapshot(); err != nil {
				b.log.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}

// ExpireJobs 讓超過截止時間的任務以 ErrnoTimeout 失敗
func (b *Broker) ExpireJobs(now time.Time) int {
	n := 0
	for _, handle := range b.jobs.GetExpiredJobs(now) {
		if err := b.fail(handle, queue.ErrnoTimeout, "job exceeded its timeout"); err == nil {
			b.log.Warn("job timed out", zap.String("handle", handle))
			n++
		}
	}
	return n
}

// writeSnapshot 寫入快照並壓縮 WAL；沒有快照時只 flush WAL
func (b *Broker) writeSnapshot() error {
	if b.opts.Snapshot == nil {
		if b.opts.Journal != nil {
			return b.opts.Journal.Flush()
		}
		return nil
	}

	b.persistMu.Lock()
	data := b.jobs.Snapshot()
	data.LastSeq = b.opts.Journal.LastSeq()
	b.persistMu.Unlock()

	if err := b.opts.Snapshot.Write(data); err != nil {
		return err
	}
	if b.opts.Journal != nil {
		if err := b.opts.Journal.Compact(data.LastSeq); err != nil {
			return fmt.Errorf("compact journal: %w", err)
		}
	}
	return nil
}

// Close 關閉佇列伺服器，喚醒所有等待中的呼叫
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
}

// ============================================================================
// 內部輔助
// ============================================================================

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) notifyWorkers() {
	b.mu.Lock()
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

func (b *Broker) updateStats() {
	stats := b.jobs.Stats()
	b.opts.Metrics.UpdateBrokerStats(stats["queued"], stats["running"])
}

func (b *Broker) mailbox(clientID string) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[clientID]
	if !ok {
		mb = newMailbox()
		b.mailboxes[clientID] = mb
	}
	return mb
}

func (b *Broker) deliver(job jobmanager.Job, ev queue.Event) {
	ev.Handle = job.Handle
	ev.Unique = job.Unique
	b.mailbox(job.ClientID).push(ev)
}

// mailbox 單一客戶端的事件佇列，無上限
type mailbox struct {
	mu     sync.Mutex
	events []queue.Event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev queue.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (queue.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return queue.Event{}, false
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, true
}
