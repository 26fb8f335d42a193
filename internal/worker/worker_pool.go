// ============================================================================
// Vitesse Worker Pool - 多個 worker slot 的生命週期管理
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 啟動 N 個 Worker goroutine，每個擁有獨立的佇列連線
//
// 設計模式:
//   每個 slot 等同一個獨立的 worker 行程：
//   1. 透過 ConnFactory 建立自己的 queue.WorkerConn
//   2. 各自向佇列伺服器註冊並 Grab 任務
//   3. slot 之間不共享任何狀態，只共享 Executor
//
// 架構組件:
//   ┌──────────────┐
//   │ Job server   │
//   └──────────────┘
//      ↑   ↑   ↑      Grab / Send*
//   ┌──────────────┐
//   │   Pool       │
//   │  ┌────────┐  │
//   │  │Worker 0│──── conn 0
//   │  │Worker 1│──── conn 1
//   │  │Worker 2│──── conn 2
//   │  └────────┘  │
//   └──────────────┘
//
// 生命週期:
//   1. NewPool()   - 建立 Pool
//   2. Start(n)    - 建立 n 條連線並啟動 n 個 Worker
//   3. Wait()      - 等待所有 Worker 結束，回傳第一個非預期錯誤
//      Done()      - 所有 Worker 都結束時關閉的 channel
//   4. Stop()      - 取消 context、等待 Worker 完成手上的任務、關閉連線
//
// 並發控制:
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/vitesse/internal/executor"
	"github.com/ChuLiYu/vitesse/internal/queue"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再次啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ConnFactory 為每個 slot 建立一條佇列連線
type ConnFactory func(ctx context.Context, slot int) (queue.WorkerConn, error)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	factory ConnFactory
	exec    executor.Executor
	opts    Options
	logger  *zap.Logger

	workers []*Worker          // 已啟動的 Worker
	conns   []queue.WorkerConn // 與 workers 一一對應
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{} // wg 歸零後關閉
	errMu   sync.Mutex
	errs    []error // Worker 非預期結束的原因
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started 和 stopped 狀態
}

// NewPool 建立新的 Worker Pool
func NewPool(factory ConnFactory, exec executor.Executor, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		factory: factory,
		exec:    exec,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "worker-pool")),
		done:    make(chan struct{}),
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Start 建立 workerCount 條連線並啟動對應的 Worker
// 任一連線建立失敗時，已建立的連線全部關閉並回傳錯誤
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	conns := make([]queue.WorkerConn, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		conn, err := p.factory(ctx, i)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return fmt.Errorf("connect worker %d: %w", i, err)
		}
		conns = append(conns, conn)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.conns = conns

	for i, conn := range conns {
		w := New(i, conn, p.exec, p.opts)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(runCtx); err != nil {
				p.errMu.Lock()
				p.errs = append(p.errs, err)
				p.errMu.Unlock()
			}
		}(w)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.started = true
	p.logger.Info("worker pool started", zap.Int("slots", workerCount))
	return nil
}

// Wait 等待所有 Worker 結束，回傳它們非預期結束的原因
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

// Done 在所有 Worker 都結束後關閉；Pool 未啟動時永不關閉
//
// 用途：常駐行程在所有 slot 都停止時結束，讓行程管理器重新啟動它
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 取消 context，Worker 完成手上的任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉所有連線（佇列伺服器會把仍在執行的任務判定為 lost）
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for _, c := range p.conns {
		if err := c.Close(); err != nil {
			p.logger.Warn("close worker connection", zap.Error(err))
		}
	}
	p.logger.Info("worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
