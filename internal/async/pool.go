// ============================================================================
// Vitesse 非同步請求池 - TaskPool
// ============================================================================
//
// Package: internal/async
// 文件: pool.go
// 功能: 收集一批互相獨立的請求描述，交給分派驅動（Driver）執行
//
// 使用方式:
//   pool := async.New(async.Config{Driver: driver})
//   pool.Add(types.NewRequest("GET", "/users/1"))
//   pool.Add(types.NewRequest("GET", "/users/2"))
//   pool, err := pool.Execute(ctx)
//
// 生命週期:
//   1. New()     - 以型別化的 Config 建立（只接受 Driver 與 Requests）
//   2. Add()     - 依序加入請求，不檢查重複
//   3. Execute() - 未設定 Driver 時回傳 ConfigurationError；
//                  否則委派給 Driver，回傳同一個 pool
//
// 走訪:
//   - 游標式: Rewind / Valid / Current / Next / Key
//   - 迭代器: All() 回傳 iter.Seq2，可重複呼叫
//
// 並發:
//   Pool 本身不是並發安全的；同一個 pool 同時只能有一個 Execute 在執行，
//   重複進入時回傳 ConfigurationError。
//
// ============================================================================

package async

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

var (
	// ErrNoDriver 執行時沒有設定分派驅動
	ErrNoDriver = errors.New("no dispatch driver attached")
	// ErrPoolBusy 同一個 pool 已在執行中
	ErrPoolBusy = errors.New("pool is already executing")
)

// Driver executes every request of a pool and returns the pool with a
// response attached to each request, or a failure recorded for it. It must
// not return before every request reached a terminal outcome.
type Driver interface {
	Execute(ctx context.Context, p *Pool) (*Pool, error)
}

// Config is the complete set of construction options of a Pool.
type Config struct {
	Driver   Driver
	Requests []*types.Request
}

// Pool is an ordered batch of request descriptors.
type Pool struct {
	requests []*types.Request
	cursor   int
	driver   Driver
	running  atomic.Bool
}

// New creates a pool from cfg.
func New(cfg Config) *Pool {
	p := &Pool{driver: cfg.Driver}
	for _, req := range cfg.Requests {
		p.Add(req)
	}
	return p
}

// Add appends a request.
func (p *Pool) Add(req *types.Request) *Pool {
	p.requests = append(p.requests, req)
	return p
}

// Driver returns the attached driver, nil when none.
func (p *Pool) Driver() Driver {
	return p.driver
}

// SetDriver attaches d and returns the pool.
func (p *Pool) SetDriver(d Driver) *Pool {
	p.driver = d
	return p
}

// Execute hands the pool to its driver.
func (p *Pool) Execute(ctx context.Context) (*Pool, error) {
	if p.driver == nil {
		return p, &types.ConfigurationError{Op: "pool.execute", Reason: "cannot execute", Err: ErrNoDriver}
	}
	if !p.running.CompareAndSwap(false, true) {
		return p, &types.ConfigurationError{Op: "pool.execute", Reason: "cannot execute", Err: ErrPoolBusy}
	}
	defer p.running.Store(false)

	return p.driver.Execute(ctx, p)
}

// Count returns the number of requests, resolved or not.
func (p *Pool) Count() int {
	return len(p.requests)
}

// Requests returns the requests in insertion order. The slice is a copy;
// the requests are shared.
func (p *Pool) Requests() []*types.Request {
	out := make([]*types.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Rewind moves the cursor back to the first request.
func (p *Pool) Rewind() { p.cursor = 0 }

// Valid reports whether the cursor denotes an actual request.
func (p *Pool) Valid() bool {
	return p.cursor >= 0 && p.cursor < len(p.requests) && p.requests[p.cursor] != nil
}

// Current returns the request under the cursor, nil past the end.
func (p *Pool) Current() *types.Request {
	if p.cursor < 0 || p.cursor >= len(p.requests) {
		return nil
	}
	return p.requests[p.cursor]
}

// Key returns the cursor position.
func (p *Pool) Key() int { return p.cursor }

// Next advances the cursor.
func (p *Pool) Next() { p.cursor++ }

// All yields every request with its position, in insertion order. Each
// call starts over from the first request and leaves the cursor alone.
func (p *Pool) All() iter.Seq2[int, *types.Request] {
	return func(yield func(int, *types.Request) bool) {
		for i, req := range p.requests {
			if req == nil {
				continue
			}
			if !yield(i, req) {
				return
			}
		}
	}
}
