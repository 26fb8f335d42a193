// ============================================================================
// Vitesse 任務管理器 - 工作伺服器端的任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理佇列伺服器上每個任務（job）的生命週期與優先權佇列
//
// 設計理念:
//   1. jobs map - 所有存活任務的單一真實來源 (Single Source of Truth)
//   2. queues   - 以 (context, function) 路由鍵分組，每組依優先權分三條 FIFO
//   3. running  - 已被 worker 取走的任務索引，用於逾時與 worker 斷線處理
//
// 任務狀態轉換 (State Machine):
//   Queued (排隊中)
//      ↓ PopPending()
//   Running (執行中)
//      ↓ MarkCompleted() / MarkFailed()
//   Completed / Failed (終止，從 jobs 中移除)
//
//   終止的任務不再保留：佇列伺服器對已結束的任務回報 Known=false，
//   與原生工作佇列的行為一致。只保留計數供 Stats() 使用。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 回傳值一律為副本，呼叫端不會持有內部指標
//
// 快照支持:
//   - Snapshot() - 匯出尚未結束的任務（執行中的任務以排隊狀態匯出）
//   - Restore()  - 從快照恢復排隊任務
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/vitesse/internal/queue"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 handle 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在執行中狀態
	ErrNotRunning = errors.New("job not running")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// JobStatus 伺服器端任務狀態
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"    // 排隊中：等待 worker 取走
	StatusRunning   JobStatus = "running"   // 執行中：已被 worker 取走
	StatusCompleted JobStatus = "completed" // 完成：worker 回報成功
	StatusFailed    JobStatus = "failed"    // 失敗：worker 回報失敗、例外，或逾時
)

// Job 佇列伺服器上的任務
type Job struct {
	Handle   string         `json:"handle"`   // 伺服器指派的任務 handle
	Unique   string         `json:"unique"`   // 客戶端產生的關聯識別碼
	Function string         `json:"function"` // 任務類型，例如 request_async
	Context  string         `json:"context"`  // 應用程式 context 標籤
	Priority queue.Priority `json:"priority"`
	Workload []byte         `json:"workload"`
	ClientID string         `json:"client_id"` // 提交此任務的客戶端，事件回送對象

	Status      JobStatus `json:"status"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Numerator   int       `json:"numerator"`
	Denominator int       `json:"denominator"`

	CreatedAt int64  `json:"created_at"`            // Unix 毫秒
	UpdatedAt int64  `json:"updated_at"`            // Unix 毫秒
	Deadline  *int64 `json:"deadline_ms,omitempty"` // 執行截止時間（Unix 毫秒）
}

// Key returns the routing key of the job.
func (j *Job) Key() string {
	return queue.Key(j.Context, j.Function)
}

// SnapshotData 快照資料
type SnapshotData struct {
	Jobs      []*Job `json:"jobs"`
	LastSeq   uint64 `json:"last_seq"` // 快照涵蓋的最後一筆 WAL 序號
	SchemaVer int    `json:"schema_ver"`
}

// Manager 任務管理器
type Manager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job         // handle -> job，只包含未終止的任務
	queues    map[string]*[3][]string // 路由鍵 -> 依優先權分組的 handle 佇列
	running   map[string]*Job         // 執行中任務索引
	completed int                     // 已完成任務計數
	failed    int                     // 失敗任務計數
}

// NewManager 建立新的任務管理器實例
func NewManager() *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		queues:  make(map[string]*[3][]string),
		running: make(map[string]*Job),
	}
}

// Enqueue 將新任務加入排隊，handle 必須唯一
func (m *Manager) Enqueue(job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.Handle]; exists {
		return ErrDuplicateJob
	}

	now := time.Now().UnixMilli()
	job.Status = StatusQueued
	job.WorkerID = ""
	job.Deadline = nil
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	m.jobs[job.Handle] = &job
	m.push(&job)
	return nil
}

func (m *Manager) push(job *Job) {
	q, ok := m.queues[job.Key()]
	if !ok {
		q = &[3][]string{}
		m.queues[job.Key()] = q
	}
	p := clampPriority(job.Priority)
	q[p] = append(q[p], job.Handle)
}

func clampPriority(p queue.Priority) queue.Priority {
	if p < queue.PriorityLow {
		return queue.PriorityLow
	}
	if p > queue.PriorityHigh {
		return queue.PriorityHigh
	}
	return p
}

// PopPending 取出第一個可執行的任務並標記為執行中
// 依優先權由高至低掃描 keys 對應的佇列；沒有任務時回傳 nil
func (m *Manager) PopPending(keys []string, workerID string, deadline time.Time) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := queue.PriorityHigh; p >= queue.PriorityLow; p-- {
		for _, key := range keys {
			q, ok := m.queues[key]
			if !ok {
				continue
			}
			for len(q[p]) > 0 {
				handle := q[p][0]
				q[p] = q[p][1:]

				job, exists := m.jobs[handle]
				if !exists || job.Status != StatusQueued {
					continue // 已被移除的任務
				}

				now := time.Now().UnixMilli()
				job.Status = StatusRunning
				job.WorkerID = workerID
				job.UpdatedAt = now
				if !deadline.IsZero() {
					deadlineMs := deadline.UnixMilli()
					job.Deadline = &deadlineMs
				}
				m.running[handle] = job

				out := *job
				return &out
			}
		}
	}
	return nil
}

// UpdateProgress 更新執行中任務的進度
func (m *Manager) UpdateProgress(handle string, numerator, denominator int) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.runningJob(handle)
	if err != nil {
		return Job{}, err
	}
	job.Numerator = numerator
	job.Denominator = denominator
	job.UpdatedAt = time.Now().UnixMilli()
	return *job, nil
}

// Running returns a copy of a running job, used to route non-terminal events.
func (m *Manager) Running(handle string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, err := m.runningJob(handle)
	if err != nil {
		return Job{}, err
	}
	return *job, nil
}

func (m *Manager) runningJob(handle string) (*Job, error) {
	job, exists := m.jobs[handle]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != StatusRunning {
		return nil, ErrNotRunning
	}
	return job, nil
}

// MarkCompleted 將執行中任務標記為完成並移除
func (m *Manager) MarkCompleted(handle string) (Job, error) {
	return m.finish(handle, StatusCompleted)
}

// MarkFailed 將執行中任務標記為失敗並移除
func (m *Manager) MarkFailed(handle string) (Job, error) {
	return m.finish(handle, StatusFailed)
}

func (m *Manager) finish(handle string, status JobStatus) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.runningJob(handle)
	if err != nil {
		return Job{}, err
	}

	job.Status = status
	job.Deadline = nil
	job.UpdatedAt = time.Now().UnixMilli()

	delete(m.running, handle)
	delete(m.jobs, handle)
	if status == StatusCompleted {
		m.completed++
	} else {
		m.failed++
	}
	return *job, nil
}

// Discard 移除任務（不論狀態），不計入完成或失敗統計
// 用於重放 WAL 的 FINISH 紀錄；任務不存在時回傳 false
func (m *Manager) Discard(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[handle]; !exists {
		return false
	}
	delete(m.running, handle)
	delete(m.jobs, handle)
	return true
}

// Get 取得任務副本
func (m *Manager) Get(handle string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[handle]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// GetExpiredJobs 取得已超過截止時間的執行中任務
func (m *Manager) GetExpiredJobs(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	nowMs := now.UnixMilli()
	for handle, job := range m.running {
		if job.Deadline != nil && *job.Deadline < nowMs {
			expired = append(expired, handle)
		}
	}
	sort.Strings(expired)
	return expired
}

// RunningBy 取得指定 worker 正在執行的任務
func (m *Manager) RunningBy(workerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var handles []string
	for handle, job := range m.running {
		if job.WorkerID == workerID {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles
}

// Stats 統計各狀態的任務數量
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"queued":    len(m.jobs) - len(m.running),
		"running":   len(m.running),
		"completed": m.completed,
		"failed":    m.failed,
	}
}

// Snapshot 匯出所有未終止任務，依建立時間排序以保持 FIFO
func (m *Manager) Snapshot() SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobCopy := *job
		if jobCopy.Status == StatusRunning {
			// worker 不會跨越重新啟動，執行中任務以排隊狀態保存
			jobCopy.Status = StatusQueued
			jobCopy.WorkerID = ""
			jobCopy.Deadline = nil
		}
		jobs = append(jobs, &jobCopy)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt == jobs[k].CreatedAt {
			return jobs[i].Handle < jobs[k].Handle
		}
		return jobs[i].CreatedAt < jobs[k].CreatedAt
	})

	return SnapshotData{Jobs: jobs, SchemaVer: 1}
}

// Restore 從快照恢復，覆蓋目前狀態
func (m *Manager) Restore(data SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*Job, len(data.Jobs))
	m.queues = make(map[string]*[3][]string)
	m.running = make(map[string]*Job)

	for _, j := range data.Jobs {
		job := *j
		job.Status = StatusQueued
		job.WorkerID = ""
		job.Deadline = nil
		m.jobs[job.Handle] = &job
		m.push(&job)
	}
}
