package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加佇列伺服器的任務事件到日誌檔案（append-only，每行一筆 JSON）
// 2. 啟動時重放快照之後的事件，補回快照間隔內提交的任務
// 3. 快照完成後壓縮日誌，只保留快照尚未涵蓋的紀錄
// 4. 以 CRC32 校驗和偵測損壞；崩潰造成的殘缺尾行可略過
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/vitesse/internal/jobmanager"
)

// maxRecordSize 單筆紀錄上限，需容納最大的任務 workload
const maxRecordSize = 64 << 20

// Options WAL 設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都 flush 並 fsync
	BufferSize    int           // 緩衝區滿時 flush，預設 256
	FlushInterval time.Duration // 距上次 flush 超過此時間，下一次追加即 flush，預設 1s
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64 // 最後指派的序號
	opts    Options
	closed  bool

	buffer        []Record
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時，從最後一筆完整紀錄取得 seq 並繼續
- 最後一行殘缺（寫入途中崩潰）時截斷，之後的追加從完整紀錄後開始
- 以追加模式（O_APPEND）開啟
*/
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}

	var seq uint64
	err := scan(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	var corrupt *CorruptionError
	if err != nil {
		if !errors.As(err, &corrupt) || !corrupt.Tail {
			return nil, err
		}
		if err := os.Truncate(path, corrupt.Offset); err != nil {
			return nil, fmt.Errorf("truncate torn wal record: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Record, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一筆事件，回傳指派的序號
//
// 事件先進入緩衝區；緩衝區滿、超過 FlushInterval 或設定 SyncOnAppend 時寫入磁碟
func (w *WAL) Append(eventType EventType, handle string, job *jobmanager.Job) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	rec := Record{
		Seq:       w.seq + 1,
		Type:      eventType,
		Handle:    handle,
		Job:       job,
		Timestamp: time.Now().UnixMilli(),
	}
	sum, err := Checksum(rec)
	if err != nil {
		return 0, fmt.Errorf("encode wal record: %w", err)
	}
	rec.Checksum = sum

	w.seq = rec.Seq
	w.buffer = append(w.buffer, rec)

	if w.opts.SyncOnAppend || len(w.buffer) >= w.opts.BufferSize || time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		if err := w.flushLocked(); err != nil {
			return rec.Seq, err
		}
	}
	return rec.Seq, nil
}

// Flush 將緩衝區寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 依序重放序號大於 afterSeq 的紀錄
//
// 殘缺的尾行以 Tail=true 的 CorruptionError 回傳，之前的紀錄都已套用
func (w *WAL) Replay(afterSeq uint64, handler Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return scan(w.path, func(rec Record) error {
		if rec.Seq <= afterSeq {
			return nil
		}
		return handler(rec)
	})
}

// Compact 移除序號小於等於 uptoSeq 的紀錄（已被快照涵蓋）
//
// 以臨時檔案 + rename 原子性替換；殘缺的尾行一併丟棄
func (w *WAL) Compact(uptoSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	var keep []Record
	err := scan(w.path, func(rec Record) error {
		if rec.Seq > uptoSeq {
			keep = append(keep, rec)
		}
		return nil
	})
	var corrupt *CorruptionError
	if err != nil && !(errors.As(err, &corrupt) && corrupt.Tail) {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open compacted wal: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, rec := range keep {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write compacted wal: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync compacted wal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename compacted wal: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	return nil
}

// EnsureSeq 保證之後指派的序號大於 seq
//
// 用途：日誌壓縮成空檔案後重新啟動，序號不可落在快照的 LastSeq 之前
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// LastSeq 取得最後指派的序號
//
// 用途：快照時記錄 last_seq，恢復時知道從哪裡開始重放
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Close flush 後關閉 WAL，之後的操作回傳 ErrWALClosed
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, rec := range w.buffer {
		if err := w.encoder.Encode(rec); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// scan 逐行讀取 path 並驗證每筆紀錄；檔案不存在視為空日誌
//
// 一行無法解碼或校驗失敗時，若其後仍有紀錄則立即回傳錯誤；
// 若是最後一行則回傳 Tail=true，之前的紀錄都已交給 fn
func scan(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var pending *CorruptionError
	line := 0
	var offset int64
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		start := offset
		offset += int64(len(raw)) + 1
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			pending = &CorruptionError{Line: line, Offset: start, Cause: err}
			continue
		}
		if err := Verify(rec); err != nil {
			pending = &CorruptionError{Line: line, Offset: start, Cause: err}
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read wal: %w", err)
	}
	if pending != nil {
		pending.Tail = true
		return pending
	}
	return nil
}
