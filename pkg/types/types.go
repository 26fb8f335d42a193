// Package types 定義了 vitesse 非同步請求分派系統中使用的核心領域模型
package types

import (
	"fmt"
	"net/http"
)

// CorrelationID 請求與佇列任務之間的關聯識別碼
// 每個請求在提交時產生一個，於一次 Execute 呼叫期間與請求一一對應
type CorrelationID string

// Request 請求描述（RequestDescriptor），由呼叫端建立，執行後填入 Response
type Request struct {
	Method  string            `json:"method" cbor:"method" validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Target  string            `json:"target" cbor:"target" validate:"required"`
	Headers map[string]string `json:"headers,omitempty" cbor:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty" cbor:"body,omitempty"`

	// Response is filled once the request has been executed somewhere.
	Response *Response `json:"response,omitempty" cbor:"response,omitempty"`
}

// NewRequest builds a request descriptor for method and target.
func NewRequest(method, target string) *Request {
	return &Request{
		Method:  method,
		Target:  target,
		Headers: make(map[string]string),
	}
}

// Header sets a request header and returns the request for chaining.
func (r *Request) Header(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[http.CanonicalHeaderKey(key)] = value
	return r
}

// String renders the request line, used in logs.
func (r *Request) String() string {
	return r.Method + " " + r.Target
}

// Response 請求執行結果
type Response struct {
	Status  int               `json:"status" cbor:"status"`
	Headers map[string]string `json:"headers,omitempty" cbor:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty" cbor:"body,omitempty"`
}

// Header sets a response header and returns the response for chaining.
func (r *Response) Header(key, value string) *Response {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[http.CanonicalHeaderKey(key)] = value
	return r
}

// ============================================================================
// 任務狀態
// ============================================================================

// TaskState 分派端的任務狀態
type TaskState string

// 定義任務狀態常數
const (
	StatePending   TaskState = "pending"   // 已提交，尚未收到終止事件
	StateSucceeded TaskState = "succeeded" // 收到 complete 事件
	StateFailed    TaskState = "failed"    // 收到 fail 或 exception 事件
)

// Terminal reports whether no further transitions may happen.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobStatus mirrors the queue's native job status. It is passed through
// to callers untouched.
type JobStatus struct {
	Handle      string `json:"handle"`
	Known       bool   `json:"known"`       // the queue still knows about the job
	Running     bool   `json:"running"`     // a worker has grabbed the job
	Numerator   int    `json:"numerator"`   // last progress reported by the worker
	Denominator int    `json:"denominator"` // 0 when no progress was reported
}

// ============================================================================
// 錯誤模型
// ============================================================================

// ErrorKind 錯誤分類
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"   // 佇列層級的傳輸失敗
	KindApplication ErrorKind = "application" // worker 端執行請求時拋出的錯誤
)

// CodeSerialization is the application code used when a payload cannot be
// decoded on either side of the queue.
const CodeSerialization = 422

// TaskError is the tagged error carried by every per-task failure. Call
// sites always set Kind explicitly.
type TaskError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

// Transport builds a transport-level task error.
func Transport(code int, message string) *TaskError {
	return &TaskError{Kind: KindTransport, Code: code, Message: message}
}

// Application builds an application-level task error.
func Application(code int, message string) *TaskError {
	return &TaskError{Kind: KindApplication, Code: code, Message: message}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
}

// ErrorRecord 失敗任務的錯誤紀錄
type ErrorRecord struct {
	ID     CorrelationID `json:"id"`
	Kind   ErrorKind     `json:"kind"`
	Code   int           `json:"code"`
	Detail string        `json:"detail"`
}

// ConfigurationError marks a programming or setup mistake: a pool without a
// driver, or a queue client that cannot reach any server.
type ConfigurationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
