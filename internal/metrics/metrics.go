// ============================================================================
// Vitesse Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集分派端、worker 與佇列伺服器的運行指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 分派端 (Dispatcher)：
//      - vitesse_dispatch_tasks_submitted_total: 提交的任務總數
//      - vitesse_dispatch_tasks_succeeded_total: 成功的任務總數
//      - vitesse_dispatch_tasks_failed_total{kind}: 失敗任務，依 transport/application 分類
//      - vitesse_dispatch_batch_duration_seconds: 一次 Execute 的耗時分佈
//
//   2. Worker：
//      - vitesse_worker_jobs_total{result}: 處理的任務數（succeeded/failed/rejected）
//      - vitesse_worker_job_duration_seconds: 單一任務執行耗時
//      - vitesse_worker_idle_waits_total{reason}: 等待任務時的空轉次數
//
//   3. 佇列伺服器 (Broker)：
//      - vitesse_broker_jobs_queued: 目前排隊中的任務數
//      - vitesse_broker_jobs_running: 目前執行中的任務數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   sum(rate(vitesse_dispatch_tasks_failed_total[5m])) / rate(vitesse_dispatch_tasks_submitted_total[5m])
//
//   # 任務積壓
//   vitesse_broker_jobs_queued + vitesse_broker_jobs_running
//
// 使用方式:
//   Collector 的所有方法都接受 nil receiver，元件可以在沒有指標的情況下運行。
//   指標註冊到呼叫端提供的 Registerer，測試時使用獨立的 Registry。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 分派端
	tasksSubmitted prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksFailed    *prometheus.CounterVec
	batchDuration  prometheus.Histogram

	// worker
	workerJobs     *prometheus.CounterVec
	workerDuration prometheus.Histogram
	idleWaits      *prometheus.CounterVec

	// 佇列伺服器
	brokerQueued  prometheus.Gauge
	brokerRunning prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitesse_dispatch_tasks_submitted_total",
			Help: "Total number of tasks submitted to the queue",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitesse_dispatch_tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitesse_dispatch_tasks_failed_total",
			Help: "Total number of failed tasks by error kind",
		}, []string{"kind"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitesse_dispatch_batch_duration_seconds",
			Help:    "Time taken by one pool execution",
			Buckets: prometheus.DefBuckets,
		}),
		workerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitesse_worker_jobs_total",
			Help: "Total number of jobs processed by workers by result",
		}, []string{"result"}),
		workerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitesse_worker_job_duration_seconds",
			Help:    "Time taken to execute one job",
			Buckets: prometheus.DefBuckets,
		}),
		idleWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitesse_worker_idle_waits_total",
			Help: "Total number of empty waits for a job by reason",
		}, []string{"reason"}),
		brokerQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitesse_broker_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		brokerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitesse_broker_jobs_running",
			Help: "Current number of running jobs",
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksSucceeded,
		c.tasksFailed,
		c.batchDuration,
		c.workerJobs,
		c.workerDuration,
		c.idleWaits,
		c.brokerQueued,
		c.brokerRunning,
	)
	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordSucceeded 記錄任務成功
func (c *Collector) RecordSucceeded() {
	if c == nil {
		return
	}
	c.tasksSucceeded.Inc()
}

// RecordFailed 記錄任務失敗，kind 為 transport 或 application
func (c *Collector) RecordFailed(kind string) {
	if c == nil {
		return
	}
	c.tasksFailed.WithLabelValues(kind).Inc()
}

// ObserveBatch 記錄一次批次執行耗時
func (c *Collector) ObserveBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.batchDuration.Observe(d.Seconds())
}

// RecordJob 記錄 worker 處理一個任務的結果與耗時
func (c *Collector) RecordJob(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.workerJobs.WithLabelValues(result).Inc()
	c.workerDuration.Observe(d.Seconds())
}

// RecordIdleWait 記錄 worker 空轉
func (c *Collector) RecordIdleWait(reason string) {
	if c == nil {
		return
	}
	c.idleWaits.WithLabelValues(reason).Inc()
}

// UpdateBrokerStats 更新佇列伺服器狀態統計
func (c *Collector) UpdateBrokerStats(queued, running int) {
	if c == nil {
		return
	}
	c.brokerQueued.Set(float64(queued))
	c.brokerRunning.Set(float64(running))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
