// ============================================================================
// offline-sync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露同步引擎運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 動作計數器 (Counter，依 type 分標籤)：
//      - offline_sync_actions_enqueued_total: 入列動作總數
//      - offline_sync_attempts_total: handler 呼叫次數（依 outcome）
//      - offline_sync_actions_dead_total: 終止失敗動作（依 reason）
//      - offline_sync_persist_failures_total: 佇列持久化失敗次數
//      - offline_sync_drains_total: drain 次數（依 result）
//
//   2. 性能指標 (Histogram)：
//      - offline_sync_handler_latency_seconds: 單次 handler 呼叫延遲
//      - offline_sync_drain_duration_seconds: 一次 drain 的耗時
//
//   3. 狀態指標 (Gauge)：
//      - offline_sync_queue_depth: 目前佇列長度
//      - offline_sync_online: 遠端是否可達（1/0）
//
// Prometheus 查詢示例:
//
//   # 終止失敗率
//   rate(offline_sync_actions_dead_total[5m]) / rate(offline_sync_actions_enqueued_total[5m])
//
//   # 95 分位 handler 延遲
//   histogram_quantile(0.95, offline_sync_handler_latency_seconds_bucket)
//
//   # 離線積壓
//   offline_sync_queue_depth and offline_sync_online == 0
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

const namespace = "offline_sync"

// Collector Prometheus 指標收集器，實作 queue.Recorder
type Collector struct {
	// 動作相關指標
	enqueued        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	dead            *prometheus.CounterVec
	persistFailures prometheus.Counter
	drains          *prometheus.CounterVec

	// 效能指標
	handlerLatency *prometheus.HistogramVec
	drainDuration  prometheus.Histogram

	// 狀態指標
	queueDepth prometheus.Gauge
	online     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Total number of actions enqueued",
		}, []string{"type"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Handler invocations by outcome",
		}, []string{"type", "outcome"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dead_total",
			Help:      "Actions removed from the queue without being applied",
		}, []string{"type", "reason"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes of the durable queue",
		}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Drain passes by result",
		}, []string{"result"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_latency_seconds",
			Help:      "Handler call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of a drain pass in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued actions",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the remote store is reachable",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.enqueued,
		c.attempts,
		c.dead,
		c.persistFailures,
		c.drains,
		c.handlerLatency,
		c.drainDuration,
		c.queueDepth,
		c.online,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordEnqueue 記錄動作入列
func (c *Collector) RecordEnqueue(t types.ActionType) {
	c.enqueued.WithLabelValues(string(t)).Inc()
}

// RecordAttempt 記錄一次 handler 呼叫
func (c *Collector) RecordAttempt(t types.ActionType, outcome types.Outcome, latency time.Duration) {
	c.attempts.WithLabelValues(string(t), string(outcome)).Inc()
	c.handlerLatency.WithLabelValues(string(t)).Observe(latency.Seconds())
}

// RecordTerminal 記錄動作終止失敗
func (c *Collector) RecordTerminal(t types.ActionType, reason types.TerminalReason) {
	c.dead.WithLabelValues(string(t), string(reason)).Inc()
}

// RecordPersistFailure 記錄持久化失敗
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

// RecordDrain 記錄一次 drain
func (c *Collector) RecordDrain(report types.DrainReport) {
	result := "ok"
	switch {
	case report.Skipped:
		result = "skipped"
	case report.Terminal > 0:
		result = "terminal"
	case report.Retried > 0 || report.Deferred > 0:
		result = "partial"
	}
	c.drains.WithLabelValues(result).Inc()
	if !report.Skipped {
		c.drainDuration.Observe(report.Duration.Seconds())
	}
}

// SetQueueDepth 設置佇列長度
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetOnline 設置連線狀態
func (c *Collector) SetOnline(online bool) {
	v := 0.0
	if online {
		v = 1
	}
	c.online.Set(v)
}

// Handler 回傳暴露本收集器 registry 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，直到 ctx 結束
//
// 參數：
//   - port: HTTP 伺服器端口
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
