// ============================================================================
// tilesplit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集批次處理的運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 單元計數器 (Counter)：
//      - tilesplit_units_admitted_total: 加入本次執行的單元
//      - tilesplit_units_skipped_total: 先前執行已完成、本次跳過的單元
//      - tilesplit_units_claimed_total: 已派給 worker 的次數（含重試）
//      - tilesplit_units_completed_total: 完成的單元
//      - tilesplit_units_retried_total: 重新排入佇列的次數
//      - tilesplit_units_failed_total{kind}: 終止失敗的單元，依錯誤分類
//      - tilesplit_tiles_written_total: 寫出的 tile 檔案數
//
//   2. 性能指標 (Histogram)：
//      - tilesplit_unit_duration_seconds: 單一單元的處理時間
//
//   3. 狀態指標 (Gauge)：
//      - tilesplit_recovery_time_seconds: 啟動時恢復 ledger 所花的時間
//      - tilesplit_units_pending: 待處理單元數
//      - tilesplit_units_in_flight: 執行中單元數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成單元數
//   rate(tilesplit_units_completed_total[1m])
//
//   # 95 分位處理時間
//   histogram_quantile(0.95, tilesplit_unit_duration_seconds_bucket)
//
// nil *Collector 的所有方法都是 no-op，metrics.enabled=false 時直接傳 nil。
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

const namespace = "tilesplit"

// Collector Prometheus 指標收集器
type Collector struct {
	unitsAdmitted  prometheus.Counter
	unitsSkipped   prometheus.Counter
	unitsClaimed   prometheus.Counter
	unitsCompleted prometheus.Counter
	unitsRetried   prometheus.Counter
	unitsFailed    *prometheus.CounterVec
	tilesWritten   prometheus.Counter

	unitDuration prometheus.Histogram
	recoveryTime prometheus.Gauge

	unitsPending  prometheus.Gauge
	unitsInFlight prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		unitsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_admitted_total",
			Help:      "Total number of source images queued for processing",
		}),
		unitsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_skipped_total",
			Help:      "Total number of source images already done in an earlier run",
		}),
		unitsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_claimed_total",
			Help:      "Total number of unit attempts handed to workers",
		}),
		unitsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_completed_total",
			Help:      "Total number of source images split successfully",
		}),
		unitsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_retried_total",
			Help:      "Total number of retryable failures re-queued",
		}),
		unitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_failed_total",
			Help:      "Total number of source images that failed terminally",
		}, []string{"kind"}),
		tilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_written_total",
			Help:      "Total number of tile files written",
		}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time spent splitting a single source image",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the resume ledger at startup",
		}),
		unitsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_pending",
			Help:      "Current number of pending units",
		}),
		unitsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_in_flight",
			Help:      "Current number of units being processed",
		}),
	}

	reg.MustRegister(
		c.unitsAdmitted,
		c.unitsSkipped,
		c.unitsClaimed,
		c.unitsCompleted,
		c.unitsRetried,
		c.unitsFailed,
		c.tilesWritten,
		c.unitDuration,
		c.recoveryTime,
		c.unitsPending,
		c.unitsInFlight,
	)
	return c
}

// RecordAdmitted 記錄單元加入本次執行
func (c *Collector) RecordAdmitted() {
	if c == nil {
		return
	}
	c.unitsAdmitted.Inc()
}

// RecordSkipped 記錄已完成而跳過的單元
func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.unitsSkipped.Inc()
}

// RecordClaim 記錄單元派給 worker
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.unitsClaimed.Inc()
}

// RecordCompleted 記錄單元完成與寫出的 tile 數
func (c *Collector) RecordCompleted(d time.Duration, tiles int) {
	if c == nil {
		return
	}
	c.unitsCompleted.Inc()
	c.tilesWritten.Add(float64(tiles))
	c.unitDuration.Observe(d.Seconds())
}

// RecordRetry 記錄可重試失敗
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.unitsRetried.Inc()
}

// RecordFailed 記錄終止失敗
func (c *Collector) RecordFailed(kind string) {
	if c == nil {
		return
	}
	c.unitsFailed.WithLabelValues(kind).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.unitsPending.Set(float64(pending))
	c.unitsInFlight.Set(float64(inFlight))
}

// Handler 回傳 g 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，ctx 取消時關閉伺服器
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
