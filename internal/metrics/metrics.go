// ============================================================================
// bbqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 WRKQMGR 與 Worker 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - bbqueue_find_work_total{result,queue}: FindWork 結果
//      - bbqueue_work_items_removed_total{queue}: 移除的工作項目
//      - bbqueue_work_items_processed_total{queue}: 完成的工作項目
//      - bbqueue_async_requests_found_total: 從 journal 讀到的請求
//      - bbqueue_async_requests_appended_total{kind}: 追加到 journal 的請求
//      - bbqueue_work_items_failed_total{queue}: 失敗的工作項目
//
//   2. 分佈 (Histogram)：
//      - bbqueue_throttle_delay_seconds: 節流造成的 worker 延遲
//      - bbqueue_work_item_duration_seconds{queue}: 工作項目處理時間
//
//   3. 狀態 (Gauge)：
//      - bbqueue_work_queues / bbqueue_work_items_queued
//      - bbqueue_concurrent_hp_requests / bbqueue_concurrent_cancel_requests
//      - bbqueue_async_turbo_factor
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的 transfer
//   rate(bbqueue_work_items_processed_total{queue="volume"}[1m])
//
//   # 95 分位節流延遲
//   histogram_quantile(0.95, bbqueue_throttle_delay_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
)

var _ wrkqmgr.Metrics = (*Collector)(nil)

func queueLabel(hp bool) string {
	if hp {
		return "hp"
	}
	return "volume"
}

// Collector Prometheus 指標收集器，實作 wrkqmgr.Metrics
type Collector struct {
	workFound      *prometheus.CounterVec
	itemsRemoved   *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
	itemsFailed    *prometheus.CounterVec
	requestsFound  prometheus.Counter
	requestsAdded  *prometheus.CounterVec
	throttleDelay  prometheus.Histogram
	itemDuration   *prometheus.HistogramVec
	queues         prometheus.Gauge
	queuedItems    prometheus.Gauge
	concurrentHP   prometheus.Gauge
	concurrentCncl prometheus.Gauge
	turboFactor    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		workFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bbqueue_find_work_total",
			Help: "FindWork outcomes by result and queue kind",
		}, []string{"result", "queue"}),
		itemsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bbqueue_work_items_removed_total",
			Help: "Work items removed from a work queue",
		}, []string{"queue"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bbqueue_work_items_processed_total",
			Help: "Work items completed",
		}, []string{"queue"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bbqueue_work_items_failed_total",
			Help: "Work items that completed with an error",
		}, []string{"queue"}),
		requestsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bbqueue_async_requests_found_total",
			Help: "Async requests read from the cross server journal",
		}),
		requestsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bbqueue_async_requests_appended_total",
			Help: "Async requests appended by this server",
		}, []string{"kind"}),
		throttleDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bbqueue_throttle_delay_seconds",
			Help:    "Delay owed by a worker after a throttled transfer",
			Buckets: prometheus.DefBuckets,
		}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bbqueue_work_item_duration_seconds",
			Help:    "Time spent processing one work item",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		queues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bbqueue_work_queues",
			Help: "Current number of volume work queues",
		}),
		queuedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bbqueue_work_items_queued",
			Help: "Current number of queued work items, HP included",
		}),
		concurrentHP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bbqueue_concurrent_hp_requests",
			Help: "HP requests being processed",
		}),
		concurrentCncl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bbqueue_concurrent_cancel_requests",
			Help: "Cancel class HP requests being processed",
		}),
		turboFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bbqueue_async_turbo_factor",
			Help: "Multiplier applied to the async request read interval",
		}),
	}

	prometheus.MustRegister(
		c.workFound,
		c.itemsRemoved,
		c.itemsProcessed,
		c.itemsFailed,
		c.requestsFound,
		c.requestsAdded,
		c.throttleDelay,
		c.itemDuration,
		c.queues,
		c.queuedItems,
		c.concurrentHP,
		c.concurrentCncl,
		c.turboFactor,
	)
	c.turboFactor.Set(1)
	return c
}

// WorkFound 記錄 FindWork 的結果
func (c *Collector) WorkFound(result wrkqmgr.FindResult, hp bool) {
	c.workFound.WithLabelValues(result.String(), queueLabel(hp)).Inc()
}

// WorkItemRemoved 記錄工作項目被移除
func (c *Collector) WorkItemRemoved(hp bool) {
	c.itemsRemoved.WithLabelValues(queueLabel(hp)).Inc()
}

// WorkItemProcessed 記錄工作項目完成
func (c *Collector) WorkItemProcessed(hp bool) {
	c.itemsProcessed.WithLabelValues(queueLabel(hp)).Inc()
}

// HPRequestsFound 記錄從 journal 讀到的新請求數
func (c *Collector) HPRequestsFound(n int) {
	c.requestsFound.Add(float64(n))
}

// ThrottleDelayed 記錄節流延遲
func (c *Collector) ThrottleDelayed(d time.Duration) {
	c.throttleDelay.Observe(d.Seconds())
}

// QueueDepth 更新佇列數與排隊中的工作項目數
func (c *Collector) QueueDepth(queues, items int) {
	c.queues.Set(float64(queues))
	c.queuedItems.Set(float64(items))
}

// ConcurrentHP 更新處理中的 HP 請求數
func (c *Collector) ConcurrentHP(hp, cancel int) {
	c.concurrentHP.Set(float64(hp))
	c.concurrentCncl.Set(float64(cancel))
}

// TurboFactor 更新 async 讀取倍率
func (c *Collector) TurboFactor(f float64) {
	c.turboFactor.Set(f)
}

// AsyncRequestAppended 記錄追加到 journal 的請求
func (c *Collector) AsyncRequestAppended(heartbeat bool) {
	kind := "request"
	if heartbeat {
		kind = "heartbeat"
	}
	c.requestsAdded.WithLabelValues(kind).Inc()
}

// RecordWorkItem 記錄一個工作項目的處理時間與結果
func (c *Collector) RecordWorkItem(hp bool, d time.Duration, failed bool) {
	label := queueLabel(hp)
	c.itemDuration.WithLabelValues(label).Observe(d.Seconds())
	if failed {
		c.itemsFailed.WithLabelValues(label).Inc()
	}
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
