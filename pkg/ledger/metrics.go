package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the ledger service
// 台帳サービスのPrometheusメトリクスを保持
type Metrics struct {
	operations      *prometheus.CounterVec   // 操作回数（操作名×結果）
	duration        *prometheus.HistogramVec // 操作時間
	retries         prometheus.Counter       // 楽観的ロック競合によるリトライ回数
	sweptRecords    prometheus.Counter       // 失効スイープで解放したレコード数
	pendingApproval prometheus.Gauge         // 承認待ち仕訳の概算数
}

// NewMetrics registers and returns the ledger metrics
// 台帳メトリクスを登録して返す
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daicho",
			Name:      "ledger_operations_total",
			Help:      "台帳操作の実行回数（操作名と結果別）",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daicho",
			Name:      "ledger_operation_duration_seconds",
			Help:      "台帳操作の処理時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "daicho",
			Name:      "ledger_version_conflict_retries_total",
			Help:      "楽観的ロック競合によるリトライ回数",
		}),
		sweptRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "daicho",
			Name:      "ledger_expired_reservations_swept_total",
			Help:      "失効スイープで予約を解放したレコード数",
		}),
		pendingApproval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daicho",
			Name:      "ledger_pending_approvals",
			Help:      "承認待ち仕訳の概算数",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.retries, m.sweptRecords, m.pendingApproval)
	}
	return m
}

// observe records one completed operation
// 完了した操作を1件記録
func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// retryObserved counts one optimistic locking retry
// 楽観的ロックのリトライを1件記録
func (m *Metrics) retryObserved() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// sweptObserved counts records released by the expiry sweep
// 失効スイープで解放されたレコード数を記録
func (m *Metrics) sweptObserved(count int) {
	if m == nil {
		return
	}
	m.sweptRecords.Add(float64(count))
}

// pendingDelta tracks creation and decision of pending entries
// 承認待ち仕訳の増減を記録
func (m *Metrics) pendingDelta(delta float64) {
	if m == nil {
		return
	}
	m.pendingApproval.Add(delta)
}
