package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor 风控网关的 Prometheus 指标。nil *Monitor 上的方法均为空操作。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	orders          *prometheus.CounterVec
	violations      *prometheus.CounterVec
	evaluateLatency prometheus.Histogram
	submitRetries   prometheus.Counter

	// 券商调用
	brokerRequests *prometheus.CounterVec
	brokerErrors   *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec

	// 风控状态
	killSwitch   *prometheus.GaugeVec
	breakerState prometheus.Gauge
	drawdown     *prometheus.GaugeVec

	// 对账
	reconcileRuns          *prometheus.CounterVec
	reconcileDiscrepancies prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "riskgate",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例，使用独立 registry。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_total",
			Help:      "订单结果计数",
		}, []string{"outcome"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "risk_violations_total",
			Help:      "按类型统计的风控违规",
		}, []string{"type"}),
		evaluateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "risk_evaluate_seconds",
			Help:      "风控评估耗时（秒）",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		submitRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "submit_retries_total",
			Help:      "下单重试次数",
		}),

		brokerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "broker_requests_total",
			Help:      "券商请求总数",
		}, []string{"action"}),
		brokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "broker_errors_total",
			Help:      "券商错误总数",
		}, []string{"action", "kind"}),
		brokerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "broker_latency_seconds",
			Help:      "券商请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		killSwitch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "kill_switch_active",
			Help:      "kill switch 是否激活(1=激活)",
		}, []string{"scope"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "熔断器状态(0=CLOSED,1=OPEN,2=HALF_OPEN)",
		}),
		drawdown: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "drawdown_ratio",
			Help:      "当前回撤比例",
		}, []string{"window"}),

		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_runs_total",
			Help:      "对账次数",
		}, []string{"result"}),
		reconcileDiscrepancies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reconcile_discrepancies_total",
			Help:      "对账发现的差异数",
		}),
	}
}

// RecordOrder 记录订单结果，如 approved、risk_rejected、broker_rejected、filled、duplicate。
func (m *Monitor) RecordOrder(outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(outcome).Inc()
}

func (m *Monitor) RecordViolation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordEvaluateLatency(seconds float64) {
	if m == nil {
		return
	}
	m.evaluateLatency.Observe(seconds)
}

func (m *Monitor) RecordSubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetries.Inc()
}

// RecordBrokerCall 记录一次券商调用；errKind 为空表示成功。
func (m *Monitor) RecordBrokerCall(action string, seconds float64, errKind string) {
	if m == nil {
		return
	}
	m.brokerRequests.WithLabelValues(action).Inc()
	m.brokerLatency.WithLabelValues(action).Observe(seconds)
	if errKind != "" {
		m.brokerErrors.WithLabelValues(action, errKind).Inc()
	}
}

func (m *Monitor) SetKillSwitch(scope string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.killSwitch.WithLabelValues(scope).Set(v)
}

func (m *Monitor) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Monitor) SetDrawdown(daily, total float64) {
	if m == nil {
		return
	}
	m.drawdown.WithLabelValues("daily").Set(daily)
	m.drawdown.WithLabelValues("total").Set(total)
}

func (m *Monitor) RecordReconciliation(passed bool, discrepancies int) {
	if m == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "mismatch"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.reconcileDiscrepancies.Add(float64(discrepancies))
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
