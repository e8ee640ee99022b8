package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"risk-guard-go/internal/risk"
)

// Monitor Prometheus风控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 下单前检查
	checksTotal   *prometheus.CounterVec
	checkLatency  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	decisionTime  prometheus.Histogram
	ordersPlaced  prometheus.Counter
	ordersCancels prometheus.Counter

	// 成交后处理
	executions     *prometheus.CounterVec
	realizedPnL    *prometheus.CounterVec
	executionTime  prometheus.Histogram
	discrepancies  *prometheus.CounterVec
	reconcileRuns  prometheus.Counter
	reconcileError prometheus.Counter

	// 保护状态
	killSwitch   *prometheus.GaugeVec
	breakerState *prometheus.GaugeVec
	drawdownPct  *prometheus.GaugeVec
	riskEvents   *prometheus.CounterVec
	eventsDrop   prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "riskguard",
		Subsystem: "core",
	}
}

// New 创建新的Monitor实例，指标注册在私有 registry 上。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}
	latencyBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	return &Monitor{
		registry: reg,

		checksTotal: factory.NewCounterVec(opts("pretrade_checks_total", "下单前检查次数"), []string{"check", "result"}),
		checkLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pretrade_check_seconds",
			Help:      "单项检查耗时（秒）",
			Buckets:   latencyBuckets,
		}, []string{"check"}),
		decisions: factory.NewCounterVec(opts("pretrade_decisions_total", "准入决策次数"), []string{"result"}),
		decisionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pretrade_decision_seconds",
			Help:      "准入决策总耗时（秒）",
			Buckets:   latencyBuckets,
		}),
		ordersPlaced:  factory.NewCounter(opts("orders_placed_total", "通过风控并下发的订单数")),
		ordersCancels: factory.NewCounter(opts("orders_cancelled_total", "撤单数")),

		executions:  factory.NewCounterVec(opts("executions_processed_total", "成交处理次数"), []string{"tenant"}),
		realizedPnL: factory.NewCounterVec(opts("realized_loss_total", "累计已实现亏损（绝对值）"), []string{"tenant"}),
		executionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "posttrade_seconds",
			Help:      "成交后处理耗时（秒）",
			Buckets:   latencyBuckets,
		}),
		discrepancies:  factory.NewCounterVec(opts("reconcile_discrepancies_total", "对账差异次数"), []string{"tenant", "asset"}),
		reconcileRuns:  factory.NewCounter(opts("reconcile_runs_total", "对账轮次")),
		reconcileError: factory.NewCounter(opts("reconcile_errors_total", "对账失败轮次")),

		killSwitch:   factory.NewGaugeVec(gauge("kill_switch_active", "急停状态(1=激活)"), []string{"tenant"}),
		breakerState: factory.NewGaugeVec(gauge("circuit_breaker_state", "熔断器状态(0=CLOSED,1=HALF_OPEN,2=OPEN)"), []string{"tenant", "breaker"}),
		drawdownPct:  factory.NewGaugeVec(gauge("drawdown_percent", "当前回撤百分比"), []string{"tenant", "strategy"}),
		riskEvents:   factory.NewCounterVec(opts("risk_events_total", "风险事件数"), []string{"type", "severity"}),
		eventsDrop:   factory.NewCounter(opts("risk_events_dropped_total", "审计总线丢弃的事件数")),
	}
}

// ObserveCheck 实现 pretrade.Observer。
func (m *Monitor) ObserveCheck(checkType string, passed bool, elapsed time.Duration) {
	m.checksTotal.WithLabelValues(checkType, result(passed)).Inc()
	m.checkLatency.WithLabelValues(checkType).Observe(elapsed.Seconds())
}

// ObserveDecision 实现 pretrade.Observer。
func (m *Monitor) ObserveDecision(approved bool, elapsed time.Duration) {
	m.decisions.WithLabelValues(result(approved)).Inc()
	m.decisionTime.Observe(elapsed.Seconds())
}

// ObserveExecution 实现 posttrade.Observer。
func (m *Monitor) ObserveExecution(tenantID string, realizedPnL float64, elapsed time.Duration) {
	m.executions.WithLabelValues(tenantID).Inc()
	if realizedPnL < 0 {
		m.realizedPnL.WithLabelValues(tenantID).Add(-realizedPnL)
	}
	m.executionTime.Observe(elapsed.Seconds())
}

func (m *Monitor) RecordOrderPlaced()          { m.ordersPlaced.Inc() }
func (m *Monitor) RecordOrdersCancelled(n int) { m.ordersCancels.Add(float64(n)) }

// RecordReconcile 记录一轮对账。
func (m *Monitor) RecordReconcile(err error) {
	m.reconcileRuns.Inc()
	if err != nil {
		m.reconcileError.Inc()
	}
}

// RecordRiskEvent 按事件更新计数以及对应的状态 gauge。
func (m *Monitor) RecordRiskEvent(ev risk.RiskEvent) {
	m.riskEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
	switch ev.Type {
	case risk.EventKillSwitchActivated:
		m.SetKillSwitch(ev.TenantID, true)
	case risk.EventKillSwitchDeactivated:
		m.SetKillSwitch(ev.TenantID, false)
	case risk.EventCircuitBreakerTripped:
		m.SetBreakerState(ev.TenantID, metaString(ev.Metadata, "breakerId"), risk.BreakerOpen)
	case risk.EventCircuitBreakerReset:
		m.SetBreakerState(ev.TenantID, metaString(ev.Metadata, "breakerId"), risk.BreakerClosed)
	case risk.EventDrawdownWarning, risk.EventDrawdownCritical, risk.EventStrategyResumed:
		if pct, ok := ev.Metadata["drawdownPercent"].(float64); ok {
			m.SetDrawdownPercent(ev.TenantID, ev.StrategyID, pct)
		}
	case risk.EventDrawdownReset:
		m.SetDrawdownPercent(ev.TenantID, ev.StrategyID, 0)
	case risk.EventPositionDiscrepancy:
		m.discrepancies.WithLabelValues(ev.TenantID, metaString(ev.Metadata, "assetId")).Inc()
	}
}

// RecordEventDropped 审计总线满时调用。
func (m *Monitor) RecordEventDropped() { m.eventsDrop.Inc() }

func (m *Monitor) SetKillSwitch(tenantID string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.killSwitch.WithLabelValues(tenantID).Set(v)
}

func (m *Monitor) SetBreakerState(tenantID, breakerID string, st risk.BreakerState) {
	v := 0.0
	switch st {
	case risk.BreakerHalfOpen:
		v = 1
	case risk.BreakerOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(tenantID, breakerID).Set(v)
}

func (m *Monitor) SetDrawdownPercent(tenantID, strategyID string, pct float64) {
	if strategyID == "" {
		strategyID = "portfolio"
	}
	m.drawdownPct.WithLabelValues(tenantID, strategyID).Set(pct)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

func metaString(md map[string]interface{}, key string) string {
	s, _ := md[key].(string)
	return s
}
