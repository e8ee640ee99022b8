package audit

import (
	"context"

	"risk-guard-go/infrastructure/alert"
	"risk-guard-go/infrastructure/logger"
	"risk-guard-go/infrastructure/monitor"
	"risk-guard-go/internal/risk"
)

// LogSink 结构化日志输出。
type LogSink struct{ L *logger.Logger }

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(_ context.Context, ev risk.RiskEvent) error {
	s.L.LogRiskEvent(ev)
	return nil
}

// AlertSink 交给告警管理器，级别过滤与限流在管理器内完成。
type AlertSink struct{ Manager *alert.Manager }

func (AlertSink) Name() string { return "alert" }

func (s AlertSink) Handle(_ context.Context, ev risk.RiskEvent) error {
	return s.Manager.Notify(ev)
}

// MetricsSink 更新 Prometheus 指标。
type MetricsSink struct{ M *monitor.Monitor }

func (MetricsSink) Name() string { return "metrics" }

func (s MetricsSink) Handle(_ context.Context, ev risk.RiskEvent) error {
	s.M.RecordRiskEvent(ev)
	return nil
}

// EventAppender 持久化事件日志（sqlite.Repository 实现）。
type EventAppender interface {
	AppendEvent(ctx context.Context, ev risk.RiskEvent) error
}

// StoreSink 追加写入审计表。
type StoreSink struct{ Store EventAppender }

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Handle(ctx context.Context, ev risk.RiskEvent) error {
	return s.Store.AppendEvent(ctx, ev)
}
