package logger

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"risk-guard-go/internal/risk"
)

// Logger 封装zap日志器，附带风控专用的结构化输出。
type Logger struct {
	*zap.Logger
	config Config
	files  []*os.File
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console，只影响 stdout
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// New 按配置组装 stdout / 文件 / 错误文件三路输出。文件始终为 JSON。
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	l := &Logger{config: cfg}
	var cores []zapcore.Core

	if contains(cfg.Outputs, "stdout") {
		enc := zapcore.NewJSONEncoder(jsonCfg)
		if cfg.Format == "console" {
			consoleCfg := zap.NewDevelopmentEncoderConfig()
			consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			enc = zapcore.NewConsoleEncoder(consoleCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}
	if contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		f, err := l.open(cfg.OutputFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(f), level))
	}
	// 错误文件只收 error 及以上，便于值班排查急停与暂停
	if cfg.ErrorFile != "" {
		f, err := l.open(cfg.ErrorFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(f), zapcore.ErrorLevel))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

// open 失败时关闭已打开的文件。
func (l *Logger) open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l.files = append(l.files, f)
	return f, nil
}

// WithFields 子 logger 共享文件句柄，只由根 logger 关闭。
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(toFields(fields)...),
		config: l.config,
	}
}

// LogDecision 准入决策：通过记 info，拒绝记 warn。
func (l *Logger) LogDecision(orderID string, approved bool, reason string, fields map[string]interface{}) {
	zf := append(toFields(fields), zap.String("order_id", orderID), zap.Bool("approved", approved))
	if approved {
		l.Info("pretrade_decision", zf...)
		return
	}
	l.Warn("pretrade_decision", append(zf, zap.String("reason", reason))...)
}

// LogRiskEvent CRITICAL 事件走 error 级别，同时进入错误文件。
func (l *Logger) LogRiskEvent(ev risk.RiskEvent) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("tenant", ev.TenantID),
		zap.String("scope", ev.Scope),
		zap.String("trigger", ev.TriggerCondition),
		zap.String("action", ev.ActionTaken),
		zap.Time("event_time", ev.Timestamp),
	}
	if ev.StrategyID != "" {
		fields = append(fields, zap.String("strategy", ev.StrategyID))
	}
	if len(ev.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", ev.Metadata))
	}
	if ev.Severity == risk.SeverityCritical {
		l.Error("risk_event", fields...)
		return
	}
	l.Warn("risk_event", fields...)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	l.Error("error_event", append(toFields(context), zap.Error(err))...)
}

// Close 刷新并关闭日志文件。stdout 的 Sync 错误忽略。
func (l *Logger) Close() error {
	if l.Logger != nil {
		_ = l.Sync()
	}
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

// toFields 按 key 排序，保证输出稳定。
func toFields(m map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
