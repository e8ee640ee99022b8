package alert

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"risk-guard-go/internal/risk"
)

// LogChannel 通过 zap 输出告警。
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel logger 为空时丢弃输出。
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alert"), name: name}
}

func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("tenant", a.TenantID),
		zap.Time("ts", a.Timestamp),
	}
	if a.StrategyID != "" {
		fields = append(fields, zap.String("strategy", a.StrategyID))
	}
	if a.Suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", a.Suppressed))
	}
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, zap.Any(k, a.Fields[k]))
	}
	switch a.Severity {
	case risk.SeverityCritical:
		c.logger.Error(a.Message, fields...)
	case risk.SeverityWarning:
		c.logger.Warn(a.Message, fields...)
	default:
		c.logger.Info(a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// WriterChannel 单行文本输出，终端下按级别着色。
type WriterChannel struct {
	name  string
	out   io.Writer
	color bool
	mu    sync.Mutex
}

// NewConsoleChannel 输出到 stderr 并着色。
func NewConsoleChannel(name string) *WriterChannel {
	return &WriterChannel{name: name, out: os.Stderr, color: true}
}

// NewWriterChannel 输出到任意 writer，不着色。
func NewWriterChannel(name string, out io.Writer) *WriterChannel {
	return &WriterChannel{name: name, out: out}
}

var severityColors = map[risk.Severity]text.Colors{
	risk.SeverityInfo:     {text.FgGreen},
	risk.SeverityWarning:  {text.FgYellow},
	risk.SeverityCritical: {text.FgHiRed, text.Bold},
}

func (c *WriterChannel) Send(a Alert) error {
	level := "[" + string(a.Severity) + "]"
	if colors, ok := severityColors[a.Severity]; ok && c.color {
		level = colors.Sprint(level)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s tenant=%s", level, a.Timestamp.Format("2006-01-02 15:04:05"), a.TenantID)
	if a.StrategyID != "" {
		fmt.Fprintf(&b, " strategy=%s", a.StrategyID)
	}
	fmt.Fprintf(&b, " - %s", a.Message)
	if a.Suppressed > 0 {
		fmt.Fprintf(&b, " (+%d suppressed)", a.Suppressed)
	}
	if len(a.Fields) > 0 {
		b.WriteString(" |")
		for _, k := range sortedKeys(a.Fields) {
			fmt.Fprintf(&b, " %s=%v", k, a.Fields[k])
		}
	}
	b.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *WriterChannel) Name() string { return c.name }

// MockChannel 测试用，记录收到的告警。
type MockChannel struct {
	name   string
	mu     sync.Mutex
	alerts []Alert
	fail   bool
}

func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("mock channel %s unavailable", c.name)
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MockChannel) Name() string { return c.name }

// Alerts 收到的告警副本。
func (c *MockChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

// SetFail 之后的 Send 返回错误。
func (c *MockChannel) SetFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
