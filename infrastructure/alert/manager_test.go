package alert

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"risk-guard-go/internal/risk"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func riskEvent(tenant string, typ risk.EventType, sev risk.Severity) risk.RiskEvent {
	return risk.NewEvent(t0, typ, sev, tenant, "grid", "STRATEGY", "drawdown 6.00% >= 5.00%", "strategy paused",
		map[string]interface{}{"drawdownPercent": 6.0})
}

func newTestManager(min risk.Severity, channels ...Channel) (*Manager, *risk.ManualClock) {
	clock := risk.NewManualClock(t0)
	return NewManager(channels, Config{MinSeverity: min, Throttle: time.Minute, Clock: clock}), clock
}

func TestNotify_MapsRiskEvent(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr, _ := newTestManager(risk.SeverityInfo, mock)

	if err := mgr.Notify(riskEvent("acme", risk.EventStrategyPaused, risk.SeverityCritical)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 alert, got %d", mock.Count())
	}
	a := mock.Alerts()[0]
	if a.Severity != risk.SeverityCritical || a.Type != risk.EventStrategyPaused {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.TenantID != "acme" || a.StrategyID != "grid" {
		t.Errorf("identity not carried: %+v", a)
	}
	if !strings.HasPrefix(a.Message, "STRATEGY_PAUSED: ") {
		t.Errorf("message = %q", a.Message)
	}
	if a.Fields["drawdownPercent"] != 6.0 || a.Fields["action"] != "strategy paused" {
		t.Errorf("fields = %v", a.Fields)
	}
	if !a.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want %v", a.Timestamp, t0)
	}
}

func TestNotify_SeverityFilter(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr, _ := newTestManager(risk.SeverityWarning, mock)

	_ = mgr.Notify(riskEvent("acme", risk.EventCircuitBreakerReset, risk.SeverityInfo))
	_ = mgr.Notify(riskEvent("acme", risk.EventDrawdownWarning, risk.SeverityWarning))
	_ = mgr.Notify(riskEvent("acme", risk.EventKillSwitchActivated, risk.SeverityCritical))

	if mock.Count() != 2 {
		t.Fatalf("expected 2 alerts, got %d", mock.Count())
	}
	if mock.Alerts()[0].Severity != risk.SeverityWarning {
		t.Errorf("first alert severity = %s", mock.Alerts()[0].Severity)
	}
}

func TestNotify_ThrottleCoalesces(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr, clock := newTestManager(risk.SeverityInfo, mock)
	ev := riskEvent("acme", risk.EventDrawdownWarning, risk.SeverityWarning)

	for i := 0; i < 4; i++ {
		_ = mgr.Notify(ev)
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 alert inside throttle window, got %d", mock.Count())
	}

	// 其他租户、其他类型不受影响
	_ = mgr.Notify(riskEvent("globex", risk.EventDrawdownWarning, risk.SeverityWarning))
	_ = mgr.Notify(riskEvent("acme", risk.EventDrawdownCritical, risk.SeverityCritical))
	if mock.Count() != 3 {
		t.Fatalf("expected 3 alerts, got %d", mock.Count())
	}

	clock.Advance(time.Minute)
	_ = mgr.Notify(ev)
	alerts := mock.Alerts()
	if len(alerts) != 4 {
		t.Fatalf("expected alert after window, got %d", len(alerts))
	}
	if alerts[3].Suppressed != 3 {
		t.Errorf("suppressed = %d, want 3", alerts[3].Suppressed)
	}
}

func TestDispatch_ChannelFailures(t *testing.T) {
	ok := NewMockChannel("ok")
	bad := NewMockChannel("bad")
	bad.SetFail(true)

	mgr, _ := newTestManager(risk.SeverityInfo, bad, ok)
	if err := mgr.Send(Alert{Severity: risk.SeverityWarning, Message: "partial"}); err != nil {
		t.Errorf("partial failure should not error: %v", err)
	}
	if ok.Count() != 1 {
		t.Errorf("healthy channel got %d alerts", ok.Count())
	}

	only, _ := newTestManager(risk.SeverityInfo, bad)
	err := only.Send(Alert{Severity: risk.SeverityWarning, Message: "lost"})
	if err == nil || !strings.Contains(err.Error(), "channel bad") {
		t.Errorf("expected joined channel error, got %v", err)
	}
}

func TestAddChannel(t *testing.T) {
	mgr, _ := newTestManager(risk.SeverityInfo, NewMockChannel("a"))
	mgr.AddChannel(NewMockChannel("b"))

	names := mgr.Channels()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("channels = %v", names)
	}
}

func TestSend_StampsTimestamp(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr, _ := newTestManager(risk.SeverityInfo, mock)
	_ = mgr.Send(Alert{Severity: risk.SeverityInfo, Message: "manual"})
	if !mock.Alerts()[0].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v", mock.Alerts()[0].Timestamp)
	}
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewLogChannel("log", zap.New(core))

	err := ch.Send(Alert{
		Severity:   risk.SeverityCritical,
		TenantID:   "acme",
		Message:    "KILL_SWITCH_ACTIVATED: manual",
		Suppressed: 2,
		Fields:     map[string]interface{}{"ordersCancelled": 3},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Level != zap.ErrorLevel {
		t.Errorf("critical alert logged at %s", entry.Level)
	}
	ctx := entry.ContextMap()
	if ctx["tenant"] != "acme" || ctx["suppressed"] != int64(2) || ctx["ordersCancelled"] != int64(3) {
		t.Errorf("unexpected context %v", ctx)
	}
}

func TestWriterChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewWriterChannel("console", &buf)

	for _, sev := range []risk.Severity{risk.SeverityInfo, risk.SeverityWarning, risk.SeverityCritical} {
		err := ch.Send(Alert{
			Severity:  sev,
			TenantID:  "acme",
			Message:   "test " + string(sev),
			Timestamp: t0,
			Fields:    map[string]interface{}{"scope": "TENANT"},
		})
		if err != nil {
			t.Errorf("Send %s failed: %v", sev, err)
		}
	}
	_ = ch.Send(Alert{Severity: risk.SeverityWarning, TenantID: "acme", Message: "burst", Suppressed: 5})

	out := buf.String()
	if strings.Count(out, "\n") != 4 {
		t.Errorf("unexpected line count in %q", out)
	}
	for _, want := range []string{"[CRITICAL]", "tenant=acme", "scope=TENANT", "(+5 suppressed)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("writer channel must not colorize: %q", out)
	}
}
