package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-guard-go/internal/risk"
)

func TestMonitor_PreTradeObserver(t *testing.T) {
	m := New(DefaultConfig())
	m.ObserveCheck("KILL_SWITCH", false, time.Millisecond)
	m.ObserveCheck("KILL_SWITCH", true, time.Millisecond)
	m.ObserveCheck("LEVERAGE", true, time.Millisecond)
	m.ObserveDecision(false, 2*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("KILL_SWITCH", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("KILL_SWITCH", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("fail")))
}

func TestMonitor_ExecutionObserver(t *testing.T) {
	m := New(DefaultConfig())
	m.ObserveExecution("t1", -12.5, time.Millisecond)
	m.ObserveExecution("t1", 30, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("t1")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.realizedPnL.WithLabelValues("t1")))
}

func TestMonitor_RecordRiskEventUpdatesGauges(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m.RecordRiskEvent(risk.NewEvent(now, risk.EventKillSwitchActivated, risk.SeverityCritical, "t1", "", "TENANT", "", "", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.killSwitch.WithLabelValues("t1")))
	m.RecordRiskEvent(risk.NewEvent(now, risk.EventKillSwitchDeactivated, risk.SeverityInfo, "t1", "", "TENANT", "", "", nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.killSwitch.WithLabelValues("t1")))

	m.RecordRiskEvent(risk.NewEvent(now, risk.EventCircuitBreakerTripped, risk.SeverityCritical, "t1", "", "TENANT", "", "",
		map[string]interface{}{"breakerId": "b1"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("t1", "b1")))

	m.RecordRiskEvent(risk.NewEvent(now, risk.EventDrawdownWarning, risk.SeverityWarning, "t1", "", "PORTFOLIO", "", "",
		map[string]interface{}{"drawdownPercent": 7.5}))
	assert.Equal(t, 7.5, testutil.ToFloat64(m.drawdownPct.WithLabelValues("t1", "portfolio")))

	m.RecordRiskEvent(risk.NewEvent(now, risk.EventPositionDiscrepancy, risk.SeverityWarning, "t1", "", "ASSET", "", "",
		map[string]interface{}{"assetId": "BTC"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discrepancies.WithLabelValues("t1", "BTC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskEvents.WithLabelValues("POSITION_DISCREPANCY", "WARNING")))
}

func TestMonitor_Handler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordOrderPlaced()
	m.RecordReconcile(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "riskguard_core_orders_placed_total 1"))
	assert.True(t, strings.Contains(body, "riskguard_core_reconcile_runs_total 1"))
}
