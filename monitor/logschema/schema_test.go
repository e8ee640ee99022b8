package logschema

import (
	"errors"
	"testing"
	"time"

	"risk-guard-go/internal/risk"
)

func event(typ risk.EventType, meta map[string]interface{}) risk.RiskEvent {
	return risk.NewEvent(time.Unix(0, 0), typ, risk.SeverityWarning, "acme", "", "TENANT", "test", "none", meta)
}

func TestCheck(t *testing.T) {
	err := Check(event(risk.EventPositionDiscrepancy, map[string]interface{}{
		"assetId":          "BTC",
		"internalQuantity": 10.0,
		"exchangeQuantity": 11.0,
		"discrepancy":      1.0,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = Check(event(risk.EventKillSwitchActivated, map[string]interface{}{"reason": "manual"}))
	var mf *MissingFieldsError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	if len(mf.Missing) != 3 || mf.Missing[0] != "triggerType" {
		t.Fatalf("missing = %v", mf.Missing)
	}

	if err := Check(event("SOMETHING_ELSE", nil)); err != nil {
		t.Fatalf("unknown events are not validated: %v", err)
	}
}

func TestKnownCoversEmittedEvents(t *testing.T) {
	known := map[risk.EventType]bool{}
	for _, typ := range Known() {
		known[typ] = true
	}
	for _, typ := range []risk.EventType{
		risk.EventDrawdownWarning, risk.EventDrawdownCritical, risk.EventStrategyPaused,
		risk.EventStrategyResumed, risk.EventDrawdownReset, risk.EventKillSwitchActivated,
		risk.EventKillSwitchDeactivated, risk.EventCircuitBreakerTripped, risk.EventCircuitBreakerReset,
		risk.EventPositionDiscrepancy,
	} {
		if !known[typ] {
			t.Errorf("%s has no schema", typ)
		}
	}
}

func TestFieldsReturnsCopy(t *testing.T) {
	f := Fields(risk.EventCircuitBreakerReset)
	f[0] = "mutated"
	if Fields(risk.EventCircuitBreakerReset)[0] != "breakerId" {
		t.Fatalf("Fields must not expose internal slice")
	}
}
