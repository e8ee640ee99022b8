package order

import (
	"errors"
	"strings"
	"testing"

	"risk-guard-go/internal/risk"
)

var btc = AssetConstraints{TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 10, MinNotional: 5}

func TestAssetConstraints_Validate(t *testing.T) {
	cases := []struct {
		name        string
		price, qty  float64
		wantMessage string
	}{
		{"aligned", 60000.1, 0.25, ""},
		{"off tick", 60000.15, 0.25, "tickSize"},
		{"off step", 60000, 0.0005, "stepSize"},
		{"below min qty", 60000, 0.0001, "minQty"},
		{"above max qty", 60000, 11, "maxQty"},
		{"small notional", 1, 1, "minNotional"},
		{"market order skips price", 0, 0.002, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := btc.Validate(tc.price, tc.qty)
			if tc.wantMessage == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, risk.ErrValidation) || !strings.Contains(err.Error(), tc.wantMessage) {
				t.Fatalf("want %s violation, got %v", tc.wantMessage, err)
			}
		})
	}
}

func TestAssetConstraints_ReportsEveryViolation(t *testing.T) {
	err := btc.Validate(0.15, 0.0005)
	if err == nil {
		t.Fatal("expected violations")
	}
	for _, want := range []string{"tickSize", "stepSize", "minQty", "minNotional"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}

func TestAssetConstraints_Check(t *testing.T) {
	if err := btc.Check(); err != nil {
		t.Fatalf("valid constraints rejected: %v", err)
	}
	if err := (AssetConstraints{MinQty: 2, MaxQty: 1}).Check(); !errors.Is(err, risk.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := (AssetConstraints{TickSize: -1}).Check(); err == nil {
		t.Fatal("negative tick accepted")
	}
}
