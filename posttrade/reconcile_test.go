package posttrade_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/internal/store"
	"risk-guard-go/inventory"
	"risk-guard-go/posttrade"
)

func seededLedger(t *testing.T) (*inventory.Sync, *inventory.Tracker) {
	t.Helper()
	tr := inventory.NewTracker(store.NewMemory(), risk.NewManualClock(t0))
	_, err := tr.ProcessExecution(context.Background(), exec(gateway.SideBuy, 10, 100, 0))
	require.NoError(t, err)
	return &inventory.Sync{Tracker: tr}, tr
}

func TestReconcilePosition_WithinTolerance(t *testing.T) {
	ledger, _ := seededLedger(t)
	rec := &recorder{}
	r := posttrade.NewPositionReconciler(ledger, rec, risk.NewManualClock(t0), nil, 0.0001)

	res, err := r.ReconcilePosition(context.Background(), "t1", "BTC", gateway.ExchangePositionData{AssetID: "BTC", Quantity: 10.00005})
	require.NoError(t, err)
	assert.False(t, res.Reconciled)
	assert.Zero(t, res.Discrepancy)
	assert.Empty(t, rec.events)
}

func TestReconcilePosition_DiscrepancyEmitsWarning(t *testing.T) {
	ledger, _ := seededLedger(t)
	rec := &recorder{}
	r := posttrade.NewPositionReconciler(ledger, rec, risk.NewManualClock(t0), nil, 0.0001)

	res, err := r.ReconcilePosition(context.Background(), "t1", "BTC", gateway.ExchangePositionData{AssetID: "BTC", Quantity: 11})
	require.NoError(t, err)
	assert.True(t, res.Reconciled)
	assert.InDelta(t, 1, res.Discrepancy, 1e-9)
	assert.Equal(t, 10.0, res.InternalQuantity)
	assert.Equal(t, 11.0, res.ExchangeQuantity)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, risk.EventPositionDiscrepancy, ev.Type)
	assert.Equal(t, risk.SeverityWarning, ev.Severity)
	assert.Equal(t, 10.0, ev.Metadata["internalQuantity"])
	assert.Equal(t, 11.0, ev.Metadata["exchangeQuantity"])
}

func TestReconcilePosition_DoesNotMutateLedger(t *testing.T) {
	ledger, tr := seededLedger(t)
	r := posttrade.NewPositionReconciler(ledger, nil, nil, nil, 0)
	_, err := r.ReconcilePosition(context.Background(), "t1", "BTC", gateway.ExchangePositionData{AssetID: "BTC", Quantity: 3})
	require.NoError(t, err)

	p, err := tr.GetPosition(context.Background(), "t1", "BTC", "s1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Quantity)
}

func TestReconcilePosition_EmitFailureStillReports(t *testing.T) {
	ledger, _ := seededLedger(t)
	rec := &recorder{err: errors.New("queue full")}
	r := posttrade.NewPositionReconciler(ledger, rec, nil, nil, 0)
	res, err := r.ReconcilePosition(context.Background(), "t1", "BTC", gateway.ExchangePositionData{AssetID: "BTC", Quantity: 12})
	require.Error(t, err)
	assert.True(t, res.Reconciled)
}

func TestReconcilePosition_Validation(t *testing.T) {
	ledger, _ := seededLedger(t)
	r := posttrade.NewPositionReconciler(ledger, nil, nil, nil, 0)
	_, err := r.ReconcilePosition(context.Background(), "", "BTC", gateway.ExchangePositionData{})
	assert.ErrorIs(t, err, risk.ErrValidation)
}

type fakeSource struct {
	positions map[string][]gateway.ExchangePositionData
	err       error
}

func (f fakeSource) FetchPositions(_ context.Context, tenantID string) ([]gateway.ExchangePositionData, error) {
	return f.positions[tenantID], f.err
}

func TestReconciler_ReconcileAllTenants(t *testing.T) {
	ledger, tr := seededLedger(t)
	eth := exec(gateway.SideBuy, 2, 10, 0)
	eth.AssetID = "ETH"
	_, err := tr.ProcessExecution(context.Background(), eth)
	require.NoError(t, err)

	rec := &recorder{}
	checker := posttrade.NewPositionReconciler(ledger, rec, nil, nil, 0)
	src := fakeSource{positions: map[string][]gateway.ExchangePositionData{
		"t1": {{AssetID: "BTC", Quantity: 11}},
	}}
	r := posttrade.NewReconciler(src, ledger, checker, posttrade.ReconcilerConfig{
		Interval: time.Hour,
		Tenants:  func() []string { return []string{"t1"} },
	}, nil)

	results, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "BTC", results[0].AssetID)
	assert.Equal(t, "ETH", results[1].AssetID)
	assert.Equal(t, 0.0, results[1].ExchangeQuantity)
	assert.True(t, results[1].Reconciled)

	stats := r.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalReconciliations)
	assert.Equal(t, int64(2), stats.Discrepancies)
	assert.NoError(t, stats.LastError)
	assert.Equal(t, time.Hour, stats.Interval)
}

func TestReconciler_SourceErrorRecorded(t *testing.T) {
	ledger, _ := seededLedger(t)
	checker := posttrade.NewPositionReconciler(ledger, nil, nil, nil, 0)
	r := posttrade.NewReconciler(fakeSource{err: errors.New("exchange down")}, ledger, checker, posttrade.ReconcilerConfig{
		Tenants: func() []string { return []string{"t1"} },
	}, nil)

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.Contains(t, r.GetStatistics().LastError.Error(), "exchange down")
}

func TestReconciler_StartStop(t *testing.T) {
	ledger, _ := seededLedger(t)
	checker := posttrade.NewPositionReconciler(ledger, nil, nil, nil, 0)
	r := posttrade.NewReconciler(fakeSource{}, ledger, checker, posttrade.ReconcilerConfig{Interval: 5 * time.Millisecond}, nil)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return r.GetStatistics().TotalReconciliations > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	r.UpdateInterval(time.Minute)
	assert.Equal(t, time.Minute, r.GetStatistics().Interval)
}
