package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"risk-guard-go/config"
	"risk-guard-go/infrastructure/logger"
	"risk-guard-go/internal/container"
	"risk-guard-go/internal/risk"
	"risk-guard-go/order"
)

const sampleSteps = `[
  {"order": {"tenantId": "acme", "strategyId": "grid", "assetId": "BTC", "side": "BUY", "quantity": 2, "price": 100}},
  {"execution": {"tenantId": "acme", "strategyId": "grid", "assetId": "BTC", "side": "BUY", "executedQuantity": 2, "executedPrice": 100}},
  {"advance": "1m"},
  {"price": {"tenantId": "acme", "assetId": "BTC", "price": 101}},
  {"killSwitch": {"tenantId": "acme", "activate": true, "reason": "drill"}},
  {"order": {"tenantId": "acme", "strategyId": "grid", "assetId": "BTC", "side": "BUY", "quantity": 1, "price": 100}}
]`

const sampleConfig = `
metrics:
  listenAddr: ""
tenants:
  acme:
    initialCapital: 100000
`

func replayConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Metrics.ListenAddr = ""
	cfg.Tenants = map[string]config.TenantPolicy{"acme": {InitialCapital: 100000}}
	return cfg
}

func TestReplay_KillSwitchBlocksLaterOrders(t *testing.T) {
	steps, err := decodeSteps(strings.NewReader(sampleSteps))
	require.NoError(t, err)
	require.Len(t, steps, 6)

	clock := risk.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := container.NewFromConfig(replayConfig(), container.Options{
		Clock:  clock,
		Logger: &logger.Logger{Logger: zap.NewNop()},
	})
	require.NoError(t, err)
	require.NoError(t, c.Build())
	events := &eventCollector{}
	c.Bus().Subscribe(events.sink())
	require.NoError(t, c.Start(context.Background()))

	rep, err := replay(context.Background(), c, clock, events, steps)
	require.NoError(t, err)

	require.Len(t, rep.Decisions, 2)
	assert.Equal(t, order.StatusNew, rep.Decisions[0].Order.Status)
	assert.Empty(t, rep.Decisions[0].Reason)
	assert.NotEmpty(t, rep.Decisions[1].Reason)
	assert.NoError(t, rep.Decisions[1].Err)

	require.Len(t, rep.Executions, 1)
	assert.NoError(t, rep.Executions[0].Err)
	require.Len(t, rep.Positions, 1)
	assert.Equal(t, 2.0, rep.Positions[0].Quantity)

	require.Len(t, rep.KillSwitch, 1)
	assert.True(t, rep.KillSwitch[0].Active)
	assert.Equal(t, "drill", rep.KillSwitch[0].Reason)

	var activated bool
	for _, ev := range rep.Events {
		if ev.Type == risk.EventKillSwitchActivated {
			activated = true
		}
	}
	assert.True(t, activated)
}

func TestReplay_BadSteps(t *testing.T) {
	_, err := decodeSteps(strings.NewReader(`{"order": {}}`))
	assert.Error(t, err)

	clock := risk.NewManualClock(time.Now())
	c, err := container.NewFromConfig(replayConfig(), container.Options{
		Clock:  clock,
		Logger: &logger.Logger{Logger: zap.NewNop()},
	})
	require.NoError(t, err)
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	_, err = replay(context.Background(), c, clock, &eventCollector{}, []step{{Advance: "soon"}})
	assert.Error(t, err)
	_, err = replay(context.Background(), c, clock, &eventCollector{}, []step{{}})
	assert.Error(t, err)
}

func TestRun_RendersTables(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "steps.json")
	cfgPath := filepath.Join(dir, "riskd.yaml")
	require.NoError(t, os.WriteFile(input, []byte(sampleSteps), 0o644))
	require.NoError(t, os.WriteFile(cfgPath, []byte(sampleConfig), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(cfgPath, input, "2024-01-01T00:00:00Z", false, &out))
	for _, title := range []string{"Orders", "Executions", "Positions", "Drawdown", "Kill Switch", "Risk Events"} {
		assert.Contains(t, out.String(), title)
	}
	assert.Contains(t, out.String(), "drill")
}
