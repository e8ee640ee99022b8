package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-guard-go/internal/risk"
	"risk-guard-go/inventory"
)

// TestMemory_ConcurrentPositionUpdates 并发读写仓位
func TestMemory_ConcurrentPositionUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.SavePosition(ctx, inventory.Position{
					TenantID:    "t1",
					AssetID:     fmt.Sprintf("A%d", worker),
					Quantity:    float64(j),
					LastUpdated: time.Now(),
				})
			}
		}(i)
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = m.ListPositions(ctx, "t1")
				_, _, _ = m.GetPosition(ctx, "t1", "A0", "")
			}
		}()
	}
	wg.Wait()

	ps, err := m.ListPositions(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, ps, 5)
	for _, p := range ps {
		assert.Equal(t, 99.0, p.Quantity)
	}
}

// TestMemory_ConcurrentTenants 不同租户互不影响
func TestMemory_ConcurrentTenants(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tenant := fmt.Sprintf("t%d", n)
			_ = m.SaveKillSwitch(ctx, risk.KillSwitchState{TenantID: tenant, Active: n%2 == 0})
			_ = m.SetPortfolioValue(ctx, tenant, "", float64(n))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		tenant := fmt.Sprintf("t%d", i)
		ks, found, err := m.GetKillSwitch(ctx, tenant)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, i%2 == 0, ks.Active)
		v, found, err := m.GetPortfolioValue(ctx, tenant, "")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, float64(i), v)
	}
}
