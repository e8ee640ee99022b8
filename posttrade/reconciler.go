package posttrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-guard-go/gateway"
	"risk-guard-go/inventory"
)

// PositionSource 交易所侧的仓位快照来源。
type PositionSource interface {
	FetchPositions(ctx context.Context, tenantID string) ([]gateway.ExchangePositionData, error)
}

// PositionSnapshotter 内部账本快照。
type PositionSnapshotter interface {
	Snapshot(ctx context.Context, tenantID string) (inventory.Snapshot, error)
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval time.Duration // 对账间隔
	Tenants  func() []string
	// OnRun 每轮对账结束后调用（指标）。
	OnRun func(results []ReconciliationResult, err error)
}

// Reconciler 定期拉取交易所仓位并与内部账本对账
type Reconciler struct {
	source   PositionSource
	ledger   PositionSnapshotter
	checker  *PositionReconciler
	tenants  func() []string
	onRun    func([]ReconciliationResult, error)
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	// 统计信息
	totalReconciliations int64
	discrepancies        int64
	lastReconcileTime    time.Time
	lastErr              error
	started              bool
}

// NewReconciler 创建仓位对账器
func NewReconciler(source PositionSource, ledger PositionSnapshotter, checker *PositionReconciler, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second // 默认30秒
	}
	if cfg.Tenants == nil {
		cfg.Tenants = func() []string { return nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		source:   source,
		ledger:   ledger,
		checker:  checker,
		tenants:  cfg.Tenants,
		onRun:    cfg.OnRun,
		interval: cfg.Interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("reconciler already started")
	}
	r.started = true
	go r.reconcileLoop(ctx)
	return nil
}

// Stop 停止对账循环并等待退出
func (r *Reconciler) Stop() error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	r.stopOnce.Do(func() { close(r.stopChan) })
	if started {
		<-r.doneChan
	}
	return nil
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("position reconciliation failed", zap.Error(err))
			}
			ticker.Reset(r.currentInterval())
		}
	}
}

// Reconcile 对全部租户执行一次对账。交易所未返回但内部持有的资产按交易所数量 0 处理。
func (r *Reconciler) Reconcile(ctx context.Context) ([]ReconciliationResult, error) {
	var (
		out  []ReconciliationResult
		errs []error
	)
	for _, tenantID := range r.tenants() {
		res, err := r.reconcileTenant(ctx, tenantID)
		out = append(out, res...)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	err := errors.Join(errs...)

	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.lastErr = err
	for _, res := range out {
		if res.Reconciled {
			r.discrepancies++
		}
	}
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(out, err)
	}
	return out, err
}

func (r *Reconciler) reconcileTenant(ctx context.Context, tenantID string) ([]ReconciliationResult, error) {
	remote, err := r.source.FetchPositions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}
	snap, err := r.ledger.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger: %w", err)
	}

	seen := make(map[string]bool, len(remote))
	var (
		out  []ReconciliationResult
		errs []error
	)
	for _, p := range remote {
		seen[p.AssetID] = true
		res, err := r.checker.ReconcilePosition(ctx, tenantID, p.AssetID, p)
		if err != nil {
			errs = append(errs, err)
		}
		if res.AssetID != "" {
			out = append(out, res)
		}
	}
	// 本地有仓位但交易所没有
	var missing []string
	for asset, qty := range snap.Net {
		if !seen[asset] && qty != 0 {
			missing = append(missing, asset)
		}
	}
	sort.Strings(missing)
	for _, asset := range missing {
		res, err := r.checker.ReconcilePosition(ctx, tenantID, asset, gateway.ExchangePositionData{AssetID: asset})
		if err != nil {
			errs = append(errs, err)
		}
		if res.AssetID != "" {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	Discrepancies        int64
	LastReconcileTime    time.Time
	LastError            error
	Interval             time.Duration
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		Discrepancies:        r.discrepancies,
		LastReconcileTime:    r.lastReconcileTime,
		LastError:            r.lastErr,
		Interval:             r.interval,
	}
}

// UpdateInterval 更新对账间隔，下一轮生效
func (r *Reconciler) UpdateInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.interval = interval
	}
}

func (r *Reconciler) currentInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}
