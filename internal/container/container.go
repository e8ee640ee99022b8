package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"risk-guard-go/config"
	"risk-guard-go/gateway"
	"risk-guard-go/infrastructure/alert"
	"risk-guard-go/infrastructure/logger"
	"risk-guard-go/infrastructure/monitor"
	"risk-guard-go/internal/audit"
	"risk-guard-go/internal/risk"
	"risk-guard-go/internal/store"
	"risk-guard-go/internal/store/sqlite"
	"risk-guard-go/inventory"
	"risk-guard-go/order"
	"risk-guard-go/posttrade"
	"risk-guard-go/pretrade"
)

// Options 外部协作方。均可为空：没有 Gateway 时订单只在本地登记，
// 没有 PositionSource 时不启动对账循环。
type Options struct {
	Gateway       order.Gateway
	Positions     posttrade.PositionSource
	AlertChannels []alert.Channel
	Clock         risk.Clock
	// Logger 覆盖配置中的日志设置（测试用）。
	Logger *logger.Logger
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfgPath  string
	opts     Options
	provider *config.Provider
	clock    risk.Clock

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 存储
	memory *store.Memory
	sqlite *sqlite.Repository

	// 审计
	bus  *audit.Bus
	feed *audit.Feed

	// 风控核心
	killSwitch *risk.KillSwitch
	breakers   *risk.CircuitBreakers
	limits     *risk.PositionLimitEnforcer
	drawdown   *risk.DrawdownTracker
	volatility *risk.VolatilityThrottle
	pnl        *risk.PnLMonitor
	positions  *inventory.Tracker
	checker    *pretrade.Checker
	updater    *posttrade.Updater
	reconciler *posttrade.Reconciler
	orders     *order.Manager

	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container；Start 后配置文件变更会热加载。
func New(configPath string, opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c, err := NewFromConfig(cfg, opts)
	if err != nil {
		return nil, err
	}
	c.cfgPath = configPath
	return c, nil
}

// NewFromConfig 使用已加载的配置创建 Container（不监听文件）。
func NewFromConfig(cfg config.AppConfig, opts Options) (*Container, error) {
	provider, err := config.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = risk.NowUTC
	}
	return &Container{
		opts:      opts,
		provider:  provider,
		clock:     clock,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStore(); err != nil {
		return fmt.Errorf("build store failed: %w", err)
	}
	c.buildAudit()
	if err := c.buildRisk(); err != nil {
		return fmt.Errorf("build risk core failed: %w", err)
	}
	if err := c.buildTrading(); err != nil {
		return fmt.Errorf("build trading services failed: %w", err)
	}
	if err := c.syncConfig(context.Background(), c.provider.Snapshot()); err != nil {
		return fmt.Errorf("apply config failed: %w", err)
	}
	c.provider.OnChange(func(_, cur config.AppConfig) {
		if err := c.syncConfig(context.Background(), cur); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "config_sync"})
		}
	})
	if err := c.registerLifecycleComponents(); err != nil {
		return err
	}
	c.logger.Info("container built", zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	cfg := c.provider.Snapshot()
	if c.opts.Logger != nil {
		c.logger = c.opts.Logger
	} else {
		var err error
		c.logger, err = logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}
	c.monitor = monitor.New(cfg.Metrics.Config)

	channels := c.opts.AlertChannels
	if len(channels) == 0 {
		channels = []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	}
	c.alerts = alert.NewManager(channels, alert.Config{
		MinSeverity: cfg.Audit.AlertMinSeverity,
		Throttle:    cfg.Audit.AlertThrottle,
		Clock:       c.clock,
	})
	return nil
}

// buildStore sqlite 驱动下急停与回撤状态落盘，其余状态仍在内存。
func (c *Container) buildStore() error {
	cfg := c.provider.Snapshot().Store
	c.memory = store.NewMemory()
	if cfg.Driver != "sqlite" {
		return nil
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.Path, Logger: c.logger.Logger})
	if err != nil {
		return err
	}
	c.sqlite = repo
	return nil
}

func (c *Container) buildAudit() {
	cfg := c.provider.Snapshot().Audit
	c.bus = audit.NewBus(audit.BusConfig{
		Buffer: cfg.Buffer,
		Logger: c.logger.Logger,
		OnDrop: func(ev risk.RiskEvent) {
			c.monitor.RecordEventDropped()
			c.logger.Error("risk event dropped", zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)))
		},
	})
	c.feed = audit.NewFeed(audit.FeedConfig{Replay: cfg.FeedReplay, Logger: c.logger.Logger})

	c.bus.Subscribe(audit.LogSink{L: c.logger})
	c.bus.Subscribe(audit.MetricsSink{M: c.monitor})
	c.bus.Subscribe(audit.AlertSink{Manager: c.alerts})
	if c.sqlite != nil {
		c.bus.Subscribe(audit.StoreSink{Store: c.sqlite})
		c.seedFeed(cfg.FeedReplay)
	}
	c.bus.Subscribe(c.feed)
}

// seedFeed 重启后 websocket 新连接仍能看到已配置租户的近期事件。读取失败只告警。
func (c *Container) seedFeed(limit int) {
	if limit <= 0 {
		return
	}
	var history []risk.RiskEvent
	for _, tenant := range c.provider.Tenants() {
		evs, err := c.sqlite.ListEvents(context.Background(), tenant, limit)
		if err != nil {
			c.logger.Warn("load event history failed", zap.String("tenant", tenant), zap.Error(err))
			continue
		}
		history = append(history, evs...)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	c.feed.Seed(history)
}

func (c *Container) buildRisk() error {
	cfg := c.provider.Snapshot()
	zl := c.logger.Logger

	var (
		ksRepo risk.KillSwitchRepository = c.memory
		ddRepo risk.DrawdownRepository   = c.memory
	)
	if c.sqlite != nil {
		ksRepo, ddRepo = c.sqlite, c.sqlite
	}

	var err error
	c.killSwitch, err = risk.NewKillSwitch(risk.KillSwitchConfig{
		Repo:      ksRepo,
		Canceller: orderCanceller{c: c},
		Policy:    c.provider,
		Clock:     c.clock,
		Logger:    zl,
		Emitter:   c.bus,
	})
	if err != nil {
		return err
	}
	c.breakers, err = risk.NewCircuitBreakers(risk.CircuitBreakersConfig{
		Repo:    c.memory,
		Clock:   c.clock,
		Logger:  zl,
		Emitter: c.bus,
	})
	if err != nil {
		return err
	}
	c.drawdown, err = risk.NewDrawdownTracker(risk.DrawdownTrackerConfig{
		Repo:       ddRepo,
		Thresholds: c.provider,
		Clock:      c.clock,
		Logger:     zl,
		Emitter:    c.bus,
	})
	if err != nil {
		return err
	}
	c.limits = risk.NewPositionLimitEnforcer(c.memory, c.clock, zl)
	c.volatility = risk.NewVolatilityThrottle(cfg.Volatility, c.clock)
	c.pnl = risk.NewPnLMonitor(24*time.Hour, c.clock)
	c.positions = inventory.NewTracker(c.memory, c.clock)
	return nil
}

func (c *Container) buildTrading() error {
	cfg := c.provider.Snapshot()
	zl := c.logger.Logger

	c.checker = pretrade.NewChecker(pretrade.Config{
		KillSwitch:   c.killSwitch,
		Breakers:     c.breakers,
		Limits:       c.limits,
		Drawdown:     c.drawdown,
		Volatility:   c.volatility,
		Account:      pretrade.Account{Values: c.memory, Positions: c.positions},
		Leverage:     c.provider,
		Observer:     c.monitor,
		Logger:       zl,
		Clock:        c.clock,
		CheckTimeout: cfg.PreTrade.CheckTimeout,
	})

	var err error
	c.updater, err = posttrade.NewUpdater(posttrade.Config{
		Positions:  c.positions,
		Values:     c.memory,
		Drawdown:   c.drawdown,
		PnL:        c.pnl,
		KillSwitch: c.killSwitch,
		Breakers:   c.breakers,
		Limits:     c.limits,
		Volatility: c.volatility,
		Settings:   c.provider,
		Emitter:    c.bus,
		Observer:   c.monitor,
		Clock:      c.clock,
		Logger:     zl,
	})
	if err != nil {
		return err
	}

	var limiter gateway.RateLimiter
	if cfg.Gateway.RatePerSecond > 0 {
		limiter = gateway.NewTenantLimiter(cfg.Gateway.RatePerSecond, cfg.Gateway.Burst)
	}
	c.orders = order.NewManager(order.ManagerConfig{
		Gateway:     c.opts.Gateway,
		Admission:   c.checker,
		Errors:      c.updater,
		Limiter:     limiter,
		Constraints: cfg.Assets,
		Clock:       c.clock,
		Logger:      zl,
	})

	if c.opts.Positions != nil {
		ledger := &inventory.Sync{Tracker: c.positions}
		checker := posttrade.NewPositionReconciler(ledger, c.bus, c.clock, zl, cfg.Reconcile.Tolerance)
		c.reconciler = posttrade.NewReconciler(c.opts.Positions, ledger, checker, posttrade.ReconcilerConfig{
			Interval: cfg.Reconcile.Interval,
			Tenants:  c.provider.Tenants,
			OnRun: func(_ []posttrade.ReconciliationResult, err error) {
				c.monitor.RecordReconcile(err)
			},
		}, zl)
	}
	return nil
}

// syncConfig 把配置中的熔断器、限额、波动率阈值与资产精度同步到运行组件。
// 已存在的熔断器/限额保留运行状态；仅通过管理接口创建的条目不会被删除。
func (c *Container) syncConfig(ctx context.Context, cfg config.AppConfig) error {
	var errs []error
	for _, tenantID := range c.provider.Tenants() {
		for _, b := range c.provider.Breakers(tenantID) {
			if _, err := c.breakers.UpsertBreaker(ctx, b); err != nil {
				errs = append(errs, fmt.Errorf("breaker %s/%s: %w", tenantID, b.Name, err))
			}
		}
		for _, l := range c.provider.Limits(tenantID) {
			if _, err := c.limits.UpsertLimit(ctx, l); err != nil {
				errs = append(errs, fmt.Errorf("limit %s/%s: %w", tenantID, l.LimitID, err))
			}
		}
	}
	c.volatility.UpdateConfig(cfg.Volatility)
	c.orders.SetConstraints(cfg.Assets)
	if c.reconciler != nil {
		c.reconciler.UpdateInterval(cfg.Reconcile.Interval)
	}
	c.logger.Info("config applied", zap.Int("tenants", len(cfg.Tenants)), zap.Int("assets", len(cfg.Assets)))
	return errors.Join(errs...)
}

func (c *Container) registerLifecycleComponents() error {
	cfg := c.provider.Snapshot()
	c.lifecycle.Register(&busComponent{bus: c.bus, feed: c.feed, timeout: 5 * time.Second})

	if c.cfgPath != "" {
		w, err := config.NewWatcher(c.cfgPath, c.provider, config.WatcherConfig{Logger: c.logger.Logger})
		if err != nil {
			return fmt.Errorf("create config watcher failed: %w", err)
		}
		c.lifecycle.Register(watcherComponent{w: w})
	}
	if c.reconciler != nil && cfg.Reconcile.Enabled {
		c.lifecycle.Register(reconcilerComponent{r: c.reconciler})
	}
	if cfg.Metrics.ListenAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "http_server",
			handler: c.Handler(),
			addr:    cfg.Metrics.ListenAddr,
			logger:  c.logger.Named("http"),
		})
	}
	return nil
}

// Handler /metrics、/events（websocket）与 /healthz。
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.Handle("/events", c.feed)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件。挂单不在此处撤销：急停是唯一的批量撤单入口。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.sqlite != nil {
		if cerr := c.sqlite.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() *config.Provider             { return c.provider }
func (c *Container) Logger() *logger.Logger               { return c.logger }
func (c *Container) Monitor() *monitor.Monitor            { return c.monitor }
func (c *Container) Bus() *audit.Bus                      { return c.bus }
func (c *Container) Feed() *audit.Feed                    { return c.feed }
func (c *Container) Orders() *order.Manager               { return c.orders }
func (c *Container) Checker() *pretrade.Checker           { return c.checker }
func (c *Container) Updater() *posttrade.Updater          { return c.updater }
func (c *Container) Reconciler() *posttrade.Reconciler    { return c.reconciler }
func (c *Container) KillSwitch() *risk.KillSwitch         { return c.killSwitch }
func (c *Container) Breakers() *risk.CircuitBreakers      { return c.breakers }
func (c *Container) Limits() *risk.PositionLimitEnforcer  { return c.limits }
func (c *Container) Drawdown() *risk.DrawdownTracker      { return c.drawdown }
func (c *Container) Positions() *inventory.Tracker        { return c.positions }
func (c *Container) Volatility() *risk.VolatilityThrottle { return c.volatility }

// orderCanceller 急停撤单走订单管理器，并计数。
type orderCanceller struct{ c *Container }

func (o orderCanceller) CancelAll(ctx context.Context, tenantID string) (int, error) {
	n, err := o.c.orders.CancelAll(ctx, tenantID)
	o.c.monitor.RecordOrdersCancelled(n)
	return n, err
}
