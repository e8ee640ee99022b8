package pretrade

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
)

// DefaultCheckTimeout 单项检查的读超时；超时按失败处理，订单被拒。
const DefaultCheckTimeout = 250 * time.Millisecond

// KillSwitchReader 急停状态。
type KillSwitchReader interface {
	GetState(ctx context.Context, tenantID string) (risk.KillSwitchState, error)
}

// BreakerReader 熔断状态，只读，不做状态迁移。
type BreakerReader interface {
	Status(ctx context.Context, tenantID string, bctx risk.BreakerContext) (risk.BreakerCheck, error)
}

// LimitChecker 订单对仓位限额的检查。
type LimitChecker interface {
	CheckOrderAgainstLimits(ctx context.Context, order gateway.OrderRequest, notional float64) ([]risk.LimitCheck, error)
}

// DrawdownReader 回撤只读投影。
type DrawdownReader interface {
	CheckDrawdown(ctx context.Context, tenantID, strategyID string) (risk.DrawdownCheck, error)
}

// VolatilityReader 波动率节流状态与最近价格。
type VolatilityReader interface {
	Status(tenantID, assetID string) risk.VolatilityStatus
	LastPrice(tenantID, assetID string) (float64, bool)
}

// AccountReader 权益与敞口。
type AccountReader interface {
	Equity(ctx context.Context, tenantID string) (float64, bool, error)
	GrossExposure(ctx context.Context, tenantID string) (float64, error)
}

// LeveragePolicy 租户最大总杠杆，0 关闭检查。
type LeveragePolicy interface {
	MaxLeverage(tenantID string) float64
}

// StaticLeverage 所有租户同一杠杆上限。
type StaticLeverage float64

func (s StaticLeverage) MaxLeverage(string) float64 { return float64(s) }

// Observer 单项检查与整体决策的计时。
type Observer interface {
	ObserveCheck(checkType string, passed bool, elapsed time.Duration)
	ObserveDecision(approved bool, elapsed time.Duration)
}

// Config 检查器依赖。依赖为空时对应检查直接失败。
type Config struct {
	KillSwitch   KillSwitchReader
	Breakers     BreakerReader
	Limits       LimitChecker
	Drawdown     DrawdownReader
	Volatility   VolatilityReader
	Account      AccountReader
	Leverage     LeveragePolicy
	Observer     Observer
	Logger       *zap.Logger
	Clock        risk.Clock
	CheckTimeout time.Duration
}

// Checker 对订单并发执行七项检查并汇总。
type Checker struct {
	cfg   Config
	stuck atomic.Int64
}

func NewChecker(cfg Config) *Checker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = risk.NowUTC
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.Leverage == nil {
		cfg.Leverage = StaticLeverage(0)
	}
	return &Checker{cfg: cfg}
}

// orderView 各项检查共用的订单视图
type orderView struct {
	order       gateway.OrderRequest
	notional    float64
	hasNotional bool
}

type checkFunc func(ctx context.Context, v orderView) RiskCheckDetail

// Validate 执行全部检查，不短路，结果按 CheckOrder 排列；全部通过才 Approved。
func (c *Checker) Validate(ctx context.Context, order gateway.OrderRequest) RiskCheckResult {
	start := time.Now()
	res := RiskCheckResult{OrderID: order.OrderID, Timestamp: c.cfg.Clock.Now()}

	if err := validateOrder(order); err != nil {
		msg := "Invalid order: " + err.Error()
		for _, ct := range CheckOrder {
			res.Checks = append(res.Checks, fail(ct, msg))
		}
		res.RejectionReason = msg
		return c.finish(res, start)
	}

	v := orderView{order: order}
	ref := 0.0
	if c.cfg.Volatility != nil {
		ref, _ = c.cfg.Volatility.LastPrice(order.TenantID, order.AssetID)
	}
	v.notional, v.hasNotional = order.Notional(ref)

	checks := map[CheckType]checkFunc{
		CheckKillSwitch:       c.checkKillSwitch,
		CheckCircuitBreaker:   c.checkBreakers,
		CheckPositionLimit:    c.checkLimits,
		CheckDrawdown:         c.checkDrawdown,
		CheckVolatility:       c.checkVolatility,
		CheckCapitalAvailable: c.checkCapital,
		CheckLeverage:         c.checkLeverage,
	}

	details := make([]RiskCheckDetail, len(CheckOrder))
	var g errgroup.Group
	for i, ct := range CheckOrder {
		i, ct := i, ct
		fn := checks[ct]
		g.Go(func() error {
			t := time.Now()
			details[i] = c.runCheck(ctx, ct, fn, v)
			if c.cfg.Observer != nil {
				c.cfg.Observer.ObserveCheck(string(ct), details[i].Passed, time.Since(t))
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Checks = details
	res.Approved = true
	for _, d := range details {
		if !d.Passed {
			res.Approved = false
		}
	}
	res.RejectionReason = rejectionReason(res.Failed())
	return c.finish(res, start)
}

func (c *Checker) finish(res RiskCheckResult, start time.Time) RiskCheckResult {
	elapsed := time.Since(start)
	res.ProcessingTimeMs = float64(elapsed.Microseconds()) / 1000
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveDecision(res.Approved, elapsed)
	}
	if !res.Approved {
		c.cfg.Logger.Warn("order rejected",
			zap.String("order_id", res.OrderID),
			zap.String("reason", res.RejectionReason),
			zap.Float64("processing_ms", res.ProcessingTimeMs))
	}
	return res
}

// runCheck 在独立超时内执行单项检查；panic、错误、超时都记为失败。
// 超时后检查 goroutine 要等依赖响应 cctx 取消才退出。依赖都接收 ctx，sqlite 走 *Context 方法；
// 不响应取消的依赖会让 goroutine 滞留，数量见 Stuck。
func (c *Checker) runCheck(ctx context.Context, ct CheckType, fn checkFunc, v orderView) RiskCheckDetail {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	out := make(chan RiskCheckDetail, 1)
	// 0 运行中，1 已返回，2 已超时放弃
	var state atomic.Int32
	go func() {
		defer func() {
			if !state.CompareAndSwap(0, 1) {
				c.stuck.Add(-1)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				c.cfg.Logger.Error("pre-trade check panicked",
					zap.String("check", string(ct)),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				out <- fail(ct, fmt.Sprintf("%s check failed: internal error", ct))
			}
		}()
		out <- fn(cctx, v)
	}()

	select {
	case d := <-out:
		d.CheckType = ct
		return d
	case <-cctx.Done():
		if state.CompareAndSwap(0, 2) {
			c.stuck.Add(1)
		}
		c.cfg.Logger.Error("pre-trade check timed out",
			zap.String("check", string(ct)),
			zap.Duration("timeout", c.cfg.CheckTimeout),
			zap.Int64("stuck", c.stuck.Load()),
			zap.Error(cctx.Err()))
		return fail(ct, fmt.Sprintf("%s check unavailable: %v", ct, cctx.Err()))
	}
}

// Stuck 超时后仍未返回的检查 goroutine 数。
func (c *Checker) Stuck() int64 { return c.stuck.Load() }

func validateOrder(o gateway.OrderRequest) error {
	var problems []string
	if o.TenantID == "" {
		problems = append(problems, "tenantId is required")
	}
	if o.AssetID == "" {
		problems = append(problems, "assetId is required")
	}
	if !o.Side.Valid() {
		problems = append(problems, fmt.Sprintf("side %q is invalid", o.Side))
	}
	if !(o.Quantity > 0) {
		problems = append(problems, "quantity must be > 0")
	}
	if o.Price < 0 {
		problems = append(problems, "price must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", risk.ErrValidation, strings.Join(problems, ", "))
	}
	return nil
}

func (c *Checker) checkKillSwitch(ctx context.Context, v orderView) RiskCheckDetail {
	if c.cfg.KillSwitch == nil {
		return fail(CheckKillSwitch, "Kill switch state unavailable")
	}
	st, err := c.cfg.KillSwitch.GetState(ctx, v.order.TenantID)
	if err != nil {
		return fail(CheckKillSwitch, "Kill switch state unavailable: "+err.Error())
	}
	if st.Active {
		msg := "Kill switch is active"
		if st.Reason != "" {
			msg += ": " + st.Reason
		}
		return fail(CheckKillSwitch, msg)
	}
	return pass(CheckKillSwitch, "Kill switch inactive")
}

func (c *Checker) checkBreakers(ctx context.Context, v orderView) RiskCheckDetail {
	if c.cfg.Breakers == nil {
		return fail(CheckCircuitBreaker, "Circuit breaker state unavailable")
	}
	st, err := c.cfg.Breakers.Status(ctx, v.order.TenantID, risk.BreakerContext{StrategyID: v.order.StrategyID, AssetID: v.order.AssetID})
	if err != nil {
		return fail(CheckCircuitBreaker, "Circuit breaker state unavailable: "+err.Error())
	}
	if n := len(st.OpenBreakers); n > 0 {
		names := make([]string, 0, n)
		for _, b := range st.OpenBreakers {
			names = append(names, b.Name)
		}
		d := fail(CheckCircuitBreaker, "Circuit breaker open: "+strings.Join(names, ", "))
		d.CurrentValue = f64(float64(n))
		d.LimitValue = f64(0)
		return d
	}
	if n := len(st.HalfOpenBreakers); n > 0 {
		return pass(CheckCircuitBreaker, fmt.Sprintf("%d circuit breaker(s) half-open, probing allowed", n))
	}
	return pass(CheckCircuitBreaker, "All circuit breakers closed")
}

func (c *Checker) checkLimits(ctx context.Context, v orderView) RiskCheckDetail {
	if c.cfg.Limits == nil {
		return fail(CheckPositionLimit, "Position limits unavailable")
	}
	if !v.hasNotional {
		return fail(CheckPositionLimit, "Cannot value order: no price available for "+v.order.AssetID)
	}
	checks, err := c.cfg.Limits.CheckOrderAgainstLimits(ctx, v.order, v.notional)
	if err != nil {
		return fail(CheckPositionLimit, "Position limits unavailable: "+err.Error())
	}
	if len(checks) == 0 {
		return pass(CheckPositionLimit, "No position limits configured")
	}
	var failed []risk.LimitCheck
	for _, lc := range checks {
		if !lc.WithinLimit {
			failed = append(failed, lc)
		}
	}
	if len(failed) == 0 {
		return pass(CheckPositionLimit, fmt.Sprintf("Within %d position limit(s)", len(checks)))
	}
	msgs := make([]string, 0, len(failed))
	for _, lc := range failed {
		msgs = append(msgs, lc.Message)
	}
	d := fail(CheckPositionLimit, "Position limit exceeded: "+strings.Join(msgs, "; "))
	d.CurrentValue = f64(failed[0].Limit.CurrentValue)
	d.LimitValue = f64(failed[0].Limit.MaxValue)
	return d
}

func (c *Checker) checkDrawdown(ctx context.Context, v orderView) RiskCheckDetail {
	if c.cfg.Drawdown == nil {
		return fail(CheckDrawdown, "Drawdown state unavailable")
	}
	scopes := []string{v.order.StrategyID}
	if v.order.StrategyID != "" {
		scopes = append(scopes, "")
	}
	var worst *risk.DrawdownCheck
	for _, sid := range scopes {
		dc, err := c.cfg.Drawdown.CheckDrawdown(ctx, v.order.TenantID, sid)
		if err != nil {
			return fail(CheckDrawdown, "Drawdown state unavailable: "+err.Error())
		}
		if !dc.TradingAllowed {
			label := "strategy " + sid
			if sid == "" {
				label = "portfolio"
			}
			d := fail(CheckDrawdown, fmt.Sprintf("Drawdown %s for %s: %.2f%% (max %.2f%%)",
				dc.Status, label, dc.DrawdownPercent, dc.State.MaxThreshold))
			d.CurrentValue = f64(dc.DrawdownPercent)
			d.LimitValue = f64(dc.State.MaxThreshold)
			return d
		}
		if dc.Configured && (worst == nil || dc.DrawdownPercent > worst.DrawdownPercent) {
			dc := dc
			worst = &dc
		}
	}
	if worst == nil {
		return pass(CheckDrawdown, "No drawdown tracking configured")
	}
	d := pass(CheckDrawdown, fmt.Sprintf("Drawdown %.2f%% (%s)", worst.DrawdownPercent, worst.Status))
	d.CurrentValue = f64(worst.DrawdownPercent)
	d.LimitValue = f64(worst.State.MaxThreshold)
	return d
}

func (c *Checker) checkVolatility(_ context.Context, v orderView) RiskCheckDetail {
	if v.order.Side == gateway.SideSell {
		return pass(CheckVolatility, "Exit orders are not volatility-gated")
	}
	if c.cfg.Volatility == nil {
		return pass(CheckVolatility, "Volatility throttle not configured")
	}
	st := c.cfg.Volatility.Status(v.order.TenantID, v.order.AssetID)
	if !st.AllowNewEntries {
		return fail(CheckVolatility, "New entries throttled: "+st.Reason)
	}
	return pass(CheckVolatility, "Volatility within bounds")
}

func (c *Checker) checkCapital(ctx context.Context, v orderView) RiskCheckDetail {
	if v.order.Side == gateway.SideSell {
		return pass(CheckCapitalAvailable, "Sell orders release capital")
	}
	if c.cfg.Account == nil {
		return pass(CheckCapitalAvailable, "Capital check not configured")
	}
	equity, ok, err := c.cfg.Account.Equity(ctx, v.order.TenantID)
	if err != nil {
		return fail(CheckCapitalAvailable, "Account equity unavailable: "+err.Error())
	}
	if !ok {
		return pass(CheckCapitalAvailable, "Capital check not configured")
	}
	if !v.hasNotional {
		return fail(CheckCapitalAvailable, "Cannot value order: no price available for "+v.order.AssetID)
	}
	gross, err := c.cfg.Account.GrossExposure(ctx, v.order.TenantID)
	if err != nil {
		return fail(CheckCapitalAvailable, "Exposure unavailable: "+err.Error())
	}
	available := equity - gross
	if v.notional > available {
		d := fail(CheckCapitalAvailable, fmt.Sprintf("Insufficient capital: order %.2f exceeds available %.2f", v.notional, available))
		d.CurrentValue = f64(v.notional)
		d.LimitValue = f64(available)
		return d
	}
	d := pass(CheckCapitalAvailable, fmt.Sprintf("Capital available: %.2f", available))
	d.CurrentValue = f64(v.notional)
	d.LimitValue = f64(available)
	return d
}

func (c *Checker) checkLeverage(ctx context.Context, v orderView) RiskCheckDetail {
	maxLev := c.cfg.Leverage.MaxLeverage(v.order.TenantID)
	if maxLev <= 0 || c.cfg.Account == nil {
		return pass(CheckLeverage, "Leverage limit not configured")
	}
	equity, ok, err := c.cfg.Account.Equity(ctx, v.order.TenantID)
	if err != nil {
		return fail(CheckLeverage, "Account equity unavailable: "+err.Error())
	}
	if !ok {
		return pass(CheckLeverage, "Leverage limit not configured")
	}
	if equity <= 0 {
		return fail(CheckLeverage, fmt.Sprintf("Non-positive equity %.2f", equity))
	}
	if !v.hasNotional {
		return fail(CheckLeverage, "Cannot value order: no price available for "+v.order.AssetID)
	}
	gross, err := c.cfg.Account.GrossExposure(ctx, v.order.TenantID)
	if err != nil {
		return fail(CheckLeverage, "Exposure unavailable: "+err.Error())
	}
	lev := (gross + v.notional) / equity
	d := pass(CheckLeverage, fmt.Sprintf("Leverage %.2fx within %.2fx", lev, maxLev))
	if lev > maxLev {
		d = fail(CheckLeverage, fmt.Sprintf("Leverage %.2fx exceeds max %.2fx", lev, maxLev))
	}
	d.CurrentValue = f64(lev)
	d.LimitValue = f64(maxLev)
	return d
}
