package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/order"
	"risk-guard-go/posttrade"
	"risk-guard-go/pretrade"
)

// ValidateOrder 只跑下单前检查，不登记订单。
func (c *Container) ValidateOrder(ctx context.Context, req gateway.OrderRequest) pretrade.RiskCheckResult {
	res := c.checker.Validate(ctx, req)
	c.logger.LogDecision(res.OrderID, res.Approved, res.RejectionReason, map[string]interface{}{
		"tenant":   req.TenantID,
		"strategy": req.StrategyID,
		"asset":    req.AssetID,
	})
	return res
}

// SubmitOrder 风控通过后登记并下发订单。
func (c *Container) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (order.Order, pretrade.RiskCheckResult, error) {
	o, res, err := c.orders.Submit(ctx, req)
	if res.OrderID != "" {
		c.logger.LogDecision(res.OrderID, res.Approved, res.RejectionReason, map[string]interface{}{
			"tenant":   o.TenantID,
			"strategy": o.StrategyID,
			"asset":    o.AssetID,
		})
	}
	if err == nil {
		c.monitor.RecordOrderPlaced()
	}
	return o, res, err
}

// ProcessExecution 成交先推进挂单簿，再进入成交后流程。
// 未登记的订单（外部下单）只跳过挂单簿。
func (c *Container) ProcessExecution(ctx context.Context, exec gateway.ExecutionReport) (posttrade.PostTradeResult, error) {
	if exec.OrderID != "" {
		if _, _, err := c.orders.ApplyExecution(exec); err != nil {
			c.logger.Warn("order book rejected execution", zap.String("order_id", exec.OrderID), zap.Error(err))
		}
	}
	res, err := c.updater.ProcessExecution(ctx, exec)
	if res.AuditErr != nil {
		c.logger.Warn("risk events not fully published", zap.String("tenant", exec.TenantID), zap.Error(res.AuditErr))
	}
	return res, err
}

// ObservePrice 行情价格喂给波动率节流；返回是否触发暂停。
func (c *Container) ObservePrice(tenantID, assetID string, price float64) (bool, string) {
	return c.volatility.ObservePrice(tenantID, assetID, risk.Tick{Price: price, Ts: c.clock.Now()})
}

func (c *Container) ResetDrawdown(ctx context.Context, tenantID, strategyID, resetBy string) (risk.DrawdownState, error) {
	st, err := c.drawdown.ResetDrawdown(ctx, tenantID, strategyID, resetBy)
	c.audit("reset_drawdown", tenantID, resetBy, err, zap.String("strategy", strategyID))
	return st, err
}

func (c *Container) ResumeStrategy(ctx context.Context, tenantID, strategyID, authToken, resumedBy string) (risk.DrawdownState, error) {
	st, err := c.drawdown.ResumeStrategy(ctx, tenantID, strategyID, authToken, resumedBy)
	c.audit("resume_strategy", tenantID, resumedBy, err, zap.String("strategy", strategyID))
	return st, err
}

// ActivateKillSwitch 人工急停。
func (c *Container) ActivateKillSwitch(ctx context.Context, tenantID, reason, activatedBy string) (risk.ActivationResult, error) {
	res, err := c.killSwitch.Activate(ctx, tenantID, reason, risk.TriggerManual, activatedBy)
	c.audit("activate_kill_switch", tenantID, activatedBy, err, zap.String("reason", reason), zap.Int("orders_cancelled", res.OrdersCancelled))
	return res, err
}

func (c *Container) DeactivateKillSwitch(ctx context.Context, tenantID, authToken, deactivatedBy string) (risk.KillSwitchState, error) {
	st, err := c.killSwitch.Deactivate(ctx, tenantID, authToken, deactivatedBy)
	c.audit("deactivate_kill_switch", tenantID, deactivatedBy, err)
	return st, err
}

func (c *Container) ResetBreaker(ctx context.Context, tenantID, breakerID, resetBy string) (risk.CircuitBreakerState, error) {
	b, err := c.breakers.ResetBreaker(ctx, tenantID, breakerID, resetBy)
	c.audit("reset_breaker", tenantID, resetBy, err, zap.String("breaker", breakerID))
	return b, err
}

// UpsertBreaker 新增或修改熔断器；修改时保留运行状态。
func (c *Container) UpsertBreaker(ctx context.Context, b risk.CircuitBreakerState) (risk.CircuitBreakerState, error) {
	out, err := c.breakers.UpsertBreaker(ctx, b)
	c.audit("upsert_breaker", b.TenantID, "", err, zap.String("breaker", out.BreakerID), zap.String("name", b.Name))
	return out, err
}

// UpsertLimit 新增或修改限额；修改时保留 currentValue。
func (c *Container) UpsertLimit(ctx context.Context, l risk.PositionLimit) (risk.PositionLimit, error) {
	out, err := c.limits.UpsertLimit(ctx, l)
	c.audit("upsert_limit", l.TenantID, "", err, zap.String("limit", out.LimitID), zap.Float64("max_value", l.MaxValue))
	return out, err
}

func (c *Container) audit(action, tenantID, actor string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("action", action), zap.String("tenant", tenantID))
	if actor != "" {
		fields = append(fields, zap.String("actor", actor))
	}
	if err != nil {
		c.logger.Warn("admin operation failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info("admin operation", fields...)
}

// KillSwitchActive 当前急停状态。
func (c *Container) KillSwitchActive(ctx context.Context, tenantID string) (bool, error) {
	active, err := c.killSwitch.IsActive(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return active, nil
}
