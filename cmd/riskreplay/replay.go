package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/audit"
	"risk-guard-go/internal/container"
	"risk-guard-go/internal/risk"
	"risk-guard-go/inventory"
	"risk-guard-go/order"
	"risk-guard-go/posttrade"
)

// step 回放文件中的一步，只设置其中一个字段。
type step struct {
	Order      *gateway.OrderRequest    `json:"order,omitempty"`
	Execution  *gateway.ExecutionReport `json:"execution,omitempty"`
	Price      *priceStep               `json:"price,omitempty"`
	Advance    string                   `json:"advance,omitempty"`
	KillSwitch *killSwitchStep          `json:"killSwitch,omitempty"`
}

type priceStep struct {
	TenantID string  `json:"tenantId"`
	AssetID  string  `json:"assetId"`
	Price    float64 `json:"price"`
}

type killSwitchStep struct {
	TenantID  string `json:"tenantId"`
	Activate  bool   `json:"activate"`
	Reason    string `json:"reason"`
	AuthToken string `json:"authToken"`
}

func decodeSteps(r io.Reader) ([]step, error) {
	var steps []step
	if err := json.NewDecoder(r).Decode(&steps); err != nil {
		return nil, fmt.Errorf("decode replay file: %w", err)
	}
	return steps, nil
}

type decision struct {
	Order  order.Order
	Reason string
	Err    error
}

type execution struct {
	Exec   gateway.ExecutionReport
	Result posttrade.PostTradeResult
	Err    error
}

// report 回放结果。
type report struct {
	Decisions  []decision
	Executions []execution
	Events     []risk.RiskEvent
	Positions  []inventory.Position
	Drawdowns  []risk.DrawdownState
	KillSwitch []risk.KillSwitchState
}

type eventCollector struct {
	mu     sync.Mutex
	events []risk.RiskEvent
}

func (c *eventCollector) sink() audit.Sink {
	return audit.SinkFunc{SinkName: "replay", Fn: func(_ context.Context, ev risk.RiskEvent) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
		return nil
	}}
}

// replay 依次执行步骤。c 需已 Build 且 collector 已订阅；返回前会 Stop 以排空事件。
func replay(ctx context.Context, c *container.Container, clock *risk.ManualClock, events *eventCollector, steps []step) (report, error) {
	var rep report
	tenants := make(map[string]bool)
	for i, s := range steps {
		switch {
		case s.Order != nil:
			req := *s.Order
			if req.Timestamp.IsZero() {
				req.Timestamp = clock.Now()
			}
			tenants[req.TenantID] = true
			o, res, err := c.SubmitOrder(ctx, req)
			if errors.Is(err, order.ErrRejected) {
				err = nil
			}
			rep.Decisions = append(rep.Decisions, decision{Order: o, Reason: res.RejectionReason, Err: err})
		case s.Execution != nil:
			exec := *s.Execution
			if exec.Timestamp.IsZero() {
				exec.Timestamp = clock.Now()
			}
			tenants[exec.TenantID] = true
			res, err := c.ProcessExecution(ctx, exec)
			rep.Executions = append(rep.Executions, execution{Exec: exec, Result: res, Err: err})
		case s.Price != nil:
			c.ObservePrice(s.Price.TenantID, s.Price.AssetID, s.Price.Price)
		case s.Advance != "":
			d, err := time.ParseDuration(s.Advance)
			if err != nil {
				return rep, fmt.Errorf("step %d: %w", i, err)
			}
			clock.Advance(d)
		case s.KillSwitch != nil:
			k := s.KillSwitch
			tenants[k.TenantID] = true
			var err error
			if k.Activate {
				_, err = c.ActivateKillSwitch(ctx, k.TenantID, k.Reason, "replay")
			} else {
				_, err = c.DeactivateKillSwitch(ctx, k.TenantID, k.AuthToken, "replay")
			}
			if err != nil {
				return rep, fmt.Errorf("step %d: %w", i, err)
			}
		default:
			return rep, fmt.Errorf("step %d: empty step", i)
		}
	}

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ps, err := c.Positions().ListPositions(ctx, id)
		if err != nil {
			return rep, err
		}
		rep.Positions = append(rep.Positions, ps...)
		dds, err := c.Drawdown().ListStates(ctx, id)
		if err != nil {
			return rep, err
		}
		rep.Drawdowns = append(rep.Drawdowns, dds...)
		ks, err := c.KillSwitch().GetState(ctx, id)
		if err != nil {
			return rep, err
		}
		ks.TenantID = id
		rep.KillSwitch = append(rep.KillSwitch, ks)
	}

	if err := c.Stop(); err != nil {
		return rep, err
	}
	events.mu.Lock()
	rep.Events = append(rep.Events, events.events...)
	events.mu.Unlock()
	return rep, nil
}
