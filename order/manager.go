package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/posttrade"
	"risk-guard-go/pretrade"
)

// Gateway 交易所下单/撤单抽象。Place 返回交易所订单号。
type Gateway interface {
	Place(ctx context.Context, req gateway.OrderRequest) (string, error)
	Cancel(ctx context.Context, tenantID, orderID string) error
}

// Admission 下单前风控。
type Admission interface {
	Validate(ctx context.Context, req gateway.OrderRequest) pretrade.RiskCheckResult
}

// ErrorRecorder 记录交易所错误，供熔断器错误率条件与急停 ERROR_BURST 使用。
// RecordError 记录并立即评估；NoteError 只记录，用在急停撤单路径上。
type ErrorRecorder interface {
	RecordError(ctx context.Context, tenantID, strategyID, assetID string) (posttrade.PostTradeResult, error)
	NoteError(tenantID, strategyID, assetID string)
}

var (
	ErrUnknownOrder = errors.New("unknown order")
	// ErrRejected 风控拒绝；错误信息包含拒绝原因。
	ErrRejected = errors.New("order rejected by risk checks")
	// ErrCanceledInFlight 风控通过后、下发完成前被急停撤销。
	ErrCanceledInFlight = errors.New("order canceled before placement")
)

// ManagerConfig 组装 Manager 的依赖。Gateway 为空时只在本地登记订单。
type ManagerConfig struct {
	Gateway     Gateway
	Admission   Admission
	Errors      ErrorRecorder
	Limiter     gateway.RateLimiter
	Constraints map[string]AssetConstraints
	Clock       risk.Clock
	Logger      *zap.Logger
}

// Manager 下单前跑风控，维护挂单簿，并为急停提供按租户撤单。
type Manager struct {
	cfg  ManagerConfig
	book *Book

	mu          sync.RWMutex
	constraints map[string]AssetConstraints
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = risk.NowUTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{cfg: cfg, book: NewBook()}
	m.SetConstraints(cfg.Constraints)
	return m
}

// Book 暴露底层挂单簿（只读用途）。
func (m *Manager) Book() *Book { return m.book }

// SetConstraints 设置各资产的精度/名义限制。
func (m *Manager) SetConstraints(c map[string]AssetConstraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = make(map[string]AssetConstraints, len(c))
	for asset, ac := range c {
		m.constraints[asset] = ac
	}
}

// Submit 校验精度、运行风控检查，通过后下发到 Gateway。
// 风控拒绝时订单以 REJECTED 登记，返回 ErrRejected 以及完整检查结果。
func (m *Manager) Submit(ctx context.Context, req gateway.OrderRequest) (Order, pretrade.RiskCheckResult, error) {
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = m.cfg.Clock.Now()
	}
	o := fromRequest(req)
	if err := m.validateConstraint(o); err != nil {
		return o, pretrade.RiskCheckResult{}, err
	}
	if err := m.book.Add(o); err != nil {
		return o, pretrade.RiskCheckResult{}, err
	}

	var result pretrade.RiskCheckResult
	if m.cfg.Admission != nil {
		result = m.cfg.Admission.Validate(ctx, o.Request())
		if !result.Approved {
			rejected, err := m.book.Transition(o.ID, StatusRejected, m.cfg.Clock.Now(), func(o *Order) {
				o.LastError = result.RejectionReason
			})
			if err != nil {
				return rejected, result, err
			}
			return rejected, result, fmt.Errorf("%w: %s", ErrRejected, result.RejectionReason)
		}
	}

	if m.cfg.Gateway == nil {
		placed, err := m.book.Transition(o.ID, StatusNew, m.cfg.Clock.Now(), nil)
		if err != nil && placed.Status == StatusCanceled {
			return placed, result, fmt.Errorf("%w: %s", ErrCanceledInFlight, o.ID)
		}
		return placed, result, err
	}
	if err := m.wait(ctx, o.TenantID); err != nil {
		failed, _ := m.book.Transition(o.ID, StatusRejected, m.cfg.Clock.Now(), setError(err))
		return failed, result, err
	}
	// 限速等待期间急停可能已撤销该单
	if cur, ok := m.book.Get(o.ID); ok && cur.Status != StatusPending {
		return cur, result, fmt.Errorf("%w: %s is %s", ErrCanceledInFlight, o.ID, cur.Status)
	}
	exchangeID, err := m.cfg.Gateway.Place(ctx, o.Request())
	if err != nil {
		failed, _ := m.book.Transition(o.ID, StatusRejected, m.cfg.Clock.Now(), setError(err))
		m.recordError(ctx, o)
		return failed, result, fmt.Errorf("place order %s: %w", o.ID, err)
	}
	placed, err := m.book.Transition(o.ID, StatusNew, m.cfg.Clock.Now(), func(o *Order) {
		if exchangeID != "" {
			o.ExchangeID = exchangeID
		}
	})
	if err != nil && placed.Status == StatusCanceled {
		// Place 途中急停已撤销本地记录，交易所侧补撤
		return placed, result, m.cancelPlaced(ctx, placed)
	}
	return placed, result, err
}

func (m *Manager) cancelPlaced(ctx context.Context, o Order) error {
	m.cfg.Logger.Warn("order reached exchange after kill switch, cancelling",
		zap.String("tenant", o.TenantID), zap.String("order_id", o.ID))
	if err := m.cfg.Gateway.Cancel(ctx, o.TenantID, o.ID); err != nil {
		m.noteError(o)
		return fmt.Errorf("%w: %s placed after cancel, exchange cancel failed: %v", ErrCanceledInFlight, o.ID, err)
	}
	return fmt.Errorf("%w: %s", ErrCanceledInFlight, o.ID)
}

// Cancel 撤销单个订单。
func (m *Manager) Cancel(ctx context.Context, id string) error {
	o, ok := m.book.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if !CanCancel(o.Status) {
		return fmt.Errorf("%w: order %s is %s", risk.ErrInvalidState, id, o.Status)
	}
	return m.cancel(ctx, o, true)
}

// CancelAll 撤销租户所有活动挂单，返回成功撤单数量；部分失败时同时返回合并后的错误。
// 尚未下发的 PENDING 订单只在本地撤销，Submit 会在下发前后检查到。
// 急停激活时调用，撤单错误只记录不评估。
func (m *Manager) CancelAll(ctx context.Context, tenantID string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, o := range m.book.Unsent(tenantID) {
		if _, err := m.book.Transition(o.ID, StatusCanceled, m.cfg.Clock.Now(), func(o *Order) {
			o.LastError = "canceled before placement"
		}); err == nil {
			n++
		}
	}
	for _, o := range m.book.Cancelable(tenantID) {
		if err := m.cancel(ctx, o, false); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		m.cfg.Logger.Warn("cancel all incomplete",
			zap.String("tenant", tenantID),
			zap.Int("cancelled", n),
			zap.Int("failed", len(errs)))
	}
	return n, errors.Join(errs...)
}

func (m *Manager) cancel(ctx context.Context, o Order, evaluate bool) error {
	now := m.cfg.Clock.Now()
	if _, err := m.book.Transition(o.ID, StatusCanceling, now, nil); err != nil {
		return err
	}
	if m.cfg.Gateway != nil {
		err := m.wait(ctx, o.TenantID)
		if err == nil {
			err = m.cfg.Gateway.Cancel(ctx, o.TenantID, o.ID)
		}
		if err != nil {
			// 撤单失败先回到原状态，评估触发的急停才能再次撤它
			_, _ = m.book.Transition(o.ID, o.Status, m.cfg.Clock.Now(), setError(err))
			if evaluate {
				m.recordError(ctx, o)
			} else {
				m.noteError(o)
			}
			return fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
	}
	_, err := m.book.Transition(o.ID, StatusCanceled, m.cfg.Clock.Now(), nil)
	return err
}

// ApplyExecution 根据成交回报推进订单状态。未知订单（外部下单）忽略。
func (m *Manager) ApplyExecution(exec gateway.ExecutionReport) (Order, bool, error) {
	if exec.OrderID == "" {
		return Order{}, false, nil
	}
	o, ok := m.book.Get(exec.OrderID)
	if !ok {
		return Order{}, false, nil
	}
	filled := o.FilledQty + exec.ExecutedQuantity
	to := StatusPartial
	if filled >= o.Quantity-1e-12 {
		to = StatusFilled
	}
	updated, err := m.book.Transition(o.ID, to, m.cfg.Clock.Now(), func(o *Order) {
		o.FilledQty = filled
	})
	return updated, true, err
}

// Update 交易所状态回报（ACK / EXPIRED 等）。
func (m *Manager) Update(id string, st Status) error {
	_, err := m.book.Transition(id, st, m.cfg.Clock.Now(), nil)
	return err
}

// Status 返回订单当前状态，如不存在则第二个返回值为 false。
func (m *Manager) Status(id string) (Status, bool) {
	o, ok := m.book.Get(id)
	if !ok {
		return "", false
	}
	return o.Status, true
}

func (m *Manager) validateConstraint(o Order) error {
	m.mu.RLock()
	c, ok := m.constraints[o.AssetID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	price := o.Price
	if strings.EqualFold(o.Type, "MARKET") {
		price = 0
	}
	return c.Validate(price, o.Quantity)
}

func (m *Manager) wait(ctx context.Context, tenantID string) error {
	if m.cfg.Limiter == nil {
		return nil
	}
	return m.cfg.Limiter.Wait(ctx, tenantID)
}

func (m *Manager) recordError(ctx context.Context, o Order) {
	if m.cfg.Errors == nil {
		return
	}
	if _, err := m.cfg.Errors.RecordError(ctx, o.TenantID, o.StrategyID, o.AssetID); err != nil {
		m.cfg.Logger.Warn("error escalation failed", zap.String("tenant", o.TenantID), zap.Error(err))
	}
}

func (m *Manager) noteError(o Order) {
	if m.cfg.Errors != nil {
		m.cfg.Errors.NoteError(o.TenantID, o.StrategyID, o.AssetID)
	}
}

func setError(err error) func(*Order) {
	return func(o *Order) { o.LastError = err.Error() }
}
