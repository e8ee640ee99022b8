package order

import (
	"time"

	"risk-guard-go/gateway"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"   // 待风控/待提交
	StatusNew       Status = "NEW"       // 已提交
	StatusAck       Status = "ACK"       // 交易所已确认
	StatusPartial   Status = "PARTIAL"   // 部分成交
	StatusFilled    Status = "FILLED"    // 完全成交
	StatusCanceling Status = "CANCELING" // 撤单中
	StatusCanceled  Status = "CANCELED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// Order 本地挂单视图。
type Order struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenantId"`
	StrategyID string       `json:"strategyId,omitempty"`
	AssetID    string       `json:"assetId"`
	Side       gateway.Side `json:"side"`
	Type       string       `json:"type"`
	Price      float64      `json:"price,omitempty"`
	Quantity   float64      `json:"quantity"`
	FilledQty  float64      `json:"filledQty"`
	Status     Status       `json:"status"`
	ExchangeID string       `json:"exchangeId,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Request 转为风控检查输入。
func (o Order) Request() gateway.OrderRequest {
	return gateway.OrderRequest{
		OrderID:    o.ID,
		TenantID:   o.TenantID,
		StrategyID: o.StrategyID,
		AssetID:    o.AssetID,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      o.Price,
		OrderType:  o.Type,
		ExchangeID: o.ExchangeID,
		Timestamp:  o.CreatedAt,
	}
}

func fromRequest(req gateway.OrderRequest) Order {
	typ := req.OrderType
	if typ == "" {
		if req.Price > 0 {
			typ = "LIMIT"
		} else {
			typ = "MARKET"
		}
	}
	return Order{
		ID:         req.OrderID,
		TenantID:   req.TenantID,
		StrategyID: req.StrategyID,
		AssetID:    req.AssetID,
		Side:       req.Side,
		Type:       typ,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ExchangeID: req.ExchangeID,
		Status:     StatusPending,
		CreatedAt:  req.Timestamp,
	}
}
