package gateway

import (
	"fmt"
	"strings"
	"time"
)

// Side is the order direction as normalized by the exchange connector.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts exchange spellings ("buy", "Sell", ...).
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderRequest is a candidate order awaiting admission.
type OrderRequest struct {
	OrderID    string    `json:"orderId"`
	TenantID   string    `json:"tenantId"`
	StrategyID string    `json:"strategyId"`
	AssetID    string    `json:"assetId"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"` // 0 for market orders
	OrderType  string    `json:"orderType"`
	ExchangeID string    `json:"exchangeId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notional values the order at its limit price, falling back to refPrice for
// market orders. ok is false when no price is known.
func (o OrderRequest) Notional(refPrice float64) (float64, bool) {
	p := o.Price
	if p <= 0 {
		p = refPrice
	}
	if p <= 0 {
		return 0, false
	}
	return o.Quantity * p, true
}

// ExecutionReport is a fill reported by the exchange connector.
type ExecutionReport struct {
	OrderID          string    `json:"orderId,omitempty"`
	TenantID         string    `json:"tenantId"`
	StrategyID       string    `json:"strategyId"`
	AssetID          string    `json:"assetId"`
	Side             Side      `json:"side"`
	ExecutedQuantity float64   `json:"executedQuantity"`
	ExecutedPrice    float64   `json:"executedPrice"`
	Commission       float64   `json:"commission"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate rejects reports that cannot be applied to a ledger.
func (e ExecutionReport) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("execution tenantId is required")
	}
	if e.AssetID == "" {
		return fmt.Errorf("execution assetId is required")
	}
	if !e.Side.Valid() {
		return fmt.Errorf("execution side %q invalid", e.Side)
	}
	if e.ExecutedQuantity <= 0 {
		return fmt.Errorf("execution quantity must be > 0, got %f", e.ExecutedQuantity)
	}
	if e.ExecutedPrice <= 0 {
		return fmt.Errorf("execution price must be > 0, got %f", e.ExecutedPrice)
	}
	if e.Commission < 0 {
		return fmt.Errorf("execution commission must be >= 0, got %f", e.Commission)
	}
	return nil
}

// ExchangePositionData is the exchange's view of a position, used for reconciliation.
type ExchangePositionData struct {
	AssetID      string    `json:"assetId"`
	Quantity     float64   `json:"quantity"`
	AveragePrice float64   `json:"averagePrice"`
	Timestamp    time.Time `json:"timestamp"`
}
