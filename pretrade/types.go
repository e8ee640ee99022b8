package pretrade

import (
	"strings"
	"time"
)

// CheckType 检查维度
type CheckType string

const (
	CheckKillSwitch       CheckType = "KILL_SWITCH"
	CheckCircuitBreaker   CheckType = "CIRCUIT_BREAKER"
	CheckPositionLimit    CheckType = "POSITION_LIMIT"
	CheckDrawdown         CheckType = "DRAWDOWN"
	CheckVolatility       CheckType = "VOLATILITY"
	CheckCapitalAvailable CheckType = "CAPITAL_AVAILABLE"
	CheckLeverage         CheckType = "LEVERAGE"
)

// CheckOrder 结果中各项检查的固定顺序
var CheckOrder = []CheckType{
	CheckKillSwitch,
	CheckCircuitBreaker,
	CheckPositionLimit,
	CheckDrawdown,
	CheckVolatility,
	CheckCapitalAvailable,
	CheckLeverage,
}

// RiskCheckDetail 单项检查结果
type RiskCheckDetail struct {
	CheckType    CheckType `json:"checkType"`
	Passed       bool      `json:"passed"`
	Message      string    `json:"message"`
	CurrentValue *float64  `json:"currentValue,omitempty"`
	LimitValue   *float64  `json:"limitValue,omitempty"`
}

// RiskCheckResult 一笔订单的汇总结论
type RiskCheckResult struct {
	OrderID          string            `json:"orderId"`
	Approved         bool              `json:"approved"`
	Checks           []RiskCheckDetail `json:"checks"`
	RejectionReason  string            `json:"rejectionReason,omitempty"`
	ProcessingTimeMs float64           `json:"processingTimeMs"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Failed 按检查顺序返回未通过项
func (r RiskCheckResult) Failed() []RiskCheckDetail {
	var out []RiskCheckDetail
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (r RiskCheckResult) Detail(ct CheckType) (RiskCheckDetail, bool) {
	for _, c := range r.Checks {
		if c.CheckType == ct {
			return c, true
		}
	}
	return RiskCheckDetail{}, false
}

func rejectionReason(failed []RiskCheckDetail) string {
	switch len(failed) {
	case 0:
		return ""
	case 1:
		return failed[0].Message
	}
	msgs := make([]string, 0, len(failed))
	for _, f := range failed {
		msgs = append(msgs, f.Message)
	}
	return "Multiple checks failed: " + strings.Join(msgs, "; ")
}

func f64(v float64) *float64 { return &v }

func pass(ct CheckType, msg string) RiskCheckDetail {
	return RiskCheckDetail{CheckType: ct, Passed: true, Message: msg}
}

func fail(ct CheckType, msg string) RiskCheckDetail {
	return RiskCheckDetail{CheckType: ct, Passed: false, Message: msg}
}
