package order

import (
	"fmt"

	"risk-guard-go/internal/risk"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// legalTransitions 所有合法的状态转换；终态（FILLED, CANCELED, REJECTED, EXPIRED）不能再转换。
var legalTransitions = map[StateTransition]bool{
	{StatusPending, StatusNew}:      true,
	{StatusPending, StatusRejected}: true,
	{StatusPending, StatusCanceled}: true, // 急停撤销尚未下发的订单

	{StatusNew, StatusAck}:       true,
	{StatusNew, StatusPartial}:   true,
	{StatusNew, StatusFilled}:    true,
	{StatusNew, StatusCanceling}: true,
	{StatusNew, StatusCanceled}:  true,
	{StatusNew, StatusRejected}:  true,
	{StatusNew, StatusExpired}:   true,

	{StatusAck, StatusPartial}:   true,
	{StatusAck, StatusFilled}:    true,
	{StatusAck, StatusCanceling}: true,
	{StatusAck, StatusCanceled}:  true,
	{StatusAck, StatusExpired}:   true,

	{StatusPartial, StatusFilled}:    true,
	{StatusPartial, StatusCanceling}: true,
	{StatusPartial, StatusCanceled}:  true,
	{StatusPartial, StatusExpired}:   true,

	// 撤单失败回到原状态，撤单途中也可能成交
	{StatusCanceling, StatusCanceled}: true,
	{StatusCanceling, StatusFilled}:   true,
	{StatusCanceling, StatusPartial}:  true,
	{StatusCanceling, StatusNew}:      true,
	{StatusCanceling, StatusAck}:      true,
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等。
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !legalTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: illegal order transition %s -> %s", risk.ErrInvalidState, from, to)
	}
	return nil
}

// IsFinal 判断是否是终态
func IsFinal(s Status) bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanCancel 可撤单状态（即急停需要撤掉的挂单）
func CanCancel(s Status) bool {
	switch s {
	case StatusNew, StatusAck, StatusPartial:
		return true
	}
	return false
}
