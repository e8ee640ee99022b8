// Package logschema 登记每类风险事件 metadata 的必填字段。
// 审计总线在发布前校验，缺字段只告警不拦截。
package logschema

import (
	"fmt"
	"sort"
	"strings"

	"risk-guard-go/internal/risk"
)

var drawdownFields = []string{"peakValue", "currentValue", "drawdownPercent", "maxThreshold"}

var required = map[risk.EventType][]string{
	risk.EventDrawdownWarning:       append([]string{"warningThreshold"}, drawdownFields...),
	risk.EventDrawdownCritical:      drawdownFields,
	risk.EventStrategyPaused:        {"drawdownPercent"},
	risk.EventStrategyResumed:       {"status", "resumedBy"},
	risk.EventDrawdownReset:         {"previousPeak", "peakValue", "resetBy"},
	risk.EventKillSwitchActivated:   {"reason", "triggerType", "activatedBy", "ordersCancelled"},
	risk.EventKillSwitchDeactivated: {"previousReason", "deactivatedBy"},
	risk.EventCircuitBreakerTripped: {"breakerId", "name", "condition", "tripCount"},
	risk.EventCircuitBreakerReset:   {"breakerId", "name"},
	risk.EventPositionDiscrepancy:   {"assetId", "internalQuantity", "exchangeQuantity", "discrepancy"},
}

// MissingFieldsError 事件缺少必填字段。
type MissingFieldsError struct {
	Type    risk.EventType
	Missing []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s missing fields: %s", e.Type, strings.Join(e.Missing, ","))
}

// Known 已登记的事件类型，排序后返回。
func Known() []risk.EventType {
	out := make([]risk.EventType, 0, len(required))
	for t := range required {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fields 事件类型的必填字段；未登记返回 nil。
func Fields(t risk.EventType) []string {
	return append([]string(nil), required[t]...)
}

// Check 未登记的事件类型不校验。
func Check(ev risk.RiskEvent) error {
	var missing []string
	for _, key := range required[ev.Type] {
		if _, ok := ev.Metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Type: ev.Type, Missing: missing}
	}
	return nil
}
