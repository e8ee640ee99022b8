package risk

import "fmt"

// DrawdownStatus 回撤状态。
type DrawdownStatus string

const (
	DrawdownNormal   DrawdownStatus = "NORMAL"
	DrawdownWarning  DrawdownStatus = "WARNING"
	DrawdownCritical DrawdownStatus = "CRITICAL"
	DrawdownPaused   DrawdownStatus = "PAUSED"
)

// rank 用于判断是否"升级"（新跨越阈值）。
func (s DrawdownStatus) rank() int {
	switch s {
	case DrawdownWarning:
		return 1
	case DrawdownCritical:
		return 2
	case DrawdownPaused:
		return 3
	default:
		return 0
	}
}

// DrawdownCause 触发状态迁移的原因。
type DrawdownCause string

const (
	CauseValueUpdate DrawdownCause = "VALUE_UPDATE"
	CausePause       DrawdownCause = "PAUSE"
	CauseResume      DrawdownCause = "RESUME"
	CauseReset       DrawdownCause = "RESET"
)

type drawdownTransition struct {
	From  DrawdownStatus
	Cause DrawdownCause
}

var thresholdStatuses = []DrawdownStatus{DrawdownNormal, DrawdownWarning, DrawdownCritical}

// drawdownTransitions 合法迁移表。PAUSED 在 VALUE_UPDATE 下只能停留在 PAUSED。
var drawdownTransitions = func() map[drawdownTransition]map[DrawdownStatus]bool {
	t := make(map[drawdownTransition]map[DrawdownStatus]bool)
	add := func(from DrawdownStatus, cause DrawdownCause, to ...DrawdownStatus) {
		set := make(map[DrawdownStatus]bool, len(to))
		for _, s := range to {
			set[s] = true
		}
		t[drawdownTransition{From: from, Cause: cause}] = set
	}
	for _, from := range thresholdStatuses {
		add(from, CauseValueUpdate, thresholdStatuses...)
		add(from, CausePause, DrawdownPaused)
		add(from, CauseReset, DrawdownNormal)
	}
	add(DrawdownPaused, CauseValueUpdate, DrawdownPaused)
	add(DrawdownPaused, CausePause, DrawdownPaused)
	add(DrawdownPaused, CauseResume, thresholdStatuses...)
	return t
}()

// NextDrawdownStatus 根据迁移表决定下一个状态。candidate 不被允许但当前状态被允许时保持当前状态（粘性）。
func NextDrawdownStatus(from DrawdownStatus, cause DrawdownCause, candidate DrawdownStatus) (DrawdownStatus, error) {
	allowed, ok := drawdownTransitions[drawdownTransition{From: from, Cause: cause}]
	if !ok || len(allowed) == 0 {
		return from, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidState, cause, from)
	}
	if allowed[candidate] {
		return candidate, nil
	}
	if allowed[from] {
		return from, nil
	}
	return from, fmt.Errorf("%w: %s cannot move %s -> %s", ErrInvalidState, cause, from, candidate)
}

// StatusForDrawdown 按阈值比较得到状态；阈值 <=0 视为未配置。
func StatusForDrawdown(pct, warning, max float64) DrawdownStatus {
	switch {
	case max > 0 && pct >= max:
		return DrawdownCritical
	case warning > 0 && pct >= warning:
		return DrawdownWarning
	default:
		return DrawdownNormal
	}
}
