package replay

import "fmt"

// ReplayError 结构化的磁带生成错误。StepIndex 为 -1 表示规格本身非法,
// 否则指向 Actions 中出错的那一步。
type ReplayError struct {
	StepIndex int32          `json:"step_index"`
	Reason    string         `json:"reason"`
	Message   string         `json:"message"`
	Expected  *ExpectedState `json:"expected,omitempty"`
}

// ExpectedState 出错时引擎实际所处的状态, 便于修正脚本
type ExpectedState struct {
	Phase         string `json:"phase,omitempty"`
	CurrentPlayer string `json:"current_player,omitempty"`
	SpecialPlayer string `json:"special_player,omitempty"`
	SpecialType   string `json:"special_type,omitempty"`
	StackCaller   string `json:"stack_caller,omitempty"`
}

func (e *ReplayError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("replay error(step=%d reason=%s): %s", e.StepIndex, e.Reason, e.Message)
}
