package model

import "time"

// TimerState 计费计时状态
type TimerState struct {
	ElapsedSeconds int  `json:"elapsed_seconds"`
	BudgetSeconds  *int `json:"budget_seconds,omitempty"`
	IsActive       bool `json:"is_active"`

	// 最近一次权威更新的本地接收时间，及其携带的elapsed
	ServerBaselineAt time.Time `json:"server_baseline_at"`
	BaselineElapsed  int       `json:"baseline_elapsed"`
}

// RemainingSeconds 剩余预算秒数，无预算返回-1
func (t TimerState) RemainingSeconds() int {
	if t.BudgetSeconds == nil {
		return -1
	}
	r := *t.BudgetSeconds - t.ElapsedSeconds
	if r < 0 {
		return 0
	}
	return r
}
