package recorder

import (
	"fmt"
	"time"

	"ConsultSync/internal/protocol"
)

// CheckResult 检查结果
type CheckResult struct {
	Name     string      `json:"name"`
	Passed   bool        `json:"passed"`
	Message  string      `json:"message"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
}

// Check 对一次录制做事后检查
type Check interface {
	Name() string
	Run(rec *Recording) *CheckResult
}

// Evaluate 依次执行检查
func Evaluate(rec *Recording, checks ...Check) []*CheckResult {
	results := make([]*CheckResult, 0, len(checks))
	for _, c := range checks {
		r := c.Run(rec)
		r.Name = c.Name()
		results = append(results, r)
	}
	return results
}

// Failed 未通过的检查
func Failed(results []*CheckResult) []*CheckResult {
	var out []*CheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// DefaultChecks 客户端退出时执行的检查
func DefaultChecks() []Check {
	return []Check{
		ResyncPerReconnect{Event: protocol.EventJoinRoom, Max: 1},
		ResyncPerReconnect{Event: protocol.EventGetMissedMessages, Max: 1},
		ResyncPerReconnect{Event: protocol.EventRequestTimerSync, Max: 1},
		ErrorRate{MaxRate: 0.05},
	}
}

// FrameCount 某事件的发送帧数量在[Min, Max]内，Max为0表示不限
type FrameCount struct {
	Event protocol.EventName
	Min   int
	Max   int
}

func (c FrameCount) Name() string { return "frame_count:" + c.Event.String() }

func (c FrameCount) Run(rec *Recording) *CheckResult {
	n := 0
	for _, f := range rec.Frames {
		if f.Direction == "send" && f.Event == c.Event {
			n++
		}
	}
	expected := fmt.Sprintf("%d..%d", c.Min, c.Max)
	if n < c.Min || (c.Max > 0 && n > c.Max) {
		return &CheckResult{
			Message:  fmt.Sprintf("%d %s frames sent, expected %s", n, c.Event, expected),
			Expected: expected,
			Actual:   n,
		}
	}
	return &CheckResult{Passed: true, Message: fmt.Sprintf("%d %s frames sent", n, c.Event), Actual: n}
}

// ResyncPerReconnect 每次重连之后到下一次重连之前，某个恢复请求最多发送Max次
type ResyncPerReconnect struct {
	Event protocol.EventName
	Max   int
}

func (c ResyncPerReconnect) Name() string { return "resync_per_reconnect:" + c.Event.String() }

func (c ResyncPerReconnect) Run(rec *Recording) *CheckResult {
	reconnects, count := 0, 0
	for _, e := range rec.Events {
		switch {
		case e.Type == EventReconnect:
			reconnects++
			count = 0
		case e.Type == EventFrameSend && e.Wire == c.Event && reconnects > 0:
			count++
			if count > c.Max {
				return &CheckResult{
					Message:  fmt.Sprintf("reconnect #%d sent %s %d times", reconnects, c.Event, count),
					Expected: c.Max,
					Actual:   count,
				}
			}
		}
	}
	return &CheckResult{Passed: true, Message: fmt.Sprintf("%d reconnects within limit", reconnects), Actual: reconnects}
}

// Reconnects 重连次数上限
type Reconnects struct {
	Max int64
}

func (c Reconnects) Name() string { return "reconnects" }

func (c Reconnects) Run(rec *Recording) *CheckResult {
	n := rec.Stats.ReconnectCount
	if n > c.Max {
		return &CheckResult{Message: fmt.Sprintf("%d reconnects exceed %d", n, c.Max), Expected: c.Max, Actual: n}
	}
	return &CheckResult{Passed: true, Message: fmt.Sprintf("%d reconnects", n), Actual: n}
}

// HeartbeatRTT 平均心跳往返延迟上限；没有样本时通过
type HeartbeatRTT struct {
	MaxAverage time.Duration
}

func (c HeartbeatRTT) Name() string { return "heartbeat_rtt" }

func (c HeartbeatRTT) Run(rec *Recording) *CheckResult {
	avg := rec.Stats.AverageRTT
	if avg > c.MaxAverage {
		return &CheckResult{
			Message:  fmt.Sprintf("average rtt %v exceeds %v", avg, c.MaxAverage),
			Expected: c.MaxAverage.String(),
			Actual:   avg.String(),
		}
	}
	return &CheckResult{Passed: true, Message: fmt.Sprintf("average rtt %v", avg), Actual: avg.String()}
}

// ErrorRate 错误事件占比上限
type ErrorRate struct {
	MaxRate float64
}

func (c ErrorRate) Name() string { return "error_rate" }

func (c ErrorRate) Run(rec *Recording) *CheckResult {
	total := rec.Stats.TotalEvents
	if total == 0 {
		return &CheckResult{Passed: true, Message: "no events recorded"}
	}
	rate := float64(rec.Stats.ErrorCount) / float64(total)
	if rate > c.MaxRate {
		return &CheckResult{
			Message:  fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", rate*100, c.MaxRate*100),
			Expected: c.MaxRate,
			Actual:   rate,
		}
	}
	return &CheckResult{Passed: true, Message: fmt.Sprintf("error rate %.2f%%", rate*100), Actual: rate}
}
