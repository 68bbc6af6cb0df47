package chat

import (
	"sort"
	"time"

	"ConsultSync/internal/model"
)

// dedupRule 判定为重复的依据
type dedupRule string

const (
	ruleNone    dedupRule = ""
	ruleID      dedupRule = "id"
	ruleContent dedupRule = "content"
)

// messageLog 会话内的有序消息日志
type messageLog struct {
	entries []*model.Message
	byID    map[string]*model.Message

	// 经恢复协议获得的条目，与其比较时使用恢复容差
	recovered map[string]bool
}

func newMessageLog() *messageLog {
	return &messageLog{
		byID:      make(map[string]*model.Message),
		recovered: make(map[string]bool),
	}
}

func (l *messageLog) get(id string) (*model.Message, bool) {
	m, ok := l.byID[id]
	return m, ok
}

func (l *messageLog) append(m model.Message) *model.Message {
	entry := &m
	l.entries = append(l.entries, entry)
	l.byID[m.ID] = entry
	return entry
}

// match 按两级规则查找同一条真实消息：ID相同，或内容与发送者相同且时间在容差内。
// 任一方来自恢复批次时使用recoveryWindow。从最新的条目开始查找。
func (l *messageLog) match(m model.Message, window, recoveryWindow time.Duration) (*model.Message, dedupRule) {
	if existing, ok := l.byID[m.ID]; ok {
		return existing, ruleID
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Content != m.Content || e.SenderID != m.SenderID {
			continue
		}
		w := window
		if l.recovered[e.ID] && recoveryWindow > w {
			w = recoveryWindow
		}
		if absDuration(e.Timestamp.Sub(m.Timestamp)) <= w {
			return e, ruleContent
		}
	}
	return nil, ruleNone
}

func (l *messageLog) markRecovered(id string) {
	l.recovered[id] = true
}

// sort 按时间戳稳定排序
func (l *messageLog) sort() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].Timestamp.Before(l.entries[j].Timestamp)
	})
}

// snapshot 返回副本
func (l *messageLog) snapshot() []model.Message {
	out := make([]model.Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// newestConfirmed 最近一条对端消息的时间。本端消息的时间戳来自本地时钟，不参与游标
func (l *messageLog) newestConfirmed() time.Time {
	var newest time.Time
	for _, e := range l.entries {
		if e.SenderRole != model.RoleCounterpart {
			continue
		}
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return newest
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
