package consult

import (
	"ConsultSync/internal/model"
	"ConsultSync/internal/signaling"
)

// Severity 提示级别
type Severity int

const (
	// SeverityInfo 普通信息
	SeverityInfo Severity = iota
	// SeverityReconnecting 非阻塞的"重连中"提示
	SeverityReconnecting
	// SeverityBlocking 需要用户确认的阻塞提示
	SeverityBlocking
)

func (s Severity) String() string {
	switch s {
	case SeverityReconnecting:
		return "reconnecting"
	case SeverityBlocking:
		return "blocking"
	default:
		return "info"
	}
}

// Notice 给展示层的提示
type Notice struct {
	Severity Severity
	Kind     model.ErrorKind
	Message  string
	Err      error
	// Terminal 会话已经结束，展示层应离开当前页面
	Terminal bool
}

// Observer 展示层只读视图。所有方法在事件循环上调用，不能阻塞。
type Observer interface {
	SessionChanged(s model.Session)
	PhaseChanged(state model.ConnectionState)
	MessagesChanged(messages []model.Message)
	TimerChanged(state model.TimerState)
	TypingChanged(userID string, typing bool)
	PresenceChanged(userID string, online bool)
	CallStateChanged(state signaling.CallState)
	Notice(n Notice)
}

// NopObserver 忽略所有通知，可嵌入以只实现需要的方法
type NopObserver struct{}

func (NopObserver) SessionChanged(model.Session)         {}
func (NopObserver) PhaseChanged(model.ConnectionState)   {}
func (NopObserver) MessagesChanged([]model.Message)      {}
func (NopObserver) TimerChanged(model.TimerState)        {}
func (NopObserver) TypingChanged(string, bool)           {}
func (NopObserver) PresenceChanged(string, bool)         {}
func (NopObserver) CallStateChanged(signaling.CallState) {}
func (NopObserver) Notice(Notice)                        {}

// noticeFor 按错误分类决定提示级别
func noticeFor(err error) Notice {
	kind := model.Classify(err)
	n := Notice{Kind: kind, Err: err, Message: err.Error()}
	switch {
	case model.IsBlocking(err):
		n.Severity = SeverityBlocking
	case kind == model.KindTransport:
		n.Severity = SeverityReconnecting
	default:
		n.Severity = SeverityInfo
	}
	n.Terminal = kind == model.KindLifecycle
	return n
}
