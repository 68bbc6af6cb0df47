package model

import "time"

// SenderRole 消息发送方角色
type SenderRole string

const (
	RoleUser        SenderRole = "user"
	RoleCounterpart SenderRole = "counterpart"
)

// MessageStatus 消息状态
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

// rank 出站消息状态只能前进: sending < sent < delivered < read
func (s MessageStatus) rank() int {
	switch s {
	case MessageSending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	default:
		return 0
	}
}

// CanAdvanceTo 判断状态是否可以前进到next
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == MessageFailed {
		// 恢复协议证明服务器已收到时允许 failed -> sent 及之后
		return next.rank() >= MessageSent.rank()
	}
	if s == MessageReceived {
		return false
	}
	return next.rank() > s.rank()
}

// Message 聊天消息
type Message struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	SenderID   string        `json:"sender_id"`
	SenderRole SenderRole    `json:"sender_role"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     MessageStatus `json:"status"`
}

// IsOutgoing 本端发出的消息
func (m *Message) IsOutgoing() bool {
	return m.SenderRole == RoleUser
}
