package model

import (
	"fmt"
	"time"
)

// Kind 咨询类型
type Kind string

const (
	KindChat  Kind = "chat"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// IsValid 检查咨询类型是否有效
func (k Kind) IsValid() bool {
	switch k {
	case KindChat, KindVoice, KindVideo:
		return true
	default:
		return false
	}
}

// HasMedia 语音/视频会话需要信令中继
func (k Kind) HasMedia() bool {
	return k == KindVoice || k == KindVideo
}

// SessionStatus 会话状态
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusJoining SessionStatus = "joining"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

// Session 一次咨询会话
type Session struct {
	SessionID   string        `json:"session_id"`
	BookingID   string        `json:"booking_id"`
	Kind        Kind          `json:"kind"`
	RoomID      string        `json:"room_id"`
	Status      SessionStatus `json:"status"`
	BillingRate float64       `json:"billing_rate"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	EndReason   string        `json:"end_reason,omitempty"`
	EndedBy     string        `json:"ended_by,omitempty"`

	// 对端用户ID，由服务器在加入确认时下发，用作信令路由
	CounterpartID string `json:"counterpart_id,omitempty"`
}

// RoomIDFor 由预约ID确定性推导房间ID
func RoomIDFor(bookingID string) string {
	return "booking_" + bookingID
}

// NewSession 创建处于pending状态的新会话
func NewSession(sessionID, bookingID string, kind Kind, billingRate float64) *Session {
	return &Session{
		SessionID:   sessionID,
		BookingID:   bookingID,
		Kind:        kind,
		RoomID:      RoomIDFor(bookingID),
		Status:      StatusPending,
		BillingRate: billingRate,
	}
}

// Validate 校验会话字段
func (s *Session) Validate() error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if s.BookingID == "" {
		return fmt.Errorf("booking id is required")
	}
	if s.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("invalid session kind %q", s.Kind)
	}
	if s.RoomID != RoomIDFor(s.BookingID) {
		return fmt.Errorf("room id %q does not match booking %q", s.RoomID, s.BookingID)
	}
	return nil
}

// IsEnded 会话是否已结束
func (s *Session) IsEnded() bool {
	return s.Status == StatusEnded
}

// MarkJoining pending -> joining
func (s *Session) MarkJoining() bool {
	if s.Status != StatusPending {
		return false
	}
	s.Status = StatusJoining
	return true
}

// Activate 仅在服务器确认后调用；已激活或已结束时返回false
func (s *Session) Activate(startedAt time.Time) bool {
	if s.Status == StatusActive || s.Status == StatusEnded {
		return false
	}
	s.Status = StatusActive
	t := startedAt
	s.StartedAt = &t
	return true
}

// End 进入终态，重复调用返回false
func (s *Session) End(at time.Time, reason, endedBy string) bool {
	if s.Status == StatusEnded {
		return false
	}
	s.Status = StatusEnded
	t := at
	s.EndedAt = &t
	s.EndReason = reason
	s.EndedBy = endedBy
	return true
}

// Clone 返回可安全交给展示层的副本
func (s *Session) Clone() Session {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}
