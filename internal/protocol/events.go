package protocol

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"ConsultSync/internal/model"
)

// Outbound 客户端发出的事件（封闭集合）
type Outbound interface {
	Event() EventName
	Validate() error
	isOutbound()
}

// Inbound 服务器推送的事件（封闭集合）
type Inbound interface {
	Event() EventName
	isInbound()
}

// ---- 出站 ----

// Authenticate 连接建立后的认证握手
type Authenticate struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Heartbeat 保活心跳
type Heartbeat struct {
	ClientTime int64 `json:"clientTime"`
}

// JoinRoom 加入房间请求
type JoinRoom struct {
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// LeaveRoom 离开房间
type LeaveRoom struct {
	BookingID string `json:"bookingId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// SendMessage 发送聊天消息
type SendMessage struct {
	ID        string    `json:"id"`
	BookingID string    `json:"bookingId"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp Timestamp `json:"timestamp"`
}

// GetMissedMessages 拉取since之后的消息
type GetMissedMessages struct {
	BookingID string     `json:"bookingId"`
	SessionID string     `json:"sessionId"`
	Since     *Timestamp `json:"since,omitempty"`
}

// Typing 输入状态（typing_started / typing_stopped）
type Typing struct {
	BookingID string `json:"bookingId"`
	SenderID  string `json:"senderId"`
	Started   bool   `json:"-"`
}

// RequestTimerSync 请求一次权威计时更新
type RequestTimerSync struct {
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId"`
}

// EndSession 本地结束会话请求
type EndSession struct {
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// SignalBody 信令主体
type SignalBody struct {
	Type    model.SignalType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Signal 信令中继（出站带to，入站带from）
type Signal struct {
	SessionID string     `json:"sessionId"`
	Signal    SignalBody `json:"signal"`
	To        string     `json:"to,omitempty"`
	From      string     `json:"from,omitempty"`
}

func (Authenticate) Event() EventName      { return EventAuthenticate }
func (Heartbeat) Event() EventName         { return EventHeartbeat }
func (JoinRoom) Event() EventName          { return EventJoinRoom }
func (LeaveRoom) Event() EventName         { return EventLeaveRoom }
func (SendMessage) Event() EventName       { return EventSendMessage }
func (GetMissedMessages) Event() EventName { return EventGetMissedMessages }
func (RequestTimerSync) Event() EventName  { return EventRequestTimerSync }
func (EndSession) Event() EventName        { return EventEndSession }
func (Signal) Event() EventName            { return EventSignal }

func (t Typing) Event() EventName {
	if t.Started {
		return EventTypingStarted
	}
	return EventTypingStopped
}

func (Authenticate) isOutbound()      {}
func (Heartbeat) isOutbound()         {}
func (JoinRoom) isOutbound()          {}
func (LeaveRoom) isOutbound()         {}
func (SendMessage) isOutbound()       {}
func (GetMissedMessages) isOutbound() {}
func (Typing) isOutbound()            {}
func (RequestTimerSync) isOutbound()  {}
func (EndSession) isOutbound()        {}
func (Signal) isOutbound()            {}

// ---- 入站 ----

// SessionStarted 服务器确认双方到齐、开始计费
type SessionStarted struct {
	BookingID string     `json:"bookingId"`
	SessionID string     `json:"sessionId,omitempty"`
	StartedAt *Timestamp `json:"startedAt,omitempty"`
}

// SessionEnded 会话结束
type SessionEnded struct {
	BookingID string `json:"bookingId"`
	EndedBy   string `json:"endedBy"`
	Reason    string `json:"reason"`
}

// WireMessage 线上的聊天消息
type WireMessage struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"bookingId,omitempty"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
}

// ReceiveMessage 实时消息推送
type ReceiveMessage struct {
	WireMessage
}

// TypingIndicator 对端输入状态
type TypingIndicator struct {
	BookingID string `json:"bookingId"`
	SenderID  string `json:"senderId"`
	Started   bool   `json:"-"`
}

// TimerUpdate 权威计时更新；Seq为0时以ServerTime排序
type TimerUpdate struct {
	BookingID  string     `json:"bookingId"`
	Elapsed    int        `json:"elapsed"`
	Budget     *int       `json:"budget,omitempty"`
	Seq        uint64     `json:"seq,omitempty"`
	ServerTime *Timestamp `json:"serverTime,omitempty"`
}

// Participant 参与者上线/下线
type Participant struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
	Role      string `json:"role,omitempty"`
	Joined    bool   `json:"-"`
}

// MessageStatusUpdate 送达/已读回执
type MessageStatusUpdate struct {
	BookingID string              `json:"bookingId"`
	ID        string              `json:"id"`
	Status    model.MessageStatus `json:"status"`
}

// HeartbeatAck 心跳应答
type HeartbeatAck struct {
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime"`
}

func (SessionStarted) Event() EventName      { return EventSessionStarted }
func (SessionEnded) Event() EventName        { return EventSessionEnded }
func (ReceiveMessage) Event() EventName      { return EventReceiveMessage }
func (TimerUpdate) Event() EventName         { return EventTimerUpdate }
func (MessageStatusUpdate) Event() EventName { return EventMessageStatus }
func (HeartbeatAck) Event() EventName        { return EventHeartbeatAck }

func (t TypingIndicator) Event() EventName {
	if t.Started {
		return EventTypingStarted
	}
	return EventTypingStopped
}

func (p Participant) Event() EventName {
	if p.Joined {
		return EventParticipantJoined
	}
	return EventParticipantLeft
}

func (SessionStarted) isInbound()      {}
func (SessionEnded) isInbound()        {}
func (ReceiveMessage) isInbound()      {}
func (TypingIndicator) isInbound()     {}
func (TimerUpdate) isInbound()         {}
func (Signal) isInbound()              {}
func (Participant) isInbound()         {}
func (MessageStatusUpdate) isInbound() {}
func (HeartbeatAck) isInbound()        {}

// ---- 应答 ----

// AuthAck 认证应答
type AuthAck struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionData 加入应答中携带的会话快照
type SessionData struct {
	SessionID     string     `json:"sessionId,omitempty"`
	Status        string     `json:"status,omitempty"`
	StartedAt     *Timestamp `json:"startedAt,omitempty"`
	CounterpartID string     `json:"counterpartId,omitempty"`
	Elapsed       *int       `json:"elapsed,omitempty"`
	Budget        *int       `json:"budget,omitempty"`
}

// JoinAck 加入房间应答
type JoinAck struct {
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
	SessionData *SessionData `json:"sessionData,omitempty"`
}

// SendAck 发送消息应答
type SendAck struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MissedMessages 恢复协议应答
type MissedMessages struct {
	Messages []json.RawMessage `json:"messages"`
}

// EndAck 结束会话应答
type EndAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ---- 校验 ----

func required(event EventName, field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s missing %s", model.ErrMalformedPayload, event, field)
	}
	return nil
}

func (a Authenticate) Validate() error { return required(EventAuthenticate, "token", a.Token) }
func (Heartbeat) Validate() error      { return nil }

func (j JoinRoom) Validate() error {
	if err := required(EventJoinRoom, "bookingId", j.BookingID); err != nil {
		return err
	}
	if err := required(EventJoinRoom, "roomId", j.RoomID); err != nil {
		return err
	}
	return required(EventJoinRoom, "userId", j.UserID)
}

func (l LeaveRoom) Validate() error { return required(EventLeaveRoom, "roomId", l.RoomID) }

func (m SendMessage) Validate() error {
	if err := required(EventSendMessage, "id", m.ID); err != nil {
		return err
	}
	return required(EventSendMessage, "content", m.Content)
}

func (g GetMissedMessages) Validate() error {
	return required(EventGetMissedMessages, "bookingId", g.BookingID)
}

func (t Typing) Validate() error { return required(t.Event(), "bookingId", t.BookingID) }

func (r RequestTimerSync) Validate() error {
	return required(EventRequestTimerSync, "bookingId", r.BookingID)
}

func (e EndSession) Validate() error { return required(EventEndSession, "bookingId", e.BookingID) }

// Validate 出入站共用
func (s Signal) Validate() error {
	if err := required(EventSignal, "sessionId", s.SessionID); err != nil {
		return err
	}
	if !s.Signal.Type.IsValid() {
		return fmt.Errorf("%w: signal has invalid type %q", model.ErrMalformedPayload, s.Signal.Type)
	}
	if len(s.Signal.Payload) == 0 {
		return fmt.Errorf("%w: signal missing payload", model.ErrMalformedPayload)
	}
	return nil
}

// Validate 校验线上消息必填字段
func (m WireMessage) Validate() error {
	if err := required(EventReceiveMessage, "id", m.ID); err != nil {
		return err
	}
	if err := required(EventReceiveMessage, "content", m.Content); err != nil {
		return err
	}
	if err := required(EventReceiveMessage, "senderId", m.SenderID); err != nil {
		return err
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: message %s missing timestamp", model.ErrMalformedPayload, m.ID)
	}
	return nil
}

func (s SessionStarted) validate() error {
	return required(EventSessionStarted, "bookingId", s.BookingID)
}

func (s SessionEnded) validate() error {
	return required(EventSessionEnded, "bookingId", s.BookingID)
}

func (t TypingIndicator) validate() error {
	if err := required(t.Event(), "bookingId", t.BookingID); err != nil {
		return err
	}
	return required(t.Event(), "senderId", t.SenderID)
}

func (u TimerUpdate) validate() error {
	if err := required(EventTimerUpdate, "bookingId", u.BookingID); err != nil {
		return err
	}
	if u.Elapsed < 0 {
		return fmt.Errorf("%w: negative elapsed %d", model.ErrMalformedPayload, u.Elapsed)
	}
	if u.Budget != nil && *u.Budget < 0 {
		return fmt.Errorf("%w: negative budget %d", model.ErrMalformedPayload, *u.Budget)
	}
	return nil
}

func (p Participant) validate() error {
	if err := required(p.Event(), "bookingId", p.BookingID); err != nil {
		return err
	}
	return required(p.Event(), "userId", p.UserID)
}

func (m MessageStatusUpdate) validate() error {
	if err := required(EventMessageStatus, "id", m.ID); err != nil {
		return err
	}
	switch m.Status {
	case model.MessageDelivered, model.MessageRead, model.MessageSent:
		return nil
	default:
		return fmt.Errorf("%w: unsupported receipt status %q", model.ErrMalformedPayload, m.Status)
	}
}

// TimerOrder 计时更新的排序位置，序号与服务器时间各自独立比较
type TimerOrder struct {
	Seq uint64
	At  time.Time
}

// Order 计时更新的排序位置
func (u TimerUpdate) Order() TimerOrder {
	var o TimerOrder
	o.Seq = u.Seq
	if u.ServerTime != nil {
		o.At = u.ServerTime.Time
	}
	return o
}

// Compare 与已应用的位置比较：-1较旧，0重复，1较新。
// 两者都有序号时只比较序号，否则比较服务器时间；都无法比较时视为较新。
func (o TimerOrder) Compare(last TimerOrder) int {
	if o.Seq > 0 && last.Seq > 0 {
		return cmp.Compare(o.Seq, last.Seq)
	}
	if !o.At.IsZero() && !last.At.IsZero() {
		return o.At.Compare(last.At)
	}
	return 1
}

// Merge 记录一次已应用更新的位置
func (o TimerOrder) Merge(next TimerOrder) TimerOrder {
	if next.Seq > 0 {
		o.Seq = next.Seq
	}
	if !next.At.IsZero() {
		o.At = next.At
	}
	return o
}

// ToMessage 转换为领域消息，selfID用于判断发送方角色
func (m WireMessage) ToMessage(selfID string) model.Message {
	msg := model.Message{
		ID:        m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp.Time,
	}
	if m.SenderID == selfID {
		msg.SenderRole = model.RoleUser
		msg.Status = model.MessageSent
	} else {
		msg.SenderRole = model.RoleCounterpart
		msg.Status = model.MessageReceived
	}
	return msg
}

// FromMessage 由领域消息构造出站消息
func FromMessage(bookingID string, m model.Message) SendMessage {
	return SendMessage{
		ID:        m.ID,
		BookingID: bookingID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Timestamp: NewTimestamp(m.Timestamp),
	}
}

// StartedAtOr 返回服务器下发的开始时间，缺省时使用fallback
func (s SessionStarted) StartedAtOr(fallback time.Time) time.Time {
	if s.StartedAt != nil && !s.StartedAt.IsZero() {
		return s.StartedAt.Time
	}
	return fallback
}
