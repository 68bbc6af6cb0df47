package protocol

// EventName 线上事件名
type EventName string

// 出站事件
const (
	EventAuthenticate      EventName = "authenticate"
	EventHeartbeat         EventName = "heartbeat"
	EventJoinRoom          EventName = "join_room"
	EventLeaveRoom         EventName = "leave_room"
	EventSendMessage       EventName = "send_message"
	EventGetMissedMessages EventName = "get_missed_messages"
	EventRequestTimerSync  EventName = "request_timer_sync"
	EventEndSession        EventName = "end_session"
)

// 入站事件
const (
	EventSessionStarted    EventName = "session_started"
	EventSessionEnded      EventName = "session_ended"
	EventReceiveMessage    EventName = "receive_message"
	EventTimerUpdate       EventName = "session_timer_update"
	EventParticipantJoined EventName = "participant_joined"
	EventParticipantLeft   EventName = "participant_left"
	EventMessageStatus     EventName = "message_status"
	EventHeartbeatAck      EventName = "heartbeat_ack"
)

// 双向事件
const (
	EventTypingStarted EventName = "typing_started"
	EventTypingStopped EventName = "typing_stopped"
	EventSignal        EventName = "signal"
)

// EventAck 请求应答
const EventAck EventName = "ack"

func (e EventName) String() string {
	return string(e)
}

// IsInboundEvent 判断是否为服务器推送事件
func IsInboundEvent(e EventName) bool {
	switch e {
	case EventSessionStarted, EventSessionEnded, EventReceiveMessage,
		EventTimerUpdate, EventParticipantJoined, EventParticipantLeft,
		EventMessageStatus, EventHeartbeatAck,
		EventTypingStarted, EventTypingStopped, EventSignal:
		return true
	default:
		return false
	}
}

// IsOutboundEvent 判断是否为客户端发出的事件
func IsOutboundEvent(e EventName) bool {
	switch e {
	case EventAuthenticate, EventHeartbeat, EventJoinRoom, EventLeaveRoom,
		EventSendMessage, EventGetMissedMessages, EventRequestTimerSync,
		EventEndSession, EventTypingStarted, EventTypingStopped, EventSignal:
		return true
	default:
		return false
	}
}
