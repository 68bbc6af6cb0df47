package protocol

import (
	"encoding/json"
	"fmt"

	"ConsultSync/internal/model"
)

// DecodeInbound 把推送信封解析为具体事件并校验；
// 未知事件与不合法负载都返回包装了ErrMalformedPayload的错误
func DecodeInbound(env Envelope) (Inbound, error) {
	switch env.Event {
	case EventSessionStarted:
		var p SessionStarted
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventSessionEnded:
		var p SessionEnded
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventReceiveMessage:
		var p ReceiveMessage
		if err := unmarshal(env, &p.WireMessage); err != nil {
			return nil, err
		}
		return p, p.Validate()

	case EventTypingStarted, EventTypingStopped:
		p := TypingIndicator{Started: env.Event == EventTypingStarted}
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventTimerUpdate:
		var p TimerUpdate
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventSignal:
		var p Signal
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.Validate()

	case EventParticipantJoined, EventParticipantLeft:
		p := Participant{Joined: env.Event == EventParticipantJoined}
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventMessageStatus:
		var p MessageStatusUpdate
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, p.validate()

	case EventHeartbeatAck:
		var p HeartbeatAck
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown inbound event %q", model.ErrMalformedPayload, env.Event)
	}
}

// DecodeReply 解析请求应答负载
func DecodeReply(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty reply", model.ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
	}
	return nil
}

// DecodeWireMessages 逐条解析恢复批次，坏条目单独丢弃
func DecodeWireMessages(raw []json.RawMessage) ([]WireMessage, []error) {
	out := make([]WireMessage, 0, len(raw))
	var errs []error
	for _, item := range raw {
		var m WireMessage
		if err := json.Unmarshal(item, &m); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err))
			continue
		}
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", model.ErrMalformedPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrMalformedPayload, env.Event, err)
	}
	return nil
}
