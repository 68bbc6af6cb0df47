package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 256 * 1024 // 256KB
	// 最小帧大小: {"event":""}
	MinFrameSize = 2
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Envelope 线上传输的事件信封
//
// 请求: {"event":"join_room","ack":7,"data":{...}}
// 应答: {"event":"ack","ack":7,"data":{...}}
type Envelope struct {
	Event EventName       `json:"event"`
	Ack   uint32          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsReply 是否为请求应答
func (e Envelope) IsReply() bool {
	return e.Event == EventAck
}

// EncodeFrame 将事件名、应答ID与负载编码为文本帧
func EncodeFrame(event EventName, ack uint32, payload any) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload failed: %w", event, err)
		}
		env.Data = data
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope failed: %w", err)
	}
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return frame, nil
}

// DecodeFrame 从原始文本帧解码信封
func DecodeFrame(raw []byte) (Envelope, error) {
	if len(raw) < MinFrameSize {
		return Envelope{}, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidFrame)
	}
	return env, nil
}
