package model

import "encoding/json"

// SignalType 信令类型
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice-candidate"
)

// IsValid 检查信令类型是否有效
func (t SignalType) IsValid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalIceCandidate:
		return true
	default:
		return false
	}
}

// Direction 信令方向
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// SignalEnvelope 一次中继周期内的信令，不持久化
type SignalEnvelope struct {
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id"`
	Direction Direction       `json:"direction"`
}
