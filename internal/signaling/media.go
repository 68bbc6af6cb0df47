package signaling

import (
	"encoding/json"

	"ConsultSync/internal/model"
)

// MediaLayer 媒体能力（WebRTC对等连接），由外部实现。
// 方法在事件循环上同步调用，实现不应长时间阻塞。
type MediaLayer interface {
	CreateOffer(iceRestart bool) (json.RawMessage, error)
	CreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	SetRemoteSignal(env model.SignalEnvelope) error
	AddIceCandidate(candidate json.RawMessage) error
	Close() error
}

// IceState 媒体层报告的连接状态
type IceState string

const (
	IceNew          IceState = "new"
	IceChecking     IceState = "checking"
	IceConnected    IceState = "connected"
	IceCompleted    IceState = "completed"
	IceDisconnected IceState = "disconnected"
	IceFailed       IceState = "failed"
	IceClosed       IceState = "closed"
)

// CallState 通话状态
type CallState string

const (
	CallIdle       CallState = "idle"
	CallOffering   CallState = "offering"
	CallAnswering  CallState = "answering"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallRestarting CallState = "restarting"
	CallFailed     CallState = "failed"
	CallClosed     CallState = "closed"
)
