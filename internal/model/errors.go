package model

import "errors"

var (
	ErrNotConnected       = errors.New("not connected")
	ErrDisconnected       = errors.New("transport disconnected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("closed")

	ErrAuthRejected = errors.New("authentication rejected")
	ErrJoinRejected = errors.New("join rejected")
	ErrJoinTimeout  = errors.New("join timed out")

	ErrMalformedPayload = errors.New("malformed payload")

	ErrSessionEnded     = errors.New("session already ended")
	ErrIceRestartFailed = errors.New("ice restart did not recover the call")
)

// ErrorKind 错误分类
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransport 自动重连恢复
	KindTransport
	// KindProtocol 上报调用方，不盲目重试
	KindProtocol
	// KindData 丢弃并记录
	KindData
	// KindLifecycle 会话终止
	KindLifecycle
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindData:
		return "data"
	case KindLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Classify 根据哨兵错误归类
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrSessionEnded):
		return KindLifecycle
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrJoinRejected),
		errors.Is(err, ErrJoinTimeout), errors.Is(err, ErrReconnectExhausted),
		errors.Is(err, ErrIceRestartFailed):
		return KindProtocol
	case errors.Is(err, ErrMalformedPayload):
		return KindData
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrRequestTimeout):
		return KindTransport
	default:
		return KindUnknown
	}
}

// IsBlocking 需要阻塞式提示的错误
func IsBlocking(err error) bool {
	switch Classify(err) {
	case KindProtocol, KindLifecycle:
		return true
	default:
		return false
	}
}
