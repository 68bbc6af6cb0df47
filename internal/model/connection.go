package model

// Phase 连接阶段
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState 进程级连接状态，只由连接管理器修改
type ConnectionState struct {
	Phase            Phase
	ReconnectAttempt int
	LastError        error
}
