package connection

import (
	"time"

	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// Channel 会话级组件所依赖的连接能力，所有方法只能在事件循环上调用
type Channel interface {
	State() model.ConnectionState
	UserID() string
	Subscribe(fn StateHandler) func()
	OnEvent(fn EventHandler) func()
	Emit(out protocol.Outbound) error
	Request(out protocol.Outbound, timeout time.Duration, cb ReplyHandler)
}

var _ Channel = (*Manager)(nil)
