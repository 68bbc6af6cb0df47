package main

import (
	"fmt"

	"ConsultSync/internal/consult"
	"ConsultSync/internal/model"
	"ConsultSync/internal/signaling"
)

// console 把会话变化打印到终端，只打印新出现或状态变化的消息
type console struct {
	consult.NopObserver
	seen  map[string]model.MessageStatus
	ended chan struct{}
}

func newConsole() *console {
	return &console{
		seen:  make(map[string]model.MessageStatus),
		ended: make(chan struct{}),
	}
}

func (c *console) MessagesChanged(messages []model.Message) {
	for _, m := range messages {
		prev, ok := c.seen[m.ID]
		if ok && prev == m.Status {
			continue
		}
		c.seen[m.ID] = m.Status
		switch {
		case !m.IsOutgoing():
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.SenderID, m.Content)
		case m.Status == model.MessageFailed:
			fmt.Printf("  x failed %s (/resend %s)\n", m.Content, m.ID)
		case !ok:
			fmt.Printf("[%s] me: %s\n", m.Timestamp.Format("15:04:05"), m.Content)
		}
	}
}

func (c *console) PhaseChanged(state model.ConnectionState) {
	fmt.Println("~ connection", state.Phase)
}

func (c *console) TypingChanged(userID string, typing bool) {
	if typing {
		fmt.Println("~", userID, "is typing")
	}
}

func (c *console) PresenceChanged(userID string, online bool) {
	fmt.Printf("~ %s online=%v\n", userID, online)
}

func (c *console) CallStateChanged(state signaling.CallState) {
	fmt.Println("~ call", state)
}

func (c *console) TimerChanged(state model.TimerState) {
	if state.IsActive && state.ElapsedSeconds%60 == 0 {
		fmt.Printf("~ elapsed %dm\n", state.ElapsedSeconds/60)
	}
}

func (c *console) Notice(n consult.Notice) {
	fmt.Printf("! [%s] %s\n", n.Severity, n.Message)
	if n.Terminal {
		select {
		case <-c.ended:
		default:
			close(c.ended)
		}
	}
}
