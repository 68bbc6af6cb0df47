package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/connection"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// Source 恢复触发来源
type Source string

const (
	SourceJoin       Source = "join"
	SourceReconnect  Source = "reconnect"
	SourceForeground Source = "foreground"
	SourceManual     Source = "manual"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content too long")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("only failed messages can be resent")
)

// Handlers 引擎回调，在事件循环上调用
type Handlers struct {
	OnMessages func(messages []model.Message)
	OnTyping   func(userID string, typing bool)
}

type recoveryTrigger struct {
	source Source
	force  bool
}

// Engine 维护一个会话的消息日志：乐观回显、去重、单飞限速的漏消息恢复
type Engine struct {
	config   Config
	scope    *eventloop.Scope
	ch       connection.Channel
	session  model.Session
	handlers Handlers
	logger   zerolog.Logger
	newID    func() string

	log    *messageLog
	closed bool

	recovering     bool
	queued         *recoveryTrigger
	lastRecoveryAt time.Time

	localTyping bool
	typing      map[string]*eventloop.Timer
}

// New 创建绑定到会话范围的引擎；范围关闭时自动取消订阅
func New(config Config, scope *eventloop.Scope, ch connection.Channel, session model.Session, handlers Handlers) *Engine {
	e := &Engine{
		config:   config,
		scope:    scope,
		ch:       ch,
		session:  session,
		handlers: handlers,
		logger: log.With().
			Str("component", "chat").
			Str("booking_id", session.BookingID).
			Logger(),
		newID:  uuid.NewString,
		log:    newMessageLog(),
		typing: make(map[string]*eventloop.Timer),
	}
	scope.Defer(ch.OnEvent(e.handleEvent))
	return e
}

// Messages 当前日志副本
func (e *Engine) Messages() []model.Message {
	return e.log.snapshot()
}

// Message 按ID查找
func (e *Engine) Message(id string) (model.Message, bool) {
	m, ok := e.log.get(id)
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// Send 乐观回显后发送；未连接或被拒绝时消息标记为failed，不会自动重试
func (e *Engine) Send(content string) (model.Message, error) {
	if e.closed {
		return model.Message{}, model.ErrSessionEnded
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if e.config.MaxContentLength > 0 && len(content) > e.config.MaxContentLength {
		return model.Message{}, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(content), e.config.MaxContentLength)
	}

	entry := e.log.append(model.Message{
		ID:         e.newID(),
		Content:    content,
		SenderID:   e.ch.UserID(),
		SenderRole: model.RoleUser,
		Timestamp:  e.scope.Loop().Now().Round(0),
		Status:     model.MessageSending,
	})
	e.notify()

	e.transmit(entry)
	return *entry, nil
}

// Resend 以新ID重新发送一条失败的消息，原消息保留为failed
func (e *Engine) Resend(id string) (model.Message, error) {
	original, ok := e.log.get(id)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if original.Status != model.MessageFailed {
		return model.Message{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, original.Status)
	}
	return e.Send(original.Content)
}

func (e *Engine) transmit(entry *model.Message) {
	id := entry.ID
	if e.ch.State().Phase != model.PhaseConnected {
		e.logger.Info().Str("message_id", id).Msg("not connected, message failed")
		e.markFailed(id)
		return
	}

	e.ch.Request(protocol.FromMessage(e.session.BookingID, *entry), e.config.SendTimeout, e.guardReply(func(data json.RawMessage, err error) {
		if e.closed {
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("message_id", id).Msg("send failed")
			e.markFailed(id)
			return
		}

		var ack protocol.SendAck
		if err := protocol.DecodeReply(data, &ack); err != nil || !ack.Success {
			e.logger.Warn().Err(err).Str("message_id", id).Str("reason", ack.Error).Msg("send rejected")
			e.markFailed(id)
			return
		}
		if e.advance(id, model.MessageSent) {
			metrics.MessagesSent.WithLabelValues("sent").Inc()
			e.notify()
		}
	}))
}

func (e *Engine) markFailed(id string) {
	m, ok := e.log.get(id)
	if !ok || m.Status != model.MessageSending {
		return
	}
	m.Status = model.MessageFailed
	metrics.MessagesSent.WithLabelValues("failed").Inc()
	e.notify()
}

// advance 出站消息状态只能前进
func (e *Engine) advance(id string, next model.MessageStatus) bool {
	m, ok := e.log.get(id)
	if !ok || !m.IsOutgoing() || !m.Status.CanAdvanceTo(next) {
		return false
	}
	m.Status = next
	return true
}

// FailPending 会话结束：所有sending的消息标记为failed，之后的应答被忽略
func (e *Engine) FailPending() int {
	failed := 0
	for _, m := range e.log.entries {
		if m.Status == model.MessageSending {
			m.Status = model.MessageFailed
			failed++
		}
	}
	e.closed = true
	e.queued = nil
	e.clearTyping()
	if failed > 0 {
		metrics.MessagesSent.WithLabelValues("failed").Add(float64(failed))
		e.logger.Info().Int("count", failed).Msg("pending messages failed on session end")
		e.notify()
	}
	return failed
}

// TriggerRecovery 拉取漏掉的消息。同时只有一个请求在途，
// 在途期间的触发只保留最新一个，完成后重放；非强制触发受最小间隔限制。
func (e *Engine) TriggerRecovery(source Source, force bool) {
	if e.closed {
		return
	}
	if e.ch.State().Phase != model.PhaseConnected {
		metrics.RecoveryTriggers.WithLabelValues(string(source), "offline").Inc()
		return
	}
	if e.recovering {
		e.queued = &recoveryTrigger{source: source, force: force}
		metrics.RecoveryTriggers.WithLabelValues(string(source), "queued").Inc()
		e.logger.Debug().Str("source", string(source)).Msg("recovery in flight, trigger queued")
		return
	}

	interval := e.config.MinRecoveryInterval
	if source == SourceForeground {
		interval = e.config.MinBackgroundRecoveryInterval
	}
	now := e.scope.Loop().Now()
	if !force && !e.lastRecoveryAt.IsZero() && now.Sub(e.lastRecoveryAt) < interval {
		metrics.RecoveryTriggers.WithLabelValues(string(source), "rate_limited").Inc()
		e.logger.Debug().Str("source", string(source)).Dur("since_last", now.Sub(e.lastRecoveryAt)).Msg("recovery rate limited")
		return
	}

	e.recover(source)
}

// Recovering 是否有恢复请求在途
func (e *Engine) Recovering() bool {
	return e.recovering
}

func (e *Engine) recover(source Source) {
	req := protocol.GetMissedMessages{
		BookingID: e.session.BookingID,
		SessionID: e.session.SessionID,
	}
	if newest := e.log.newestConfirmed(); !newest.IsZero() {
		// 回退一个容差窗口，覆盖时间戳精度差异
		since := protocol.NewTimestamp(newest.Add(-e.config.RecoveryDedupWindow))
		req.Since = &since
	}

	e.recovering = true
	metrics.RecoveryTriggers.WithLabelValues(string(source), "issued").Inc()
	e.logger.Info().Str("source", string(source)).Msg("recovering missed messages")

	e.ch.Request(req, e.config.RecoveryTimeout, e.guardReply(func(data json.RawMessage, err error) {
		e.recovering = false
		if err != nil {
			metrics.RecoveryTriggers.WithLabelValues(string(source), "error").Inc()
			e.logger.Warn().Err(err).Str("source", string(source)).Msg("recovery failed")
		} else {
			e.lastRecoveryAt = e.scope.Loop().Now()
			e.mergeRecovered(data)
		}

		if q := e.queued; q != nil && !e.closed {
			e.queued = nil
			if e.ch.State().Phase == model.PhaseConnected {
				e.recover(q.source)
			}
		}
	}))
}

// mergeRecovered 逐条去重合并，然后按时间排序
func (e *Engine) mergeRecovered(data json.RawMessage) {
	var batch protocol.MissedMessages
	if err := protocol.DecodeReply(data, &batch); err != nil {
		e.logger.Warn().Err(err).Msg("dropping malformed recovery batch")
		return
	}

	wires, errs := protocol.DecodeWireMessages(batch.Messages)
	for _, err := range errs {
		metrics.DroppedFrames.WithLabelValues("message").Inc()
		e.logger.Warn().Err(err).Msg("dropping malformed recovered message")
	}

	changed := false
	for _, w := range wires {
		if w.BookingID != "" && w.BookingID != e.session.BookingID {
			continue
		}
		if e.ingest(w.ToMessage(e.ch.UserID()), "recovery") {
			changed = true
		}
	}
	e.log.sort()

	metrics.RecoveryTriggers.WithLabelValues("response", "completed").Inc()
	e.logger.Info().Int("received", len(wires)).Int("total", len(e.log.entries)).Msg("recovery merged")
	if changed {
		e.notify()
	}
}

// ingest 去重后追加；返回日志是否变化
func (e *Engine) ingest(m model.Message, source string) bool {
	window := e.config.LiveDedupWindow
	if source == "recovery" {
		window = e.config.RecoveryDedupWindow
	}

	existing, rule := e.log.match(m, window, e.config.RecoveryDedupWindow)
	if existing == nil {
		e.log.append(m)
		if source == "recovery" {
			e.log.markRecovered(m.ID)
		}
		return true
	}

	metrics.MessagesDeduplicated.WithLabelValues(source, string(rule)).Inc()
	e.logger.Debug().
		Str("message_id", m.ID).
		Str("existing_id", existing.ID).
		Str("rule", string(rule)).
		Str("source", source).
		Msg("duplicate message discarded")

	// 服务器回传了本地发出的同一ID，说明已送达服务器
	if rule == ruleID && existing.IsOutgoing() &&
		(existing.Status == model.MessageSending || existing.Status == model.MessageFailed) {
		existing.Status = model.MessageSent
		return true
	}
	return false
}

// SetTyping 本端输入状态，只在变化时发送
func (e *Engine) SetTyping(typing bool) {
	if e.closed || typing == e.localTyping {
		return
	}
	err := e.ch.Emit(protocol.Typing{
		BookingID: e.session.BookingID,
		SenderID:  e.ch.UserID(),
		Started:   typing,
	})
	if err != nil {
		e.logger.Debug().Err(err).Msg("typing indicator not sent")
		return
	}
	e.localTyping = typing
}

// CounterpartTyping 对端是否正在输入
func (e *Engine) CounterpartTyping() bool {
	return len(e.typing) > 0
}

func (e *Engine) handleEvent(event protocol.Inbound) {
	if e.closed {
		return
	}
	switch ev := event.(type) {
	case protocol.ReceiveMessage:
		if ev.BookingID != "" && ev.BookingID != e.session.BookingID {
			return
		}
		m := ev.ToMessage(e.ch.UserID())
		e.setTyping(m.SenderID, false)
		if e.ingest(m, "live") {
			e.notify()
		}

	case protocol.MessageStatusUpdate:
		if ev.BookingID != "" && ev.BookingID != e.session.BookingID {
			return
		}
		if e.advance(ev.ID, ev.Status) {
			e.notify()
		}

	case protocol.TypingIndicator:
		if ev.BookingID != e.session.BookingID || ev.SenderID == e.ch.UserID() {
			return
		}
		e.setTyping(ev.SenderID, ev.Started)
	}
}

// setTyping 对端输入状态在TypingExpiry后自动失效
func (e *Engine) setTyping(userID string, typing bool) {
	timer, was := e.typing[userID]
	timer.Stop()

	if !typing {
		if !was {
			return
		}
		delete(e.typing, userID)
		if e.handlers.OnTyping != nil {
			e.handlers.OnTyping(userID, false)
		}
		return
	}

	e.typing[userID] = e.scope.AfterFunc(e.config.TypingExpiry, func() {
		e.setTyping(userID, false)
	})
	if !was && e.handlers.OnTyping != nil {
		e.handlers.OnTyping(userID, true)
	}
}

func (e *Engine) clearTyping() {
	for userID := range e.typing {
		e.setTyping(userID, false)
	}
}

func (e *Engine) notify() {
	if e.handlers.OnMessages != nil {
		e.handlers.OnMessages(e.log.snapshot())
	}
}

func (e *Engine) guardReply(fn connection.ReplyHandler) connection.ReplyHandler {
	return func(data json.RawMessage, err error) {
		if !e.scope.Alive() {
			return
		}
		fn(data, err)
	}
}
