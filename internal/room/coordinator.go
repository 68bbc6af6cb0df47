package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/connection"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// JoinReason 加入房间的原因
type JoinReason string

const (
	JoinInitial JoinReason = "initial"
	JoinRejoin  JoinReason = "rejoin"
)

// Config 协调器配置
type Config struct {
	JoinTimeout time.Duration
	EndTimeout  time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		JoinTimeout: 10 * time.Second,
		EndTimeout:  10 * time.Second,
	}
}

// Handlers 协调器回调，全部在事件循环上调用，未设置的字段忽略
type Handlers struct {
	// OnSession 会话字段或状态变化
	OnSession func(s model.Session)
	// OnJoined 服务器确认房间成员身份；sessionData可能为nil
	OnJoined func(reason JoinReason, data *protocol.SessionData)
	// OnActive 服务器确认会话开始计费，恰好一次
	OnActive func(s model.Session)
	// OnEnded 会话进入终态，恰好一次
	OnEnded func(s model.Session)
	// OnPresence 对端上下线
	OnPresence func(userID string, online bool)
	// OnError 需要上报给调用方的协议/生命周期错误
	OnError func(err error)
}

// Coordinator 把已连接的传输变为某个咨询房间的成员。
// 同一连接上同时只有一个房间处于加入状态。
type Coordinator struct {
	config   Config
	loop     *eventloop.Loop
	ch       connection.Channel
	handlers Handlers
	logger   zerolog.Logger

	session *model.Session
	scope   *eventloop.Scope

	joined      bool
	everJoined  bool
	joinPending bool
	joinReason  JoinReason
	joinGen     uint64
	joinTimer   *eventloop.Timer
	waiters     []func(error)

	presence  map[string]bool
	endedOnce bool
}

// New 创建协调器
func New(config Config, loop *eventloop.Loop, ch connection.Channel, handlers Handlers) *Coordinator {
	return &Coordinator{
		config:   config,
		loop:     loop,
		ch:       ch,
		handlers: handlers,
		logger:   log.With().Str("component", "room").Logger(),
	}
}

// Session 当前会话副本
func (c *Coordinator) Session() (model.Session, bool) {
	if c.session == nil {
		return model.Session{}, false
	}
	return c.session.Clone(), true
}

// Joined 是否为当前房间的确认成员
func (c *Coordinator) Joined() bool {
	return c.joined
}

// Presence 对端在线状态
func (c *Coordinator) Presence(userID string) bool {
	return c.presence[userID]
}

// Join 加入会话所在房间。对同一房间重复调用是空操作；
// 对不同房间会先离开当前房间。done在后续轮次调用。
func (c *Coordinator) Join(session *model.Session, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if err := session.Validate(); err != nil {
		c.loop.Post(func() { done(err) })
		return
	}
	if session.IsEnded() {
		c.loop.Post(func() { done(model.ErrSessionEnded) })
		return
	}

	if c.session != nil && c.session.RoomID == session.RoomID && !c.session.IsEnded() {
		switch {
		case c.joined:
			c.loop.Post(func() { done(nil) })
		case c.joinPending:
			c.waiters = append(c.waiters, done)
		default:
			// 上次加入失败，调用方重试
			c.waiters = append(c.waiters, done)
			c.issueJoin(JoinInitial)
		}
		return
	}

	if c.session != nil {
		c.Leave()
	}

	c.session = session
	c.scope = c.loop.NewScope()
	c.presence = make(map[string]bool)
	c.joined = false
	c.everJoined = false
	c.endedOnce = false
	c.logger = log.With().
		Str("component", "room").
		Str("booking_id", session.BookingID).
		Str("room_id", session.RoomID).
		Logger()

	c.scope.Defer(c.ch.Subscribe(c.handlePhase))
	c.scope.Defer(c.ch.OnEvent(c.handleEvent))

	if session.MarkJoining() {
		c.notifySession()
	}
	c.waiters = append(c.waiters, done)
	c.issueJoin(JoinInitial)
}

// Leave 离开当前房间并释放会话级订阅
func (c *Coordinator) Leave() {
	if c.session == nil {
		return
	}
	prev := c.session

	if c.joined && c.ch.State().Phase == model.PhaseConnected {
		err := c.ch.Emit(protocol.LeaveRoom{
			BookingID: prev.BookingID,
			RoomID:    prev.RoomID,
			UserID:    c.ch.UserID(),
		})
		if err != nil {
			c.logger.Debug().Err(err).Msg("leave_room not sent")
		}
	}

	c.failWaiters(model.ErrClosed)
	c.joinTimer.Stop()
	c.joinTimer = nil
	c.scope.Close()
	c.scope = nil
	c.session = nil
	c.joined = false
	c.joinPending = false
	c.joinGen++
	c.logger.Info().Msg("left room")
}

// End 请求结束会话；服务器应答成功（或先到的session_ended）后进入ended
func (c *Coordinator) End(reason string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if c.session == nil {
		c.loop.Post(func() { done(fmt.Errorf("no active session: %w", model.ErrClosed)) })
		return
	}
	if c.session.IsEnded() {
		c.loop.Post(func() { done(model.ErrSessionEnded) })
		return
	}

	session := c.session
	c.ch.Request(protocol.EndSession{
		BookingID: session.BookingID,
		SessionID: session.SessionID,
		Reason:    reason,
	}, c.config.EndTimeout, c.guardReply(func(data json.RawMessage, err error) {
		if c.session != session {
			done(model.ErrClosed)
			return
		}
		if session.IsEnded() {
			// session_ended先于应答到达
			done(nil)
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("end_session request failed")
			done(err)
			return
		}

		var ack protocol.EndAck
		if err := protocol.DecodeReply(data, &ack); err != nil {
			done(err)
			return
		}
		if !ack.Success {
			done(fmt.Errorf("end_session rejected: %s", ack.Error))
			return
		}
		c.finish(reason, c.ch.UserID())
		done(nil)
	}))
}

// issueJoin 发送加入请求；未连接时等到connected再发，期间受加入超时约束
func (c *Coordinator) issueJoin(reason JoinReason) {
	if c.session == nil || c.session.IsEnded() {
		return
	}
	c.joinPending = true
	c.joinReason = reason
	c.joinGen++
	gen := c.joinGen

	if c.joinTimer == nil {
		c.joinTimer = c.scope.AfterFunc(c.config.JoinTimeout, func() {
			c.joinTimer = nil
			if !c.joinPending {
				return
			}
			c.joinPending = false
			c.joinGen++
			c.logger.Warn().Str("reason", string(c.joinReason)).Msg("join timed out")
			c.failJoin(c.joinReason, fmt.Errorf("%s: %w", c.session.RoomID, model.ErrJoinTimeout))
		})
	}

	if c.ch.State().Phase != model.PhaseConnected {
		c.logger.Debug().Str("reason", string(reason)).Msg("join deferred until connected")
		return
	}

	session := c.session
	c.logger.Info().Str("reason", string(reason)).Msg("joining room")
	c.ch.Request(protocol.JoinRoom{
		BookingID: session.BookingID,
		SessionID: session.SessionID,
		RoomID:    session.RoomID,
		UserID:    c.ch.UserID(),
	}, c.config.JoinTimeout, c.guardReply(func(data json.RawMessage, err error) {
		if gen != c.joinGen || c.session != session {
			return
		}
		c.handleJoinReply(reason, data, err)
	}))
}

func (c *Coordinator) handleJoinReply(reason JoinReason, data json.RawMessage, err error) {
	if err != nil {
		if errors.Is(err, model.ErrDisconnected) || errors.Is(err, model.ErrNotConnected) {
			// 重连后handlePhase会再次发起
			c.logger.Debug().Err(err).Msg("join interrupted by disconnect")
			return
		}
		c.joinPending = false
		c.stopJoinTimer()
		if errors.Is(err, model.ErrRequestTimeout) {
			err = fmt.Errorf("%s: %w", c.session.RoomID, model.ErrJoinTimeout)
		}
		c.failJoin(reason, err)
		return
	}

	c.joinPending = false
	c.stopJoinTimer()

	var ack protocol.JoinAck
	if err := protocol.DecodeReply(data, &ack); err != nil {
		c.failJoin(reason, err)
		return
	}

	if ack.SessionData != nil && ack.SessionData.Status == string(model.StatusEnded) {
		c.logger.Warn().Str("reason", string(reason)).Msg("session already ended on join")
		c.failWaiters(model.ErrSessionEnded)
		c.reportError(fmt.Errorf("%s: %w", c.session.SessionID, model.ErrSessionEnded))
		c.finish("ended_before_join", "")
		return
	}
	if !ack.Success {
		c.failJoin(reason, fmt.Errorf("%w: %s", model.ErrJoinRejected, ack.Error))
		return
	}

	c.joined = true
	c.everJoined = true
	if d := ack.SessionData; d != nil {
		if d.CounterpartID != "" && c.session.CounterpartID != d.CounterpartID {
			c.session.CounterpartID = d.CounterpartID
			c.notifySession()
		}
	}
	c.logger.Info().Str("reason", string(reason)).Msg("joined room")
	c.failWaiters(nil)

	if c.handlers.OnJoined != nil {
		c.handlers.OnJoined(reason, ack.SessionData)
	}

	// 加入应答携带active状态即服务器确认（会话中途重新加入）
	if d := ack.SessionData; d != nil && d.Status == string(model.StatusActive) {
		startedAt := c.loop.Now()
		if d.StartedAt != nil && !d.StartedAt.IsZero() {
			startedAt = d.StartedAt.Time
		}
		c.activate(startedAt)
	}
}

func (c *Coordinator) failJoin(reason JoinReason, err error) {
	c.failWaiters(err)
	if reason == JoinRejoin || errors.Is(err, model.ErrJoinRejected) {
		c.reportError(err)
	}
}

func (c *Coordinator) stopJoinTimer() {
	c.joinTimer.Stop()
	c.joinTimer = nil
}

// handlePhase 连接恢复后重新加入；断开时成员身份失效
func (c *Coordinator) handlePhase(old, new model.ConnectionState) {
	if c.session == nil || c.session.IsEnded() {
		return
	}

	if old.Phase == model.PhaseConnected && new.Phase != model.PhaseConnected {
		if c.joined {
			c.logger.Info().Str("phase", new.Phase.String()).Msg("membership lost with transport")
		}
		c.joined = false
		if c.joinPending && c.joinReason == JoinRejoin {
			// 重新加入由下一次connected驱动
			c.joinPending = false
			c.joinGen++
			c.stopJoinTimer()
		}
		return
	}

	if new.Phase != model.PhaseConnected || old.Phase == model.PhaseConnected {
		return
	}

	switch {
	case c.everJoined:
		c.issueJoin(JoinRejoin)
	case c.joinPending:
		c.issueJoin(JoinInitial)
	}
}

// handleEvent 只处理属于当前预约的事件
func (c *Coordinator) handleEvent(event protocol.Inbound) {
	if c.session == nil {
		return
	}
	switch e := event.(type) {
	case protocol.SessionStarted:
		if e.BookingID != c.session.BookingID {
			return
		}
		if e.SessionID != "" && e.SessionID != c.session.SessionID {
			c.logger.Warn().Str("session_id", e.SessionID).Msg("session_started for another session ignored")
			return
		}
		c.activate(e.StartedAtOr(c.loop.Now()))

	case protocol.SessionEnded:
		if e.BookingID != c.session.BookingID {
			return
		}
		c.finish(e.Reason, e.EndedBy)

	case protocol.Participant:
		if e.BookingID != c.session.BookingID || e.UserID == c.ch.UserID() {
			return
		}
		// 在线状态只用于展示，不会让会话进入active
		if c.presence[e.UserID] == e.Joined {
			return
		}
		c.presence[e.UserID] = e.Joined
		if e.Joined && c.session.CounterpartID == "" {
			c.session.CounterpartID = e.UserID
			c.notifySession()
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(e.UserID, e.Joined)
		}
	}
}

// activate 仅由服务器确认触发
func (c *Coordinator) activate(startedAt time.Time) {
	if !c.session.Activate(startedAt) {
		return
	}
	c.logger.Info().Time("started_at", startedAt).Msg("session active")
	c.notifySession()
	if c.handlers.OnActive != nil {
		c.handlers.OnActive(c.session.Clone())
	}
}

// finish 进入终态，恰好一次
func (c *Coordinator) finish(reason, endedBy string) {
	if c.endedOnce || !c.session.End(c.loop.Now(), reason, endedBy) {
		return
	}
	c.endedOnce = true
	c.joined = false
	c.joinPending = false
	c.joinGen++
	c.stopJoinTimer()
	c.failWaiters(model.ErrSessionEnded)

	if reason == "" {
		reason = "unknown"
	}
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	c.logger.Info().Str("reason", reason).Str("ended_by", endedBy).Msg("session ended")

	ended := c.session.Clone()
	c.notifySession()
	if c.handlers.OnEnded != nil {
		c.handlers.OnEnded(ended)
	}
}

func (c *Coordinator) notifySession() {
	if c.handlers.OnSession != nil && c.session != nil {
		c.handlers.OnSession(c.session.Clone())
	}
}

func (c *Coordinator) reportError(err error) {
	c.logger.Warn().Err(err).Str("kind", model.Classify(err).String()).Msg("room error")
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Coordinator) failWaiters(err error) {
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// guardReply 会话离开后丢弃迟到的应答
func (c *Coordinator) guardReply(fn connection.ReplyHandler) connection.ReplyHandler {
	scope := c.scope
	return func(data json.RawMessage, err error) {
		if scope == nil || !scope.Alive() {
			return
		}
		fn(data, err)
	}
}
