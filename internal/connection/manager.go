package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/credential"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
	"ConsultSync/internal/transport"
)

// StateHandler 连接状态变化处理器
type StateHandler func(old, new model.ConnectionState)

// EventHandler 推送事件处理器
type EventHandler func(event protocol.Inbound)

// ReplyHandler 请求应答处理器，恰好调用一次
type ReplyHandler func(data json.RawMessage, err error)

// FrameTap 帧观察钩子（录制用），在IO goroutine上调用
type FrameTap func(direction string, event protocol.EventName, raw []byte)

// trigger 连接尝试的触发原因
type trigger string

const (
	triggerExplicit   trigger = "explicit"
	triggerBackoff    trigger = "backoff"
	triggerForeground trigger = "foreground"
)

const authAckID uint32 = 1

// Manager 持有唯一的持久连接：建立、认证、退避重连、心跳，
// 并把状态变化与推送事件投递到事件循环上
type Manager struct {
	config *Config
	loop   *eventloop.Loop
	dialer transport.Dialer
	creds  credential.Store
	logger zerolog.Logger
	tap    FrameTap

	// 以下字段只在事件循环上访问
	state          model.ConnectionState
	userID         string
	link           *link
	attemptID      uint64
	attempting     bool
	explicitClose  bool
	failures       int
	backOff        *backoff.ExponentialBackOff
	reconnectTimer *eventloop.Timer
	heartbeat      *eventloop.Ticker
	waiters        []func(error)

	nextAck uint32
	pending map[uint32]*pendingRequest

	subID      int
	stateSubs  []stateSub
	eventSubs  []eventSub
	lastPingAt time.Time
	avgRTT     time.Duration

	// 供其他goroutine读取
	phase atomic.Int32
}

type stateSub struct {
	id int
	fn StateHandler
}

type eventSub struct {
	id int
	fn EventHandler
}

type pendingRequest struct {
	event protocol.EventName
	cb    ReplyHandler
	timer *eventloop.Timer
}

// link 一条已认证的物理连接
type link struct {
	id        uint64
	conn      transport.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// New 创建连接管理器
func New(config *Config, loop *eventloop.Loop, dialer transport.Dialer, creds credential.Store) *Manager {
	if config == nil {
		panic("config cannot be nil")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBase
	b.MaxInterval = config.ReconnectCap
	b.Multiplier = config.ReconnectMultiplier
	b.RandomizationFactor = config.ReconnectJitter
	b.MaxElapsedTime = 0
	b.Reset()

	m := &Manager{
		config:  config,
		loop:    loop,
		dialer:  dialer,
		creds:   creds,
		logger:  log.With().Str("component", "connection").Logger(),
		backOff: b,
		nextAck: authAckID,
		pending: make(map[uint32]*pendingRequest),
	}
	m.phase.Store(int32(model.PhaseIdle))
	return m
}

// SetFrameTap 设置帧观察钩子，需在Connect之前调用
func (m *Manager) SetFrameTap(tap FrameTap) {
	m.tap = tap
}

// Phase 线程安全地读取当前阶段
func (m *Manager) Phase() model.Phase {
	return model.Phase(m.phase.Load())
}

// State 当前状态（事件循环上调用）
func (m *Manager) State() model.ConnectionState {
	return m.state
}

// UserID 已认证的用户ID（事件循环上调用）
func (m *Manager) UserID() string {
	return m.userID
}

// RTT 平均心跳往返时间（事件循环上调用）
func (m *Manager) RTT() time.Duration {
	return m.avgRTT
}

// Connect 建立并认证连接，直到connected或握手失败才返回。
// 不能在事件循环goroutine上调用。
func (m *Manager) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	if !m.loop.Post(func() {
		m.ConnectAsync(func(err error) { result <- err })
	}) {
		return model.ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.loop.Done():
		return model.ErrClosed
	}
}

// ConnectAsync Connect的事件循环版本
func (m *Manager) ConnectAsync(done func(error)) {
	if done != nil {
		if m.state.Phase == model.PhaseConnected {
			m.loop.Post(func() { done(nil) })
			return
		}
		m.waiters = append(m.waiters, done)
	}
	if m.attempting {
		return
	}

	// 显式连接重新开始一轮退避
	m.explicitClose = false
	m.cancelReconnect()
	m.failures = 0
	m.backOff.Reset()
	m.startAttempt(triggerExplicit)
}

// Disconnect 主动断开并取消任何待执行的重连
func (m *Manager) Disconnect() {
	m.loop.Post(m.disconnect)
}

func (m *Manager) disconnect() {
	m.explicitClose = true
	m.cancelReconnect()
	m.attemptID++
	m.attempting = false
	m.teardownLink(model.ErrClosed)
	m.notifyWaiters(model.ErrClosed)
	m.failures = 0
	m.backOff.Reset()
	m.setState(model.ConnectionState{Phase: model.PhaseIdle})
	m.logger.Info().Msg("disconnected by client")
}

// Foreground 应用回到前台：未连接时立即重连，绕过退避延迟
func (m *Manager) Foreground() {
	m.loop.Post(m.foreground)
}

func (m *Manager) foreground() {
	switch m.state.Phase {
	case model.PhaseConnected, model.PhaseConnecting, model.PhaseIdle:
		return
	case model.PhaseFailed:
		// 凭据错误需要调用方处理后显式Connect
		if errors.Is(m.state.LastError, model.ErrAuthRejected) {
			return
		}
		m.failures = 0
		m.backOff.Reset()
	}
	if m.attempting {
		return
	}

	m.logger.Info().Str("phase", m.state.Phase.String()).Msg("foregrounded, reconnecting immediately")
	m.cancelReconnect()
	m.startAttempt(triggerForeground)
}

// Subscribe 订阅状态变化，返回取消函数（事件循环上调用）
func (m *Manager) Subscribe(fn StateHandler) func() {
	m.subID++
	id := m.subID
	m.stateSubs = append(m.stateSubs, stateSub{id: id, fn: fn})
	return func() {
		for i, s := range m.stateSubs {
			if s.id == id {
				m.stateSubs = append(m.stateSubs[:i:i], m.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// OnEvent 订阅推送事件，返回取消函数（事件循环上调用）
func (m *Manager) OnEvent(fn EventHandler) func() {
	m.subID++
	id := m.subID
	m.eventSubs = append(m.eventSubs, eventSub{id: id, fn: fn})
	return func() {
		for i, s := range m.eventSubs {
			if s.id == id {
				m.eventSubs = append(m.eventSubs[:i:i], m.eventSubs[i+1:]...)
				return
			}
		}
	}
}

// Emit 发送无需应答的事件（事件循环上调用）
func (m *Manager) Emit(out protocol.Outbound) error {
	if err := out.Validate(); err != nil {
		return err
	}
	return m.write(out, 0)
}

// Request 发送需要应答的事件。cb在后续的循环轮次中恰好调用一次：
// 收到应答、超时(ErrRequestTimeout)或连接断开(ErrDisconnected)。
func (m *Manager) Request(out protocol.Outbound, timeout time.Duration, cb ReplyHandler) {
	if err := out.Validate(); err != nil {
		m.loop.Post(func() { cb(nil, err) })
		return
	}
	if timeout <= 0 {
		timeout = m.config.RequestTimeout
	}

	m.nextAck++
	if m.nextAck == authAckID {
		m.nextAck++
	}
	ackID := m.nextAck

	if err := m.write(out, ackID); err != nil {
		m.loop.Post(func() { cb(nil, err) })
		return
	}

	req := &pendingRequest{event: out.Event(), cb: cb}
	req.timer = m.loop.AfterFunc(timeout, func() {
		if _, ok := m.pending[ackID]; !ok {
			return
		}
		delete(m.pending, ackID)
		m.logger.Warn().Str("event", out.Event().String()).Uint32("ack", ackID).Msg("request timed out")
		req.cb(nil, fmt.Errorf("%s: %w", out.Event(), model.ErrRequestTimeout))
	})
	m.pending[ackID] = req
}

// write 编码并放入当前连接的发送队列
func (m *Manager) write(out protocol.Outbound, ackID uint32) error {
	if m.state.Phase != model.PhaseConnected || m.link == nil {
		return fmt.Errorf("%s: %w", out.Event(), model.ErrNotConnected)
	}

	frame, err := protocol.EncodeFrame(out.Event(), ackID, out)
	if err != nil {
		return err
	}

	select {
	case m.link.send <- frame:
		return nil
	default:
		m.logger.Warn().Str("event", out.Event().String()).Msg("send queue full, dropping link")
		id := m.link.id
		m.loop.Post(func() { m.handleLinkDown(id, errors.New("send queue full")) })
		return fmt.Errorf("%s: %w", out.Event(), model.ErrDisconnected)
	}
}

// startAttempt 在后台goroutine中拨号并认证
func (m *Manager) startAttempt(tr trigger) {
	m.attempting = true
	m.attemptID++
	attemptID := m.attemptID

	m.setState(model.ConnectionState{
		Phase:            model.PhaseConnecting,
		ReconnectAttempt: m.state.ReconnectAttempt,
		LastError:        m.state.LastError,
	})
	m.logger.Debug().Str("trigger", string(tr)).Int("attempt", m.state.ReconnectAttempt).Msg("connecting")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)
		defer cancel()

		conn, userID, err := m.dialAndAuthenticate(ctx)
		if !m.loop.Post(func() { m.finishAttempt(attemptID, tr, conn, userID, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

// dialAndAuthenticate 执行拨号与认证握手（IO goroutine）
func (m *Manager) dialAndAuthenticate(ctx context.Context) (transport.Conn, string, error) {
	creds, err := m.creds.Credentials(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("load credentials failed: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, err := m.dialer.Dial(ctx, m.config.URL, header)
	if err != nil {
		if transport.IsUnauthorized(err) {
			return nil, "", fmt.Errorf("%w: %v", model.ErrAuthRejected, err)
		}
		return nil, "", err
	}

	userID, err := m.authenticate(ctx, conn, creds)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, userID, nil
}

// authenticate 发送认证请求并等待应答
func (m *Manager) authenticate(ctx context.Context, conn transport.Conn, creds credential.Credentials) (string, error) {
	frame, err := protocol.EncodeFrame(protocol.EventAuthenticate, authAckID, protocol.Authenticate{
		Token:  creds.Token,
		UserID: creds.UserID,
	})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return "", fmt.Errorf("send authenticate failed: %w", err)
	}
	m.observe("send", protocol.EventAuthenticate, frame)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read authenticate reply failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	m.observe("receive", protocol.EventAck, raw)

	env, err := protocol.DecodeFrame(raw)
	if err != nil {
		return "", fmt.Errorf("decode authenticate reply failed: %w", err)
	}
	if !env.IsReply() || env.Ack != authAckID {
		return "", fmt.Errorf("unexpected frame %q before authentication", env.Event)
	}

	var ack protocol.AuthAck
	if err := protocol.DecodeReply(env.Data, &ack); err != nil {
		return "", err
	}
	if !ack.Success {
		return "", fmt.Errorf("%w: %s", model.ErrAuthRejected, ack.Error)
	}

	userID := ack.UserID
	if userID == "" {
		userID = creds.UserID
	}
	return userID, nil
}

// finishAttempt 处理一次连接尝试的结果
func (m *Manager) finishAttempt(attemptID uint64, tr trigger, conn transport.Conn, userID string, err error) {
	if attemptID != m.attemptID || m.explicitClose {
		// Disconnect之后到达的旧结果
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.attempting = false

	if err != nil {
		metrics.ConnectAttempts.WithLabelValues(string(tr), "error").Inc()
		m.logger.Warn().Err(err).Str("trigger", string(tr)).Msg("connect attempt failed")
		m.notifyWaiters(err)

		if errors.Is(err, model.ErrAuthRejected) {
			m.setState(model.ConnectionState{Phase: model.PhaseFailed, LastError: err})
			return
		}
		m.failures++
		m.scheduleReconnect(err)
		return
	}

	metrics.ConnectAttempts.WithLabelValues(string(tr), "ok").Inc()
	m.userID = userID
	m.failures = 0
	m.backOff.Reset()
	m.openLink(conn)
	m.setState(model.ConnectionState{Phase: model.PhaseConnected})
	m.startHeartbeat()
	m.notifyWaiters(nil)

	m.logger.Info().Str("user_id", userID).Str("trigger", string(tr)).Msg("connected")
}

// scheduleReconnect 按退避策略安排下一次尝试，超过上限进入failed
func (m *Manager) scheduleReconnect(cause error) {
	if m.failures >= m.config.MaxReconnectAttempts {
		m.logger.Error().Int("attempts", m.failures).Msg("max reconnect attempts exceeded, giving up")
		m.setState(model.ConnectionState{
			Phase:            model.PhaseFailed,
			ReconnectAttempt: m.failures,
			LastError:        fmt.Errorf("%w: %v", model.ErrReconnectExhausted, cause),
		})
		return
	}

	delay := m.backOff.NextBackOff()
	if delay == backoff.Stop || delay > m.config.ReconnectCap {
		delay = m.config.ReconnectCap
	}

	m.setState(model.ConnectionState{
		Phase:            model.PhaseDisconnected,
		ReconnectAttempt: m.failures + 1,
		LastError:        cause,
	})
	m.logger.Info().
		Dur("delay", delay).
		Int("attempt", m.failures+1).
		Int("max", m.config.MaxReconnectAttempts).
		Msg("reconnect scheduled")

	m.reconnectTimer = m.loop.AfterFunc(delay, func() {
		m.reconnectTimer = nil
		if m.explicitClose || m.attempting {
			return
		}
		m.startAttempt(triggerBackoff)
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// openLink 启动读写goroutine
func (m *Manager) openLink(conn transport.Conn) {
	l := &link{
		id:     m.attemptID,
		conn:   conn,
		send:   make(chan []byte, m.config.SendQueueSize),
		closed: make(chan struct{}),
	}
	m.link = l

	go m.readPump(l)
	go m.writePump(l)
}

// readPump 读取并在传输边界解析帧，坏帧丢弃
func (m *Manager) readPump(l *link) {
	for {
		raw, err := l.conn.ReadMessage()
		if err != nil {
			m.loop.Post(func() { m.handleLinkDown(l.id, err) })
			return
		}

		env, err := protocol.DecodeFrame(raw)
		if err != nil {
			metrics.DroppedFrames.WithLabelValues("frame").Inc()
			m.logger.Warn().Err(err).Int("size", len(raw)).Msg("dropping undecodable frame")
			continue
		}
		m.observe("receive", env.Event, raw)

		if env.IsReply() {
			m.loop.Post(func() { m.handleReply(l.id, env) })
			continue
		}

		event, err := protocol.DecodeInbound(env)
		if err != nil {
			metrics.DroppedFrames.WithLabelValues("payload").Inc()
			m.logger.Warn().Err(err).Str("event", env.Event.String()).Msg("dropping malformed event")
			continue
		}
		m.loop.Post(func() { m.dispatch(l.id, event) })
	}
}

// writePump 串行写出发送队列
func (m *Manager) writePump(l *link) {
	for {
		select {
		case <-l.closed:
			return
		case frame := <-l.send:
			if err := l.conn.WriteMessage(frame); err != nil {
				m.loop.Post(func() { m.handleLinkDown(l.id, err) })
				return
			}
			if m.tap != nil {
				if env, err := protocol.DecodeFrame(frame); err == nil {
					m.observe("send", env.Event, frame)
				}
			}
		}
	}
}

func (m *Manager) observe(direction string, event protocol.EventName, raw []byte) {
	if m.tap != nil {
		m.tap(direction, event, raw)
	}
}

// handleLinkDown 传输层断开；非主动断开时进入退避重连
func (m *Manager) handleLinkDown(linkID uint64, err error) {
	if m.link == nil || m.link.id != linkID {
		return
	}

	m.teardownLink(fmt.Errorf("%w: %v", model.ErrDisconnected, err))
	if m.explicitClose {
		return
	}

	metrics.Disconnects.Inc()
	m.logger.Warn().Err(err).Msg("transport disconnected")
	m.failures = 0
	m.backOff.Reset()
	m.scheduleReconnect(err)
}

// teardownLink 关闭连接并让所有未完成请求失败
func (m *Manager) teardownLink(cause error) {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.link != nil {
		m.link.close()
		m.link = nil
	}

	pending := m.pending
	m.pending = make(map[uint32]*pendingRequest)
	for ackID, req := range pending {
		req.timer.Stop()
		m.logger.Debug().Str("event", req.event.String()).Uint32("ack", ackID).Msg("failing pending request")
		req.cb(nil, cause)
	}
}

// handleReply 按应答ID回调
func (m *Manager) handleReply(linkID uint64, env protocol.Envelope) {
	if m.link == nil || m.link.id != linkID {
		return
	}
	req, ok := m.pending[env.Ack]
	if !ok {
		m.logger.Debug().Uint32("ack", env.Ack).Msg("reply for unknown or expired request")
		return
	}
	delete(m.pending, env.Ack)
	req.timer.Stop()
	req.cb(env.Data, nil)
}

// dispatch 把推送事件按注册顺序交给订阅者
func (m *Manager) dispatch(linkID uint64, event protocol.Inbound) {
	if m.link == nil || m.link.id != linkID {
		return
	}
	if ack, ok := event.(protocol.HeartbeatAck); ok {
		m.handleHeartbeatAck(ack)
		return
	}

	subs := append([]eventSub(nil), m.eventSubs...)
	for _, s := range subs {
		s.fn(event)
	}
}

// startHeartbeat 仅在connected期间发送心跳；心跳结果只作参考
func (m *Manager) startHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = m.loop.Every(m.config.HeartbeatInterval, func() {
		if m.state.Phase != model.PhaseConnected {
			return
		}
		now := m.loop.Now()
		if err := m.Emit(protocol.Heartbeat{ClientTime: now.UnixMilli()}); err != nil {
			m.logger.Debug().Err(err).Msg("send heartbeat failed")
			return
		}
		m.lastPingAt = now
	})
}

// handleHeartbeatAck 更新平均RTT（简单移动平均）
func (m *Manager) handleHeartbeatAck(ack protocol.HeartbeatAck) {
	rtt := m.loop.Now().Sub(time.UnixMilli(ack.ClientTime))
	if rtt <= 0 {
		return
	}
	if m.avgRTT == 0 {
		m.avgRTT = rtt
	} else {
		m.avgRTT = (m.avgRTT + rtt) / 2
	}
	metrics.HeartbeatRTT.Observe(rtt.Seconds())
}

func (m *Manager) notifyWaiters(err error) {
	waiters := m.waiters
	m.waiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// setState 更新状态并按顺序通知订阅者
func (m *Manager) setState(next model.ConnectionState) {
	old := m.state
	m.state = next
	m.phase.Store(int32(next.Phase))
	metrics.ConnectionPhase.Set(float64(next.Phase))

	if old.Phase == next.Phase && old.ReconnectAttempt == next.ReconnectAttempt {
		return
	}
	subs := append([]stateSub(nil), m.stateSubs...)
	for _, s := range subs {
		s.fn(old, next)
	}
}
