package signaling

import (
	"encoding/json"
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

// Config 信令中继配置
type Config struct {
	IceRestartTimeout time.Duration
	MaxIceRestarts    int
	OutboundBuffer    int
	CandidateBuffer   int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		IceRestartTimeout: 10 * time.Second,
		MaxIceRestarts:    3,
		OutboundBuffer:    64,
		CandidateBuffer:   64,
	}
}

// Handlers 中继回调，在事件循环上调用
type Handlers struct {
	OnCallState    func(state CallState)
	OnRemoteStream func()
	OnError        func(err error)
}

// Relay 在本地媒体层与对端之间转发offer/answer/ICE候选，
// 只处理当前会话的信令
type Relay struct {
	config   Config
	scope    *eventloop.Scope
	ch       connection.Channel
	media    MediaLayer
	handlers Handlers
	logger   zerolog.Logger

	sessionID   string
	counterpart string

	state         CallState
	remoteDescSet bool
	candidates    []json.RawMessage
	outbox        []protocol.Signal

	restarting   bool
	restarts     int
	restartTimer *eventloop.Timer
	closed       bool
}

// New 创建中继；范围关闭时释放订阅与定时器
func New(config Config, scope *eventloop.Scope, ch connection.Channel, session model.Session, media MediaLayer, handlers Handlers) *Relay {
	r := &Relay{
		config:      config,
		scope:       scope,
		ch:          ch,
		media:       media,
		handlers:    handlers,
		sessionID:   session.SessionID,
		counterpart: session.CounterpartID,
		state:       CallIdle,
		logger: log.With().
			Str("component", "signaling").
			Str("session_id", session.SessionID).
			Logger(),
	}
	scope.Defer(ch.OnEvent(r.handleEvent))
	scope.Defer(ch.Subscribe(func(old, new model.ConnectionState) {
		if new.Phase == model.PhaseConnected && old.Phase != model.PhaseConnected {
			r.flush()
		}
	}))
	scope.Defer(r.Close)
	return r
}

// State 当前通话状态
func (r *Relay) State() CallState {
	return r.state
}

// SetCounterpart 更新路由目标
func (r *Relay) SetCounterpart(userID string) {
	if userID == "" || userID == r.counterpart {
		return
	}
	r.counterpart = userID
	for i := range r.outbox {
		r.outbox[i].To = userID
	}
}

// StartCall 主叫方创建offer并发送
func (r *Relay) StartCall() error {
	if r.closed {
		return model.ErrClosed
	}
	offer, err := r.media.CreateOffer(false)
	if err != nil {
		return fmt.Errorf("create offer failed: %w", err)
	}
	r.setState(CallOffering)
	return r.SendLocalSignal(model.SignalEnvelope{
		Type:      model.SignalOffer,
		Payload:   offer,
		SessionID: r.sessionID,
		Direction: model.DirectionOutgoing,
	})
}

// SendLocalSignal 把本地信令带上会话ID和路由目标发给对端；
// 未连接时进入有界缓冲，连接恢复后按顺序发出
func (r *Relay) SendLocalSignal(env model.SignalEnvelope) error {
	if r.closed {
		return model.ErrClosed
	}
	if env.SessionID == "" {
		env.SessionID = r.sessionID
	}
	if env.SessionID != r.sessionID {
		return fmt.Errorf("signal for session %s sent on relay for %s", env.SessionID, r.sessionID)
	}

	sig := protocol.Signal{
		SessionID: env.SessionID,
		Signal:    protocol.SignalBody{Type: env.Type, Payload: env.Payload},
		To:        r.counterpart,
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	if len(r.outbox) == 0 {
		err := r.ch.Emit(sig)
		if err == nil {
			return nil
		}
		r.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("signal buffered")
	}
	r.enqueue(sig)
	return nil
}

func (r *Relay) enqueue(sig protocol.Signal) {
	if len(r.outbox) >= r.config.OutboundBuffer {
		r.logger.Warn().Str("dropped_type", string(r.outbox[0].Signal.Type)).Msg("signal buffer full, dropping oldest")
		r.outbox = r.outbox[1:]
	}
	r.outbox = append(r.outbox, sig)
}

// flush 连接恢复后按序发出缓冲的信令
func (r *Relay) flush() {
	for len(r.outbox) > 0 {
		if err := r.ch.Emit(r.outbox[0]); err != nil {
			r.logger.Debug().Err(err).Int("pending", len(r.outbox)).Msg("signal flush interrupted")
			return
		}
		r.outbox = r.outbox[1:]
	}
}

// handleEvent 入站信令只接受当前会话的
func (r *Relay) handleEvent(event protocol.Inbound) {
	sig, ok := event.(protocol.Signal)
	if !ok || r.closed {
		return
	}
	if sig.SessionID != r.sessionID {
		r.logger.Warn().Str("signal_session", sig.SessionID).Msg("ignoring signal for another session")
		return
	}
	if sig.From != "" && sig.From == r.ch.UserID() {
		return
	}
	if sig.From != "" && r.counterpart == "" {
		r.counterpart = sig.From
	}

	r.OnRemoteSignal(model.SignalEnvelope{
		Type:      sig.Signal.Type,
		Payload:   sig.Signal.Payload,
		SessionID: sig.SessionID,
		Direction: model.DirectionIncoming,
	})
}

// OnRemoteSignal 把对端信令交给媒体层
func (r *Relay) OnRemoteSignal(env model.SignalEnvelope) {
	if r.closed || env.SessionID != r.sessionID {
		return
	}

	switch env.Type {
	case model.SignalOffer:
		if err := r.media.SetRemoteSignal(env); err != nil {
			r.fail(fmt.Errorf("apply remote offer failed: %w", err))
			return
		}
		r.remoteDescSet = true
		r.drainCandidates()
		r.setState(CallAnswering)

		answer, err := r.media.CreateAnswer(env.Payload)
		if err != nil {
			r.fail(fmt.Errorf("create answer failed: %w", err))
			return
		}
		r.SendLocalSignal(model.SignalEnvelope{
			Type:      model.SignalAnswer,
			Payload:   answer,
			SessionID: r.sessionID,
			Direction: model.DirectionOutgoing,
		})
		r.setState(CallConnecting)

	case model.SignalAnswer:
		if err := r.media.SetRemoteSignal(env); err != nil {
			r.fail(fmt.Errorf("apply remote answer failed: %w", err))
			return
		}
		r.remoteDescSet = true
		r.drainCandidates()
		if !r.restarting {
			r.setState(CallConnecting)
		}

	case model.SignalIceCandidate:
		// 远端描述设置之前的候选先缓存
		if !r.remoteDescSet {
			if len(r.candidates) >= r.config.CandidateBuffer {
				r.candidates = r.candidates[1:]
			}
			r.candidates = append(r.candidates, env.Payload)
			return
		}
		if err := r.media.AddIceCandidate(env.Payload); err != nil {
			r.logger.Warn().Err(err).Msg("add ice candidate failed")
		}
	}
}

func (r *Relay) drainCandidates() {
	pending := r.candidates
	r.candidates = nil
	for _, c := range pending {
		if err := r.media.AddIceCandidate(c); err != nil {
			r.logger.Warn().Err(err).Msg("add buffered ice candidate failed")
		}
	}
}

// handleIceState 媒体层连接状态变化
func (r *Relay) handleIceState(state IceState) {
	if r.closed {
		return
	}
	r.logger.Debug().Str("ice_state", string(state)).Msg("media state changed")

	switch state {
	case IceConnected, IceCompleted:
		if r.restarting {
			r.restarting = false
			r.restartTimer.Stop()
			r.restartTimer = nil
			metrics.IceRestarts.WithLabelValues("recovered").Inc()
			r.logger.Info().Int("restarts", r.restarts).Msg("ice restart recovered the call")
		}
		r.setState(CallConnected)

	case IceFailed:
		if r.restarting {
			// 等待有界超时
			return
		}
		r.restartIce()

	case IceChecking:
		if !r.restarting {
			r.setState(CallConnecting)
		}

	case IceClosed:
		r.setState(CallClosed)
	}
}

// restartIce 每次检测到失败只重启一次，超过上限后上报失败
func (r *Relay) restartIce() {
	if r.restarts >= r.config.MaxIceRestarts {
		metrics.IceRestarts.WithLabelValues("exhausted").Inc()
		r.fail(fmt.Errorf("%w: %d restarts used", model.ErrIceRestartFailed, r.restarts))
		return
	}
	r.restarts++
	r.restarting = true
	r.remoteDescSet = false
	r.candidates = nil
	r.setState(CallRestarting)
	r.logger.Warn().Int("attempt", r.restarts).Msg("ice failed, restarting")

	offer, err := r.media.CreateOffer(true)
	if err != nil {
		r.restarting = false
		r.fail(fmt.Errorf("%w: create restart offer: %v", model.ErrIceRestartFailed, err))
		return
	}
	if err := r.SendLocalSignal(model.SignalEnvelope{
		Type:      model.SignalOffer,
		Payload:   offer,
		SessionID: r.sessionID,
		Direction: model.DirectionOutgoing,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("send restart offer failed")
	}

	r.restartTimer = r.scope.AfterFunc(r.config.IceRestartTimeout, func() {
		r.restartTimer = nil
		if !r.restarting {
			return
		}
		r.restarting = false
		metrics.IceRestarts.WithLabelValues("timeout").Inc()
		r.fail(fmt.Errorf("%w: no recovery within %s", model.ErrIceRestartFailed, r.config.IceRestartTimeout))
	})
}

func (r *Relay) fail(err error) {
	r.logger.Error().Err(err).Msg("call failed")
	r.setState(CallFailed)
	if r.handlers.OnError != nil {
		r.handlers.OnError(err)
	}
}

func (r *Relay) setState(state CallState) {
	if r.state == state {
		return
	}
	r.state = state
	if r.handlers.OnCallState != nil {
		r.handlers.OnCallState(state)
	}
}

// Close 结束通话并关闭媒体层，重复调用无副作用
func (r *Relay) Close() {
	if r.closed {
		return
	}
	r.setState(CallClosed)
	r.closed = true
	r.restartTimer.Stop()
	r.restartTimer = nil
	r.outbox = nil
	r.candidates = nil
	if err := r.media.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("media close failed")
	}
}

// ---- 媒体层回调，可在任意goroutine调用 ----

// LocalIceCandidate 媒体层产生了本地候选
func (r *Relay) LocalIceCandidate(candidate json.RawMessage) {
	r.scope.Post(func() {
		err := r.SendLocalSignal(model.SignalEnvelope{
			Type:      model.SignalIceCandidate,
			Payload:   candidate,
			SessionID: r.sessionID,
			Direction: model.DirectionOutgoing,
		})
		if err != nil {
			r.logger.Debug().Err(err).Msg("local candidate not relayed")
		}
	})
}

// ConnectionStateChanged 媒体层连接状态变化
func (r *Relay) ConnectionStateChanged(state IceState) {
	r.scope.Post(func() { r.handleIceState(state) })
}

// RemoteStreamAvailable 远端媒体流可用
func (r *Relay) RemoteStreamAvailable() {
	r.scope.Post(func() {
		if !r.closed && r.handlers.OnRemoteStream != nil {
			r.handlers.OnRemoteStream()
		}
	})
}
