package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/chat"
	"ConsultSync/internal/connection"
	"ConsultSync/internal/credential"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
	"ConsultSync/internal/room"
	"ConsultSync/internal/signaling"
	"ConsultSync/internal/timersync"
	"ConsultSync/internal/transport"
)

// ErrNoSession 没有已加入的会话
var ErrNoSession = errors.New("no active session")

const eventloopCloseTimeout = 5 * time.Second

// MediaFactory 为语音/视频会话创建媒体层
type MediaFactory func(session model.Session) (signaling.MediaLayer, error)

// Options 客户端选项
type Options struct {
	Connection *connection.Config
	Room       room.Config
	Chat       chat.Config
	Timer      timersync.Config
	Signaling  signaling.Config

	Dialer      transport.Dialer
	Credentials credential.Store
	Clock       clockwork.Clock
	Observer    Observer

	Media         MediaFactory
	AutoStartCall bool
	FrameTap      connection.FrameTap
}

// DefaultOptions 各组件使用默认配置，调用方还需提供Connection与Credentials
func DefaultOptions() Options {
	return Options{
		Room:      room.DefaultConfig(),
		Chat:      chat.DefaultConfig(),
		Timer:     timersync.DefaultConfig(),
		Signaling: signaling.DefaultConfig(),
	}
}

// Snapshot 展示层可读取的完整状态
type Snapshot struct {
	Session           *model.Session
	Connection        model.ConnectionState
	Joined            bool
	Messages          []model.Message
	Timer             model.TimerState
	CounterpartTyping bool
	CounterpartOnline bool
	Recovering        bool
	Call              signaling.CallState
}

// active 一个会话的组件，共享同一个Scope并一起销毁
type active struct {
	session model.Session
	scope   *eventloop.Scope
	chat    *chat.Engine
	timer   *timersync.Sync
	relay   *signaling.Relay
	call    signaling.CallState
}

// Client 咨询会话客户端：持有事件循环和唯一的连接管理器，
// 并为当前会话组装房间协调、消息同步、计时同步与信令中继
type Client struct {
	opts     Options
	loop     *eventloop.Loop
	mgr      *connection.Manager
	coord    *room.Coordinator
	observer Observer
	logger   zerolog.Logger

	// 只在事件循环上访问
	current *active
}

// New 创建客户端并启动事件循环
func New(opts Options) (*Client, error) {
	if opts.Connection == nil {
		return nil, fmt.Errorf("connection config is required")
	}
	if err := opts.Connection.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebSocketDialer(transport.DefaultWebSocketConfig())
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Room == (room.Config{}) {
		opts.Room = room.DefaultConfig()
	}
	if opts.Chat == (chat.Config{}) {
		opts.Chat = chat.DefaultConfig()
	}
	if opts.Timer == (timersync.Config{}) {
		opts.Timer = timersync.DefaultConfig()
	}
	if opts.Signaling == (signaling.Config{}) {
		opts.Signaling = signaling.DefaultConfig()
	}

	loop := eventloop.New(opts.Clock)
	c := &Client{
		opts:     opts,
		loop:     loop,
		observer: opts.Observer,
		logger:   log.With().Str("component", "consult").Logger(),
	}

	c.mgr = connection.New(opts.Connection, loop, opts.Dialer, opts.Credentials)
	if opts.FrameTap != nil {
		c.mgr.SetFrameTap(opts.FrameTap)
	}
	c.coord = room.New(opts.Room, loop, c.mgr, room.Handlers{
		OnSession:  c.onSession,
		OnJoined:   c.onJoined,
		OnActive:   c.onActive,
		OnEnded:    c.onEnded,
		OnPresence: c.onPresence,
		OnError:    c.onError,
	})

	loop.Post(func() { c.mgr.Subscribe(c.onPhase) })
	loop.Start()
	return c, nil
}

// Connect 建立并认证连接
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.Connect(ctx)
}

// ConnectWithRefresh 认证被拒时刷新一次凭据再重试
func (c *Client) ConnectWithRefresh(ctx context.Context) error {
	err := c.mgr.Connect(ctx)
	if !errors.Is(err, model.ErrAuthRejected) {
		return err
	}

	c.logger.Info().Msg("authentication rejected, refreshing credentials")
	if _, rerr := c.opts.Credentials.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	return c.mgr.Connect(ctx)
}

// Join 加入会话；对同一房间重复调用是空操作，不同房间会先离开当前会话
func (c *Client) Join(ctx context.Context, session model.Session) error {
	result := make(chan error, 1)
	err := c.loop.Do(ctx, func() {
		c.join(session, func(err error) { result <- err })
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loop.Done():
		return model.ErrClosed
	}
}

func (c *Client) join(session model.Session, done func(error)) {
	if err := session.Validate(); err != nil {
		done(err)
		return
	}
	if session.Status == "" {
		session.Status = model.StatusPending
	}

	if cur := c.current; cur != nil {
		if cur.session.RoomID == session.RoomID && !cur.session.IsEnded() {
			s := cur.session
			c.coord.Join(&s, done)
			return
		}
		c.teardown()
	}

	c.current = c.buildActive(session)
	s := session
	c.coord.Join(&s, done)
}

// buildActive 为会话组装所有会话级组件
func (c *Client) buildActive(session model.Session) *active {
	scope := c.loop.NewScope()
	a := &active{session: session, scope: scope, call: signaling.CallIdle}

	a.chat = chat.New(c.opts.Chat, scope, c.mgr, session, chat.Handlers{
		OnMessages: c.observer.MessagesChanged,
		OnTyping:   c.observer.TypingChanged,
	})
	a.timer = timersync.New(c.opts.Timer, scope, c.mgr, session, timersync.Handlers{
		OnTick: c.observer.TimerChanged,
		OnLowBudget: func(remaining int) {
			c.observer.Notice(Notice{
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("%d seconds of budget remaining", remaining),
			})
		},
	})

	if session.Kind.HasMedia() && c.opts.Media != nil {
		media, err := c.opts.Media(session)
		if err != nil {
			c.logger.Error().Err(err).Msg("media layer unavailable, continuing without call")
			c.observer.Notice(Notice{Severity: SeverityBlocking, Message: "call unavailable", Err: err})
		} else {
			a.relay = signaling.New(c.opts.Signaling, scope, c.mgr, session, media, signaling.Handlers{
				OnCallState: func(state signaling.CallState) {
					a.call = state
					c.observer.CallStateChanged(state)
				},
				OnRemoteStream: func() {
					c.logger.Info().Msg("remote stream available")
				},
				OnError: c.onError,
			})
		}
	}
	return a
}

// teardown 离开房间并取消当前会话的全部定时器和订阅
func (c *Client) teardown() {
	if c.current == nil {
		return
	}
	c.coord.Leave()
	c.current.scope.Close()
	c.current = nil
}

// Leave 离开当前会话（页面销毁）
func (c *Client) Leave(ctx context.Context) error {
	return c.loop.Do(ctx, c.teardown)
}

// Send 发送一条消息，返回乐观回显的消息
func (c *Client) Send(ctx context.Context, content string) (model.Message, error) {
	var (
		msg model.Message
		err error
	)
	if derr := c.loop.Do(ctx, func() {
		if c.current == nil {
			err = ErrNoSession
			return
		}
		msg, err = c.current.chat.Send(content)
	}); derr != nil {
		return model.Message{}, derr
	}
	return msg, err
}

// Resend 重新发送失败的消息，生成新ID
func (c *Client) Resend(ctx context.Context, id string) (model.Message, error) {
	var (
		msg model.Message
		err error
	)
	if derr := c.loop.Do(ctx, func() {
		if c.current == nil {
			err = ErrNoSession
			return
		}
		msg, err = c.current.chat.Resend(id)
	}); derr != nil {
		return model.Message{}, derr
	}
	return msg, err
}

// EndSession 请求结束会话，服务器确认后返回
func (c *Client) EndSession(ctx context.Context, reason string) error {
	result := make(chan error, 1)
	if err := c.loop.Do(ctx, func() {
		c.coord.End(reason, func(err error) { result <- err })
	}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loop.Done():
		return model.ErrClosed
	}
}

// SetTyping 本端输入状态
func (c *Client) SetTyping(typing bool) {
	c.loop.Post(func() {
		if c.current != nil {
			c.current.chat.SetTyping(typing)
		}
	})
}

// StartCall 主叫方发起通话
func (c *Client) StartCall(ctx context.Context) error {
	var err error
	if derr := c.loop.Do(ctx, func() {
		switch {
		case c.current == nil:
			err = ErrNoSession
		case c.current.relay == nil:
			err = fmt.Errorf("session %s has no media relay", c.current.session.SessionID)
		default:
			err = c.current.relay.StartCall()
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Relay 当前会话的信令中继，供媒体层回调使用；非媒体会话返回nil
func (c *Client) Relay(ctx context.Context) *signaling.Relay {
	var r *signaling.Relay
	c.loop.Do(ctx, func() {
		if c.current != nil {
			r = c.current.relay
		}
	})
	return r
}

// Foreground 应用回到前台：立即重连，刷新计时显示，并按前台间隔触发恢复
func (c *Client) Foreground() {
	c.loop.Post(func() {
		c.logger.Info().Msg("app foregrounded")
		c.mgr.Foreground()
		if c.current == nil {
			return
		}
		c.current.timer.Refresh()
		c.current.chat.TriggerRecovery(chat.SourceForeground, false)
	})
}

// Background 应用进入后台
func (c *Client) Background() {
	c.loop.Post(func() {
		c.logger.Info().Msg("app backgrounded")
		if c.current != nil {
			c.current.chat.SetTyping(false)
		}
	})
}

// Snapshot 读取当前状态
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.loop.Do(ctx, func() {
		snap.Connection = c.mgr.State()
		snap.Joined = c.coord.Joined()
		if c.current == nil {
			return
		}
		if s, ok := c.coord.Session(); ok {
			snap.Session = &s
		} else {
			s := c.current.session.Clone()
			snap.Session = &s
		}
		snap.Messages = c.current.chat.Messages()
		snap.Timer = c.current.timer.State()
		snap.CounterpartTyping = c.current.chat.CounterpartTyping()
		snap.Recovering = c.current.chat.Recovering()
		if snap.Session.CounterpartID != "" {
			snap.CounterpartOnline = c.coord.Presence(snap.Session.CounterpartID)
		}
		snap.Call = c.current.call
	})
	return snap, err
}

// Close 离开会话、断开连接并停止事件循环
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), eventloopCloseTimeout)
	defer cancel()
	err := c.loop.Do(ctx, c.teardown)
	if err == nil {
		// Disconnect投递到循环上，再等一轮确保它已执行
		c.mgr.Disconnect()
		err = c.loop.Do(ctx, func() {})
	}
	c.loop.Close()
	if errors.Is(err, model.ErrClosed) {
		return nil
	}
	return err
}

// ---- 协调器回调（事件循环上） ----

func (c *Client) onPhase(old, new model.ConnectionState) {
	c.observer.PhaseChanged(new)

	switch new.Phase {
	case model.PhaseDisconnected:
		if old.Phase == model.PhaseConnected {
			c.observer.Notice(Notice{
				Severity: SeverityReconnecting,
				Kind:     model.KindTransport,
				Message:  "connection lost, reconnecting",
				Err:      new.LastError,
			})
		}
	case model.PhaseFailed:
		if new.LastError != nil {
			c.observer.Notice(noticeFor(new.LastError))
		}
	}
}

func (c *Client) onSession(s model.Session) {
	if c.current == nil || c.current.session.RoomID != s.RoomID {
		return
	}
	c.current.session = s
	if c.current.relay != nil {
		c.current.relay.SetCounterpart(s.CounterpartID)
	}
	c.observer.SessionChanged(s)
}

// onJoined 每次（重新）加入成功恰好触发一次恢复和计时同步
func (c *Client) onJoined(reason room.JoinReason, data *protocol.SessionData) {
	if c.current == nil {
		return
	}
	a := c.current

	baselined := false
	if data != nil {
		if data.Budget != nil {
			a.timer.SetBudget(*data.Budget)
		}
		if data.Elapsed != nil && data.Status == string(model.StatusActive) {
			baselined = a.timer.Apply(protocol.TimerUpdate{
				BookingID: a.session.BookingID,
				Elapsed:   *data.Elapsed,
				Budget:    data.Budget,
			})
		}
	}

	// 重连触发的恢复强制执行，不受最小间隔限制
	source := chat.SourceJoin
	if reason == room.JoinRejoin {
		source = chat.SourceReconnect
	}
	a.chat.TriggerRecovery(source, reason == room.JoinRejoin)

	activeOnServer := data != nil && data.Status == string(model.StatusActive)
	if reason == room.JoinRejoin || (activeOnServer && !baselined) {
		a.timer.RequestResync()
	}
}

func (c *Client) onActive(s model.Session) {
	if c.current == nil {
		return
	}
	c.current.timer.Activate()
	if c.opts.AutoStartCall && c.current.relay != nil && c.current.relay.State() == signaling.CallIdle {
		if err := c.current.relay.StartCall(); err != nil {
			c.onError(err)
		}
	}
}

// onEnded 会话终止：未发送的消息标记失败，计时与通话停止，通知展示层离开
func (c *Client) onEnded(s model.Session) {
	if c.current == nil {
		return
	}
	c.current.chat.FailPending()
	c.current.timer.Stop()
	if c.current.relay != nil {
		c.current.relay.Close()
	}

	c.observer.Notice(Notice{
		Severity: SeverityBlocking,
		Kind:     model.KindLifecycle,
		Message:  fmt.Sprintf("session ended: %s", s.EndReason),
		Err:      model.ErrSessionEnded,
		Terminal: true,
	})
}

func (c *Client) onPresence(userID string, online bool) {
	c.observer.PresenceChanged(userID, online)
}

func (c *Client) onError(err error) {
	c.observer.Notice(noticeFor(err))
}
