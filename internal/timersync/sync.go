package timersync

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/connection"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// Config 计时同步配置
type Config struct {
	TickInterval     time.Duration
	ResyncTimeout    time.Duration
	WarningThreshold time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		ResyncTimeout:    10 * time.Second,
		WarningThreshold: 60 * time.Second,
	}
}

// Handlers 计时回调，在事件循环上调用
type Handlers struct {
	OnTick func(state model.TimerState)
	// OnExhausted 本地推算到达预算，等待服务器确认结束
	OnExhausted func(state model.TimerState)
	// OnLowBudget 剩余时间首次低于阈值
	OnLowBudget func(remainingSeconds int)
}

// Sync 用服务器权威更新校准本地计时。
// 显示值 = 基线elapsed + (now - 基线时间)，每次权威更新替换基线。
type Sync struct {
	config   Config
	scope    *eventloop.Scope
	ch       connection.Channel
	session  model.Session
	handlers Handlers
	logger   zerolog.Logger

	state       model.TimerState
	hasBaseline bool
	applied     protocol.TimerOrder
	ticker      *eventloop.Ticker
	resyncing   bool
	warned      bool
	exhausted   bool
	stopped     bool
}

// New 创建计时同步；范围关闭时停止计时并取消订阅
func New(config Config, scope *eventloop.Scope, ch connection.Channel, session model.Session, handlers Handlers) *Sync {
	s := &Sync{
		config:   config,
		scope:    scope,
		ch:       ch,
		session:  session,
		handlers: handlers,
		logger: log.With().
			Str("component", "timersync").
			Str("booking_id", session.BookingID).
			Logger(),
	}
	scope.Defer(ch.OnEvent(s.handleEvent))
	return s
}

// now 去掉单调时钟读数，设备休眠期间的时间也计入
func (s *Sync) now() time.Time {
	return s.scope.Loop().Now().Round(0)
}

// State 当前推算的计时状态
func (s *Sync) State() model.TimerState {
	s.recompute()
	return s.state
}

// Apply 应用一次权威更新；严格旧于已应用序号的更新被丢弃
func (s *Sync) Apply(update protocol.TimerUpdate) bool {
	if s.stopped {
		return false
	}
	if update.BookingID != "" && update.BookingID != s.session.BookingID {
		return false
	}

	order := update.Order()
	switch order.Compare(s.applied) {
	case -1:
		metrics.TimerUpdates.WithLabelValues("stale").Inc()
		s.logger.Debug().Uint64("seq", order.Seq).Uint64("last_seq", s.applied.Seq).Msg("stale timer update discarded")
		return false
	case 0:
		metrics.TimerUpdates.WithLabelValues("duplicate").Inc()
		return false
	}
	s.applied = s.applied.Merge(order)

	s.state.BaselineElapsed = update.Elapsed
	s.state.ServerBaselineAt = s.now()
	s.state.ElapsedSeconds = update.Elapsed
	if update.Budget != nil {
		b := *update.Budget
		s.state.BudgetSeconds = &b
	}
	s.hasBaseline = true
	s.state.IsActive = true
	metrics.TimerUpdates.WithLabelValues("applied").Inc()

	s.ensureTicker()
	s.recompute()
	s.notify()
	return true
}

// Activate 服务器确认开始且尚无基线时，以0为基线开始计时
func (s *Sync) Activate() {
	if s.stopped || s.hasBaseline {
		return
	}
	s.state.BaselineElapsed = 0
	s.state.ServerBaselineAt = s.now()
	s.state.ElapsedSeconds = 0
	s.state.IsActive = true
	s.hasBaseline = true

	s.ensureTicker()
	s.notify()
}

// SetBudget 加入应答中下发的预算
func (s *Sync) SetBudget(seconds int) {
	b := seconds
	s.state.BudgetSeconds = &b
}

// Refresh 回到前台时立即重新推算，不等下一次tick
func (s *Sync) Refresh() {
	if !s.hasBaseline {
		return
	}
	s.recompute()
	s.notify()
}

// RequestResync 请求一次权威更新；在途时忽略重复请求。
// 失败时保留旧基线（过时但不错误）。
func (s *Sync) RequestResync() {
	if s.stopped || s.resyncing {
		return
	}
	s.resyncing = true
	s.ch.Request(protocol.RequestTimerSync{
		BookingID: s.session.BookingID,
		SessionID: s.session.SessionID,
	}, s.config.ResyncTimeout, func(data json.RawMessage, err error) {
		if !s.scope.Alive() {
			return
		}
		s.resyncing = false
		if err != nil {
			metrics.TimerUpdates.WithLabelValues("resync_error").Inc()
			s.logger.Warn().Err(err).Msg("timer resync failed, keeping last baseline")
			return
		}

		var update protocol.TimerUpdate
		if err := protocol.DecodeReply(data, &update); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed timer resync reply")
			return
		}
		s.Apply(update)
	})
}

// Stop 会话结束：冻结显示值并停止计时
func (s *Sync) Stop() {
	if s.stopped {
		return
	}
	s.recompute()
	s.stopped = true
	s.state.IsActive = false
	s.ticker.Stop()
	s.ticker = nil
	s.notify()
}

func (s *Sync) ensureTicker() {
	if s.ticker == nil {
		s.ticker = s.scope.Every(s.config.TickInterval, s.tick)
	}
}

func (s *Sync) tick() {
	prev := s.state.ElapsedSeconds
	s.recompute()
	if s.state.ElapsedSeconds != prev {
		s.notify()
	}
}

// recompute 由基线推算，不超过预算
func (s *Sync) recompute() {
	if !s.hasBaseline || s.stopped {
		return
	}

	delta := s.now().Sub(s.state.ServerBaselineAt)
	if delta < 0 {
		delta = 0
	}
	elapsed := s.state.BaselineElapsed + int(delta/time.Second)

	if b := s.state.BudgetSeconds; b != nil && elapsed >= *b {
		elapsed = *b
		s.state.ElapsedSeconds = elapsed
		s.state.IsActive = false
		if !s.exhausted {
			s.exhausted = true
			s.logger.Info().Int("budget", *b).Msg("budget reached locally, awaiting server end")
			if s.handlers.OnExhausted != nil {
				s.handlers.OnExhausted(s.state)
			}
		}
		return
	}

	s.state.ElapsedSeconds = elapsed
	s.state.IsActive = true
	s.exhausted = false
	s.checkWarning()
}

func (s *Sync) checkWarning() {
	if s.warned || s.state.BudgetSeconds == nil {
		return
	}
	remaining := s.state.RemainingSeconds()
	if time.Duration(remaining)*time.Second > s.config.WarningThreshold {
		return
	}
	s.warned = true
	if s.handlers.OnLowBudget != nil {
		s.handlers.OnLowBudget(remaining)
	}
}

func (s *Sync) handleEvent(event protocol.Inbound) {
	if update, ok := event.(protocol.TimerUpdate); ok {
		s.Apply(update)
	}
}

func (s *Sync) notify() {
	if s.handlers.OnTick != nil {
		s.handlers.OnTick(s.state)
	}
}
