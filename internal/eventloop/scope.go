package eventloop

import "time"

// Scope 一个会话的生命周期范围。只能在循环goroutine上使用。
// Close之后，所有经由Scope注册的定时器、周期任务和Guard回调都不再执行。
type Scope struct {
	loop     *Loop
	alive    bool
	timers   []*Timer
	tickers  []*Ticker
	cleanups []func()
}

// NewScope 创建新的存活范围
func (l *Loop) NewScope() *Scope {
	return &Scope{loop: l, alive: true}
}

// Loop 返回所属循环
func (s *Scope) Loop() *Loop {
	return s.loop
}

// Alive 范围是否仍然存活
func (s *Scope) Alive() bool {
	return s.alive
}

// AfterFunc 注册受存活检查保护的一次性定时器
func (s *Scope) AfterFunc(d time.Duration, fn func()) *Timer {
	if !s.alive {
		return nil
	}
	tm := s.loop.AfterFunc(d, s.Guard(fn))
	s.timers = append(s.timers, tm)
	s.compact()
	return tm
}

// Every 注册受存活检查保护的周期任务
func (s *Scope) Every(d time.Duration, fn func()) *Ticker {
	if !s.alive {
		return nil
	}
	tk := s.loop.Every(d, s.Guard(fn))
	s.tickers = append(s.tickers, tk)
	return tk
}

// Guard 包装回调，范围关闭后调用变为空操作
func (s *Scope) Guard(fn func()) func() {
	return func() {
		if !s.alive {
			return
		}
		fn()
	}
}

// Post 从任意goroutine投递受保护的任务
func (s *Scope) Post(fn func()) bool {
	return s.loop.Post(s.Guard(fn))
}

// Defer 注册关闭时执行的清理函数（取消订阅等）
func (s *Scope) Defer(cleanup func()) {
	if !s.alive {
		cleanup()
		return
	}
	s.cleanups = append(s.cleanups, cleanup)
}

// Close 取消所有定时器并执行清理函数，重复调用无副作用
func (s *Scope) Close() {
	if !s.alive {
		return
	}
	s.alive = false

	for _, tm := range s.timers {
		tm.Stop()
	}
	for _, tk := range s.tickers {
		tk.Stop()
	}
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.timers = nil
	s.tickers = nil
	s.cleanups = nil
}

// compact 丢弃已触发或已停止的定时器引用
func (s *Scope) compact() {
	if len(s.timers) < 64 {
		return
	}
	live := s.timers[:0]
	for _, tm := range s.timers {
		if !tm.stopped.Load() {
			live = append(live, tm)
		}
	}
	s.timers = live
}
