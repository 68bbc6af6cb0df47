package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer 在循环上触发的一次性定时器
type Timer struct {
	t       clockwork.Timer
	stopped atomic.Bool
}

// Stop 取消定时器；已投递但未执行的回调也不会再运行
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// AfterFunc d之后在循环上执行fn
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			tm.stopped.Store(true)
			fn()
		})
	})
	return tm
}

// Ticker 在循环上周期触发
type Ticker struct {
	tk       clockwork.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// Stop 停止周期任务
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.tk.Stop()
		close(t.stop)
	})
}

// Every 每隔d在循环上执行一次fn
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	tk := &Ticker{
		tk:   l.clock.NewTicker(d),
		stop: make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-tk.stop:
				return
			case <-l.done:
				return
			case <-tk.tk.Chan():
				l.Post(func() {
					if tk.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()

	return tk
}
