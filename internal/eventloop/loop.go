package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/model"
)

// Loop 单线程事件循环，所有组件状态只在这个goroutine上修改
type Loop struct {
	clock clockwork.Clock

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	running atomic.Bool
	stopped chan struct{}
}

// New 创建事件循环；clock为nil时使用真实时钟
func New(clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock:   clock,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Clock 返回循环使用的时钟
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Now 当前时间
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Start 在新goroutine中运行循环
func (l *Loop) Start() {
	go l.Run()
}

// Run 阻塞运行直到Close
func (l *Loop) Run() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.stopped)

	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-l.done:
					return
				default:
				}
				l.runTask(fn)
			}
		}
	}
}

// runTask 执行单个任务，panic不会终止循环
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "eventloop").Msg("task panicked")
		}
	}()
	fn()
}

// Post 投递任务，循环关闭后返回false
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do 投递任务并等待其执行完成；不能在循环goroutine内调用
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return model.ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return model.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止循环，未执行的任务被丢弃
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
	if l.running.Load() {
		<-l.stopped
	}
}

// Done 循环关闭时关闭的通道
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
