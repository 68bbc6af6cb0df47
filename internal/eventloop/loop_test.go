package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedLoop(t *testing.T) (*Loop, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	loop := New(clock)
	loop.Start()
	t.Cleanup(loop.Close)
	return loop, clock
}

// TestPostRunsInOrder 任务按投递顺序执行
func TestPostRunsInOrder(t *testing.T) {
	loop, _ := newStartedLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.NoError(t, loop.Do(context.Background(), func() {
		snapshot = append(snapshot, got...)
	}))

	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

// TestPanicDoesNotStopLoop 单个任务panic不影响后续任务
func TestPanicDoesNotStopLoop(t *testing.T) {
	loop, _ := newStartedLoop(t)

	loop.Post(func() { panic("boom") })

	ran := false
	require.NoError(t, loop.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

// TestPostAfterClose 关闭后投递失败
func TestPostAfterClose(t *testing.T) {
	loop := New(clockwork.NewFakeClock())
	loop.Start()
	loop.Close()

	assert.False(t, loop.Post(func() {}))
	assert.Error(t, loop.Do(context.Background(), func() {}))
}

// TestAfterFuncRunsOnLoop 定时器回调在循环上执行
func TestAfterFuncRunsOnLoop(t *testing.T) {
	loop, clock := newStartedLoop(t)

	var fired atomic.Int32
	require.NoError(t, loop.Do(context.Background(), func() {
		loop.AfterFunc(time.Second, func() { fired.Add(1) })
	}))

	clock.Advance(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// TestTimerStop 停止的定时器不会触发
func TestTimerStop(t *testing.T) {
	loop, clock := newStartedLoop(t)

	var fired atomic.Int32
	var tm *Timer
	require.NoError(t, loop.Do(context.Background(), func() {
		tm = loop.AfterFunc(time.Second, func() { fired.Add(1) })
	}))
	require.NoError(t, loop.Do(context.Background(), tm.Stop))

	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

// TestScopeCloseCancelsEverything 关闭范围后回调全部失效
func TestScopeCloseCancelsEverything(t *testing.T) {
	loop, clock := newStartedLoop(t)

	var fired, ticks, cleaned atomic.Int32
	var scope *Scope
	var guarded func()
	require.NoError(t, loop.Do(context.Background(), func() {
		scope = loop.NewScope()
		scope.AfterFunc(time.Second, func() { fired.Add(1) })
		scope.Every(time.Second, func() { ticks.Add(1) })
		scope.Defer(func() { cleaned.Add(1) })
		guarded = scope.Guard(func() { fired.Add(1) })
	}))

	require.NoError(t, loop.Do(context.Background(), func() {
		scope.Close()
		scope.Close()
		guarded()
	}))

	clock.Advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, int32(0), ticks.Load())
	assert.Equal(t, int32(1), cleaned.Load())
}

// TestEveryTicks 周期任务重复触发
func TestEveryTicks(t *testing.T) {
	loop, clock := newStartedLoop(t)

	var ticks atomic.Int32
	require.NoError(t, loop.Do(context.Background(), func() {
		loop.Every(time.Second, func() { ticks.Add(1) })
	}))

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return ticks.Load() >= want }, time.Second, 5*time.Millisecond)
	}
}
