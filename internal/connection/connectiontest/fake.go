// Package connectiontest 提供用于单元测试的内存连接通道
package connectiontest

import (
	"encoding/json"
	"fmt"
	"time"

	"ConsultSync/internal/connection"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// Request 一次被记录的请求
type Request struct {
	Out     protocol.Outbound
	Timeout time.Duration

	cb    connection.ReplyHandler
	timer *eventloop.Timer
	done  bool
}

// Pending 请求是否仍在等待应答
func (r *Request) Pending() bool {
	return !r.done
}

// Channel 实现connection.Channel，由测试手动驱动。
// 除构造函数外，所有方法都必须在事件循环上调用。
type Channel struct {
	loop   *eventloop.Loop
	state  model.ConnectionState
	userID string

	subID     int
	stateSubs map[int]connection.StateHandler
	stateIDs  []int
	eventSubs map[int]connection.EventHandler
	eventIDs  []int

	Emitted  []protocol.Outbound
	Requests []*Request

	// EmitErr 非nil时Emit返回该错误
	EmitErr error
}

var _ connection.Channel = (*Channel)(nil)

// New 创建处于connected状态的通道
func New(loop *eventloop.Loop, userID string) *Channel {
	return &Channel{
		loop:      loop,
		state:     model.ConnectionState{Phase: model.PhaseConnected},
		userID:    userID,
		stateSubs: make(map[int]connection.StateHandler),
		eventSubs: make(map[int]connection.EventHandler),
	}
}

func (c *Channel) State() model.ConnectionState { return c.state }
func (c *Channel) UserID() string               { return c.userID }

func (c *Channel) Subscribe(fn connection.StateHandler) func() {
	c.subID++
	id := c.subID
	c.stateSubs[id] = fn
	c.stateIDs = append(c.stateIDs, id)
	return func() { delete(c.stateSubs, id) }
}

func (c *Channel) OnEvent(fn connection.EventHandler) func() {
	c.subID++
	id := c.subID
	c.eventSubs[id] = fn
	c.eventIDs = append(c.eventIDs, id)
	return func() { delete(c.eventSubs, id) }
}

func (c *Channel) Emit(out protocol.Outbound) error {
	if err := out.Validate(); err != nil {
		return err
	}
	if c.state.Phase != model.PhaseConnected {
		return fmt.Errorf("%s: %w", out.Event(), model.ErrNotConnected)
	}
	if c.EmitErr != nil {
		return c.EmitErr
	}
	c.Emitted = append(c.Emitted, out)
	return nil
}

func (c *Channel) Request(out protocol.Outbound, timeout time.Duration, cb connection.ReplyHandler) {
	if err := out.Validate(); err != nil {
		c.loop.Post(func() { cb(nil, err) })
		return
	}
	if c.state.Phase != model.PhaseConnected {
		c.loop.Post(func() { cb(nil, fmt.Errorf("%s: %w", out.Event(), model.ErrNotConnected)) })
		return
	}

	req := &Request{Out: out, Timeout: timeout, cb: cb}
	if timeout > 0 {
		req.timer = c.loop.AfterFunc(timeout, func() {
			c.finish(req, nil, fmt.Errorf("%s: %w", out.Event(), model.ErrRequestTimeout))
		})
	}
	c.Requests = append(c.Requests, req)
}

// Reply 以payload应答请求
func (c *Channel) Reply(req *Request, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.finish(req, data, nil)
}

// Fail 以错误结束请求
func (c *Channel) Fail(req *Request, err error) {
	c.finish(req, nil, err)
}

func (c *Channel) finish(req *Request, data json.RawMessage, err error) {
	if req.done {
		return
	}
	req.done = true
	req.timer.Stop()
	req.cb(data, err)
}

// SetPhase 切换阶段并通知订阅者；离开connected时未完成请求失败
func (c *Channel) SetPhase(phase model.Phase) {
	old := c.state
	c.state = model.ConnectionState{Phase: phase}
	if old.Phase == model.PhaseConnected && phase != model.PhaseConnected {
		for _, req := range c.Requests {
			c.finish(req, nil, model.ErrDisconnected)
		}
	}
	for _, id := range c.stateIDs {
		if fn, ok := c.stateSubs[id]; ok {
			fn(old, c.state)
		}
	}
}

// Push 向订阅者投递推送事件
func (c *Channel) Push(event protocol.Inbound) {
	for _, id := range c.eventIDs {
		if fn, ok := c.eventSubs[id]; ok {
			fn(event)
		}
	}
}

// Subscribers 当前有效订阅数
func (c *Channel) Subscribers() int {
	return len(c.stateSubs) + len(c.eventSubs)
}

// RequestsFor 返回指定事件的所有请求
func (c *Channel) RequestsFor(event protocol.EventName) []*Request {
	var out []*Request
	for _, r := range c.Requests {
		if r.Out.Event() == event {
			out = append(out, r)
		}
	}
	return out
}

// LastRequest 最近一次指定事件的请求
func (c *Channel) LastRequest(event protocol.EventName) *Request {
	reqs := c.RequestsFor(event)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// EmittedFor 返回指定事件的所有单向发送
func (c *Channel) EmittedFor(event protocol.EventName) []protocol.Outbound {
	var out []protocol.Outbound
	for _, e := range c.Emitted {
		if e.Event() == event {
			out = append(out, e)
		}
	}
	return out
}
