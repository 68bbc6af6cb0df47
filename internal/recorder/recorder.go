// Package recorder 录制一次咨询会话的线上帧与状态变化，用于回放分析和问题定位
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"ConsultSync/internal/consult"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
	"ConsultSync/internal/signaling"
)

// EventType 事件类型
type EventType string

const (
	EventFrameSend    EventType = "FRAME_SEND"
	EventFrameReceive EventType = "FRAME_RECEIVE"
	EventPhase        EventType = "PHASE"
	EventReconnect    EventType = "RECONNECT"
	EventSession      EventType = "SESSION"
	EventNotice       EventType = "NOTICE"
	EventError        EventType = "ERROR"
	EventStop         EventType = "STOP"
)

// Event 一条录制事件
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Wire      protocol.EventName     `json:"wire_event,omitempty"`
	Size      int                    `json:"size,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Frame 原始帧记录
type Frame struct {
	Direction string             `json:"direction"` // "send" or "receive"
	Event     protocol.EventName `json:"event"`
	Raw       json.RawMessage    `json:"raw"`
	Timestamp time.Time          `json:"timestamp"`
}

// Stats 录制统计
type Stats struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	TotalEvents    int64         `json:"total_events"`
	FramesSent     int64         `json:"frames_sent"`
	FramesReceived int64         `json:"frames_received"`
	BytesSent      int64         `json:"bytes_sent"`
	BytesReceived  int64         `json:"bytes_received"`
	ReconnectCount int64         `json:"reconnect_count"`
	ErrorCount     int64         `json:"error_count"`
	AverageRTT     time.Duration `json:"average_rtt"`
	MinRTT         time.Duration `json:"min_rtt"`
	MaxRTT         time.Duration `json:"max_rtt"`
}

// Recording 导出的完整录制
type Recording struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Events    []*Event  `json:"events"`
	Frames    []*Frame  `json:"frames"`
	Stats     Stats     `json:"stats"`
}

// Recorder 会话录制器，可在任意goroutine上调用
type Recorder struct {
	id        string
	clock     clockwork.Clock
	startTime time.Time

	mu     sync.RWMutex
	events []*Event
	frames []*Frame
	end    time.Time

	eventCounter   atomic.Int64
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	reconnectCount atomic.Int64
	errorCount     atomic.Int64

	rttSum   atomic.Int64
	rttCount atomic.Int64
	minRTT   atomic.Int64
	maxRTT   atomic.Int64

	lastPhase     atomic.Int32
	everConnected atomic.Bool
	isActive      atomic.Bool
}

// New 创建录制器；clock为nil时使用真实时钟
func New(id string, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Recorder{
		id:        id,
		clock:     clock,
		startTime: clock.Now(),
		events:    make([]*Event, 0, 256),
		frames:    make([]*Frame, 0, 256),
	}
	r.lastPhase.Store(int32(model.PhaseIdle))
	r.isActive.Store(true)
	return r
}

func (r *Recorder) record(e *Event) {
	if !r.isActive.Load() {
		return
	}
	e.ID = fmt.Sprintf("event_%d", r.eventCounter.Add(1))
	e.Timestamp = r.clock.Now()

	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// RecordFrame 记录一帧，签名与connection.FrameTap一致
func (r *Recorder) RecordFrame(direction string, event protocol.EventName, raw []byte) {
	if !r.isActive.Load() {
		return
	}
	now := r.clock.Now()

	// 认证帧里的token不落盘
	stored := raw
	if event == protocol.EventAuthenticate {
		stored = []byte(`{"event":"authenticate","data":"<redacted>"}`)
	}
	if !json.Valid(stored) {
		stored, _ = json.Marshal(string(stored))
	}

	r.mu.Lock()
	r.frames = append(r.frames, &Frame{
		Direction: direction,
		Event:     event,
		Raw:       append(json.RawMessage(nil), stored...),
		Timestamp: now,
	})
	r.mu.Unlock()

	typ := EventFrameReceive
	if direction == "send" {
		typ = EventFrameSend
		r.framesSent.Add(1)
		r.bytesSent.Add(int64(len(raw)))
	} else {
		r.framesReceived.Add(1)
		r.bytesReceived.Add(int64(len(raw)))
	}
	r.record(&Event{Type: typ, Wire: event, Size: len(raw)})

	if event == protocol.EventHeartbeatAck {
		r.recordHeartbeat(raw, now)
	}
}

// recordHeartbeat 用心跳应答回带的客户端时间计算RTT
func (r *Recorder) recordHeartbeat(raw []byte, now time.Time) {
	env, err := protocol.DecodeFrame(raw)
	if err != nil {
		return
	}
	var ack protocol.HeartbeatAck
	if err := protocol.DecodeReply(env.Data, &ack); err != nil || ack.ClientTime == 0 {
		return
	}
	r.RecordRTT(now.Sub(time.UnixMilli(ack.ClientTime)))
}

// RecordRTT 记录一次往返延迟
func (r *Recorder) RecordRTT(rtt time.Duration) {
	if !r.isActive.Load() || rtt <= 0 {
		return
	}
	ns := rtt.Nanoseconds()
	r.rttSum.Add(ns)
	r.rttCount.Add(1)

	for {
		current := r.minRTT.Load()
		if current != 0 && ns >= current {
			break
		}
		if r.minRTT.CompareAndSwap(current, ns) {
			break
		}
	}
	for {
		current := r.maxRTT.Load()
		if ns <= current {
			break
		}
		if r.maxRTT.CompareAndSwap(current, ns) {
			break
		}
	}
}

// RecordPhase 记录连接阶段变化；第一次之后的每次connected计为一次重连
func (r *Recorder) RecordPhase(state model.ConnectionState) {
	prev := model.Phase(r.lastPhase.Swap(int32(state.Phase)))
	if prev == state.Phase {
		return
	}

	meta := map[string]interface{}{
		"from":    prev.String(),
		"to":      state.Phase.String(),
		"attempt": state.ReconnectAttempt,
	}
	e := &Event{Type: EventPhase, Metadata: meta}
	if state.LastError != nil {
		e.Error = state.LastError.Error()
	}
	r.record(e)

	if state.Phase == model.PhaseConnected && r.everConnected.Swap(true) {
		r.reconnectCount.Add(1)
		r.record(&Event{Type: EventReconnect, Metadata: map[string]interface{}{"reconnects": r.reconnectCount.Load()}})
	}
}

// RecordSession 记录会话状态
func (r *Recorder) RecordSession(s model.Session) {
	meta := map[string]interface{}{
		"session_id": s.SessionID,
		"booking_id": s.BookingID,
		"status":     s.Status,
	}
	if s.EndReason != "" {
		meta["end_reason"] = s.EndReason
	}
	r.record(&Event{Type: EventSession, Metadata: meta})
}

// RecordNotice 记录给展示层的提示
func (r *Recorder) RecordNotice(n consult.Notice) {
	e := &Event{Type: EventNotice, Metadata: map[string]interface{}{
		"severity": n.Severity.String(),
		"kind":     n.Kind.String(),
		"message":  n.Message,
		"terminal": n.Terminal,
	}}
	if n.Err != nil {
		e.Error = n.Err.Error()
	}
	r.record(e)
	if n.Severity == consult.SeverityBlocking {
		r.errorCount.Add(1)
	}
}

// RecordError 记录错误
func (r *Recorder) RecordError(err error, metadata map[string]interface{}) {
	r.errorCount.Add(1)
	r.record(&Event{Type: EventError, Error: err.Error(), Metadata: metadata})
}

// Stop 停止录制
func (r *Recorder) Stop() {
	if !r.isActive.Load() {
		return
	}
	r.record(&Event{Type: EventStop, Metadata: map[string]interface{}{
		"duration": r.clock.Since(r.startTime).String(),
	}})
	r.isActive.Store(false)

	r.mu.Lock()
	r.end = r.clock.Now()
	r.mu.Unlock()
}

// Events 事件列表
func (r *Recorder) Events() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Event{}, r.events...)
}

// Frames 帧列表
func (r *Recorder) Frames() []*Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Frame{}, r.frames...)
}

// Stats 当前统计
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	end := r.end
	total := int64(len(r.events))
	r.mu.RUnlock()
	if end.IsZero() {
		end = r.clock.Now()
	}

	s := Stats{
		StartTime:      r.startTime,
		EndTime:        end,
		Duration:       end.Sub(r.startTime),
		TotalEvents:    total,
		FramesSent:     r.framesSent.Load(),
		FramesReceived: r.framesReceived.Load(),
		BytesSent:      r.bytesSent.Load(),
		BytesReceived:  r.bytesReceived.Load(),
		ReconnectCount: r.reconnectCount.Load(),
		ErrorCount:     r.errorCount.Load(),
	}
	if n := r.rttCount.Load(); n > 0 {
		s.AverageRTT = time.Duration(r.rttSum.Load() / n)
		s.MinRTT = time.Duration(r.minRTT.Load())
		s.MaxRTT = time.Duration(r.maxRTT.Load())
	}
	return s
}

// Recording 当前录制内容；心跳帧只计入统计，不导出
func (r *Recorder) Recording() *Recording {
	stats := r.Stats()

	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]*Event, 0, len(r.events))
	for _, e := range r.events {
		if isHeartbeat(e.Wire) {
			continue
		}
		events = append(events, e)
	}
	frames := make([]*Frame, 0, len(r.frames))
	for _, f := range r.frames {
		if isHeartbeat(f.Event) {
			continue
		}
		frames = append(frames, f)
	}

	return &Recording{
		ID:        r.id,
		StartTime: r.startTime,
		EndTime:   stats.EndTime,
		Events:    events,
		Frames:    frames,
		Stats:     stats,
	}
}

func isHeartbeat(event protocol.EventName) bool {
	return event == protocol.EventHeartbeat || event == protocol.EventHeartbeatAck
}

// ExportJSON 导出为JSON
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.Recording(), "", "  ")
}

// WriteFile 导出到文件
func (r *Recorder) WriteFile(path string) error {
	data, err := r.ExportJSON()
	if err != nil {
		return fmt.Errorf("export recording failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write recording to %s failed: %w", path, err)
	}
	return nil
}

// Load 读取导出的录制文件
func Load(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording %s failed: %w", path, err)
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recording %s failed: %w", path, err)
	}
	return &rec, nil
}

// Observer 包装展示层观察者：记录阶段、会话与提示后原样转发
func (r *Recorder) Observer(next consult.Observer) consult.Observer {
	if next == nil {
		next = consult.NopObserver{}
	}
	return &observer{Observer: next, rec: r}
}

type observer struct {
	consult.Observer
	rec *Recorder
}

func (o *observer) PhaseChanged(state model.ConnectionState) {
	o.rec.RecordPhase(state)
	o.Observer.PhaseChanged(state)
}

func (o *observer) SessionChanged(s model.Session) {
	o.rec.RecordSession(s)
	o.Observer.SessionChanged(s)
}

func (o *observer) Notice(n consult.Notice) {
	o.rec.RecordNotice(n)
	o.Observer.Notice(n)
}

func (o *observer) CallStateChanged(state signaling.CallState) {
	o.rec.record(&Event{Type: EventSession, Metadata: map[string]interface{}{"call_state": string(state)}})
	o.Observer.CallStateChanged(state)
}
