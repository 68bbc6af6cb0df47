package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"ConsultSync/internal/connection"
	"ConsultSync/internal/consult"
	"ConsultSync/internal/credential"
	"ConsultSync/internal/model"
	"ConsultSync/internal/signaling"
)

// waitTimeout 等待类断言的默认上限
const waitTimeout = 5 * time.Second

// Collector 记录展示层收到的全部通知，实现consult.Observer
type Collector struct {
	mu       sync.RWMutex
	session  *model.Session
	phases   []model.ConnectionState
	messages []model.Message
	timers   []model.TimerState
	typing   map[string]bool
	presence map[string]bool
	calls    []signaling.CallState
	notices  []consult.Notice
	renders  int
}

var _ consult.Observer = (*Collector)(nil)

// NewCollector 创建收集器
func NewCollector() *Collector {
	return &Collector{
		typing:   make(map[string]bool),
		presence: make(map[string]bool),
	}
}

func (c *Collector) SessionChanged(s model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &s
}

func (c *Collector) PhaseChanged(state model.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phases = append(c.phases, state)
}

func (c *Collector) MessagesChanged(messages []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = messages
	c.renders++
}

func (c *Collector) TimerChanged(state model.TimerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, state)
}

func (c *Collector) TypingChanged(userID string, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing[userID] = typing
}

func (c *Collector) PresenceChanged(userID string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[userID] = online
}

func (c *Collector) CallStateChanged(state signaling.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, state)
}

func (c *Collector) Notice(n consult.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
}

// Messages 最近一次渲染的消息列表
func (c *Collector) Messages() []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Message(nil), c.messages...)
}

// Phases 连接状态变化序列
func (c *Collector) Phases() []model.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ConnectionState(nil), c.phases...)
}

// Timers 计时状态序列
func (c *Collector) Timers() []model.TimerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.TimerState(nil), c.timers...)
}

// Notices 全部提示
func (c *Collector) Notices() []consult.Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]consult.Notice(nil), c.notices...)
}

// Session 最近一次会话状态
func (c *Collector) Session() (model.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return model.Session{}, false
	}
	return *c.session, true
}

// Typing 对端输入状态
func (c *Collector) Typing(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typing[userID]
}

// Online 对端在线状态
func (c *Collector) Online(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presence[userID]
}

// Calls 通话状态序列
func (c *Collector) Calls() []signaling.CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]signaling.CallState(nil), c.calls...)
}

// TestClient 测试客户端包装器
type TestClient struct {
	*consult.Client
	*Collector
	UserID string
	t      *testing.T
}

// NewTestClient 创建连接到模拟服务器的客户端，token形如token_<name>时用户ID为user_<name>
func NewTestClient(t *testing.T, server *TestServer, token string, configure ...func(*consult.Options)) *TestClient {
	t.Helper()

	connCfg := connection.DefaultConfig("mem://consult")
	connCfg.ReconnectBase = 20 * time.Millisecond
	connCfg.ReconnectCap = 200 * time.Millisecond
	connCfg.HeartbeatInterval = time.Second
	connCfg.RequestTimeout = 2 * time.Second
	connCfg.MaxReconnectAttempts = 100

	collector := NewCollector()
	opts := consult.DefaultOptions()
	opts.Connection = connCfg
	opts.Dialer = server.Dialer
	opts.Credentials = credential.NewStaticStore(token, "")
	opts.Clock = clockwork.NewRealClock()
	opts.Observer = collector
	for _, fn := range configure {
		fn(&opts)
	}

	client, err := consult.New(opts)
	require.NoError(t, err)

	tc := &TestClient{
		Client:    client,
		Collector: collector,
		UserID:    "user_" + strings.TrimPrefix(token, "token_"),
		t:         t,
	}
	t.Cleanup(func() { client.Close() })
	return tc
}

// ConnectAndWait 连接并等待认证完成
func (tc *TestClient) ConnectAndWait() {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(tc.t, tc.Connect(ctx), "connect failed")
}

// JoinAndWait 加入会话并等待服务器确认
func (tc *TestClient) JoinAndWait(session *model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(tc.t, tc.Join(ctx, *session), "join failed")
}

// Snap 读取当前快照
func (tc *TestClient) Snap() consult.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := tc.Snapshot(ctx)
	require.NoError(tc.t, err)
	return snap
}

// WaitForPhase 等待连接进入指定阶段
func (tc *TestClient) WaitForPhase(phase model.Phase) {
	require.Eventually(tc.t, func() bool {
		return tc.Snap().Connection.Phase == phase
	}, waitTimeout, 10*time.Millisecond, "phase never reached %s", phase)
}

// WaitForMessages 等待消息列表满足条件
func (tc *TestClient) WaitForMessages(cond func([]model.Message) bool, msgAndArgs ...interface{}) []model.Message {
	var last []model.Message
	require.Eventually(tc.t, func() bool {
		last = tc.Snap().Messages
		return cond(last)
	}, waitTimeout, 10*time.Millisecond, msgAndArgs...)
	return last
}

// WaitForSessionStatus 等待会话进入指定状态
func (tc *TestClient) WaitForSessionStatus(status model.SessionStatus) {
	require.Eventually(tc.t, func() bool {
		snap := tc.Snap()
		return snap.Session != nil && snap.Session.Status == status
	}, waitTimeout, 10*time.Millisecond, "session never reached %s", status)
}

// WaitForNotice 等待满足条件的提示
func (tc *TestClient) WaitForNotice(cond func(consult.Notice) bool) consult.Notice {
	var found consult.Notice
	require.Eventually(tc.t, func() bool {
		for _, n := range tc.Notices() {
			if cond(n) {
				found = n
				return true
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
	return found
}
