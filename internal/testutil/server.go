package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"ConsultSync/internal/testserver"
	"ConsultSync/internal/transport"
)

// TestServer 模拟服务器包装器，使用进程内连接
type TestServer struct {
	*testserver.Server
	Dialer *NetworkDialer
	t      *testing.T
}

// ErrOffline 模拟网络不可用
var ErrOffline = errors.New("network unreachable")

// NetworkDialer 可切换离线状态的内存拨号器
type NetworkDialer struct {
	*transport.MemoryDialer
	offline atomic.Bool
}

// SetOffline 离线时所有拨号立即失败
func (d *NetworkDialer) SetOffline(offline bool) {
	d.offline.Store(offline)
}

// Dial 实现transport.Dialer
func (d *NetworkDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	if d.offline.Load() {
		return nil, ErrOffline
	}
	return d.MemoryDialer.Dial(ctx, url, header)
}

// NewTestServer 创建模拟服务器，测试结束时自动关闭
func NewTestServer(t *testing.T, configure ...func(*testserver.ServerConfig)) *TestServer {
	t.Helper()

	cfg := testserver.DefaultServerConfig("127.0.0.1:0")
	cfg.TimerInterval = 0
	for _, fn := range configure {
		fn(cfg)
	}

	server := testserver.New(cfg)
	ts := &TestServer{
		Server: server,
		Dialer: &NetworkDialer{MemoryDialer: transport.NewMemoryDialer(server.Accept)},
		t:      t,
	}
	t.Cleanup(ts.Stop)
	return ts
}

// GoOffline 断开全部连接并让之后的拨号失败
func (ts *TestServer) GoOffline() {
	ts.Dialer.SetOffline(true)
	ts.ForceDisconnectAll()
}

// GoOnline 恢复网络
func (ts *TestServer) GoOnline() {
	ts.Dialer.SetOffline(false)
}

// Stop 停止模拟服务器
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ts.Server.Shutdown(ctx); err != nil {
		ts.t.Logf("mock server shutdown: %v", err)
	}
}
