package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ConsultSync/internal/protocol"
)

// Conn 双向消息连接，ReadMessage只能由一个goroutine调用，
// WriteMessage可并发调用
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer 建立连接
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketConfig WebSocket拨号配置
type WebSocketConfig struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	EnableCompression bool
	ReadLimit         int64
	UserAgent         string
}

// DefaultWebSocketConfig 返回默认配置
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		EnableCompression: true,
		ReadLimit:         protocol.MaxFrameSize,
		UserAgent:         "ConsultSync/1.0",
	}
}

// WebSocketDialer 基于gorilla/websocket的拨号器
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer 创建拨号器
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	return &WebSocketDialer{config: config, dialer: &dialer}
}

// Dial 建立WebSocket连接
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if header == nil {
		header = http.Header{}
	}
	if d.config.UserAgent != "" {
		header.Set("User-Agent", d.config.UserAgent)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if d.config.ReadLimit > 0 {
		conn.SetReadLimit(d.config.ReadLimit)
	}

	return Wrap(conn, d.config.WriteTimeout), nil
}

// Wrap 把已建立的websocket.Conn包装为Conn，服务端升级后也使用它
func Wrap(conn *websocket.Conn, writeTimeout time.Duration) Conn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

// HandshakeError 服务器在升级阶段拒绝了请求
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsUnauthorized 是否为认证失败
func IsUnauthorized(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

// wsConn 包装websocket.Conn
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// 专用于WebSocket写入同步
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// IsNormalClose 判断是否为正常关闭
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
