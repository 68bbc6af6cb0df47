package testserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/protocol"
	"ConsultSync/internal/transport"
)

// ServerConfig 模拟咨询服务器配置
type ServerConfig struct {
	Addr string
	// Tokens token到用户ID的映射；为空时接受任意token
	Tokens map[string]string
	// AutoStart 两个不同用户都加入后自动开始会话
	AutoStart bool
	// TimerInterval 权威计时推送间隔，0表示不推送
	TimerInterval time.Duration
	// DefaultBudget 新房间的预算秒数，0表示不限
	DefaultBudget int
	// EchoToSender 把发送者自己的消息也推送回去
	EchoToSender bool

	LoginTimeout      time.Duration
	MaxConnections    int
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	WriteTimeout      time.Duration

	Clock clockwork.Clock
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		AutoStart:         true,
		TimerInterval:     5 * time.Second,
		EchoToSender:      true,
		LoginTimeout:      10 * time.Second,
		MaxConnections:    1000,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		WriteTimeout:      5 * time.Second,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Connection 一个已接入的客户端连接
type Connection struct {
	ID     string
	UserID string
	Stats  *ConnectionStats

	conn      transport.Conn
	stopChan  chan struct{}
	closeOnce sync.Once
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.conn.Close()
	})
}

// send 编码并写入一个事件帧
func (c *Connection) send(event protocol.EventName, ack uint32, payload any) error {
	frame, err := protocol.EncodeFrame(event, ack, payload)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(frame); err != nil {
		return err
	}
	c.Stats.MessagesSent.Add(1)
	return nil
}

// Server 模拟咨询服务器：认证、房间、消息存储与恢复、计时推送、信令转发。
// 同时支持WebSocket和进程内内存连接。
type Server struct {
	config   *ServerConfig
	clock    clockwork.Clock
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	listener net.Listener
	logger   zerolog.Logger

	mu          sync.Mutex
	connections map[string]*Connection
	rooms       map[string]*Room
	requests    map[protocol.EventName]int
	drops       map[protocol.EventName]int

	connCount atomic.Int32
	connWg    sync.WaitGroup
	bgWg      sync.WaitGroup
	stopCh    chan struct{}

	rejectAuth atomic.Bool
	isRunning  atomic.Bool

	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建新的模拟服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":8080")
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		config: config,
		clock:  clock,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		logger:      log.With().Str("component", "mockserver").Logger(),
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*Room),
		requests:    make(map[protocol.EventName]int),
		drops:       make(map[protocol.EventName]int),
		stopCh:      make(chan struct{}),
		startTime:   clock.Now(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: c.Handler(s.router),
	}
	return s
}

// Handler HTTP入口，测试中可交给httptest.Server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Router 路由器，调用方可在Start前挂载额外接口
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mock server listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down mock server")
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	s.ForceDisconnectAll()
	s.connWg.Wait()
	s.bgWg.Wait()

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 强制断开所有连接
func (s *Server) ForceDisconnectAll() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info().Int("connections", len(conns)).Msg("force disconnecting all connections")
	for _, c := range conns {
		c.safeClose()
	}
}

// RejectAuth 之后的连接认证全部失败
func (s *Server) RejectAuth(reject bool) {
	s.rejectAuth.Store(reject)
}

// DropRequests 丢弃接下来n个该类型的请求，模拟帧丢失
func (s *Server) DropRequests(event protocol.EventName, n int) {
	s.mu.Lock()
	s.drops[event] = n
	s.mu.Unlock()
}

// RequestCount 已收到的某类请求数（含被丢弃的）
func (s *Server) RequestCount(event protocol.EventName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[event]
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// Accept 内存拨号入口，配合transport.NewMemoryDialer使用
func (s *Server) Accept(ctx context.Context, header http.Header) (transport.Conn, error) {
	if s.rejectAuth.Load() {
		return nil, &transport.HandshakeError{StatusCode: http.StatusUnauthorized, Err: errors.New("unauthorized")}
	}
	client, server := transport.Pipe()
	s.connWg.Add(1)
	go func() {
		defer s.connWg.Done()
		s.serve(server)
	}()
	return client, nil
}

// handleWebSocket 处理WebSocket升级
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.rejectAuth.Load() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	wsConn.SetReadLimit(protocol.MaxFrameSize)
	s.Serve(transport.Wrap(wsConn, s.config.WriteTimeout))
}

// Serve 处理单个连接的完整生命周期，阻塞到连接关闭
func (s *Server) Serve(raw transport.Conn) {
	s.connWg.Add(1)
	defer s.connWg.Done()
	s.serve(raw)
}

func (s *Server) serve(raw transport.Conn) {
	now := s.clock.Now()
	conn := &Connection{
		ID:       fmt.Sprintf("conn_%d_%d", now.UnixNano(), s.totalConnections.Add(1)),
		Stats:    &ConnectionStats{ConnectedAt: now},
		conn:     raw,
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(now.UnixNano())

	s.connCount.Add(1)
	defer s.closeConnection(conn, "connection ended")

	if !s.handleLogin(conn) {
		return
	}

	s.mu.Lock()
	s.connections[conn.ID] = conn
	s.mu.Unlock()

	s.messageReadLoop(conn)
}

// handleLogin 第一帧必须是authenticate请求
func (s *Server) handleLogin(conn *Connection) bool {
	conn.conn.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	raw, err := conn.conn.ReadMessage()
	if err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("read login frame failed")
		return false
	}
	conn.conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeFrame(raw)
	if err != nil || env.Event != protocol.EventAuthenticate {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("expected authenticate frame")
		return false
	}

	var auth protocol.Authenticate
	if err := decodeData(env, &auth); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.AuthAck{Success: false, Error: err.Error()})
		return false
	}

	userID, ok := s.authorize(auth)
	if !ok {
		s.logger.Info().Str("conn_id", conn.ID).Msg("authentication rejected")
		conn.send(protocol.EventAck, env.Ack, protocol.AuthAck{Success: false, Error: "invalid token"})
		return false
	}
	conn.UserID = userID

	if err := conn.send(protocol.EventAck, env.Ack, protocol.AuthAck{Success: true, UserID: userID}); err != nil {
		return false
	}
	s.logger.Info().Str("conn_id", conn.ID).Str("user_id", userID).Msg("login successful")
	return true
}

func (s *Server) authorize(auth protocol.Authenticate) (string, bool) {
	if s.rejectAuth.Load() || auth.Token == "" {
		return "", false
	}
	if len(s.config.Tokens) == 0 {
		if auth.UserID != "" {
			return auth.UserID, true
		}
		return "user_" + strings.TrimPrefix(auth.Token, "token_"), true
	}
	userID, ok := s.config.Tokens[auth.Token]
	return userID, ok
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		raw, err := conn.conn.ReadMessage()
		if err != nil {
			if !transport.IsNormalClose(err) {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("connection read ended")
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.LastActivity.Store(s.clock.Now().UnixNano())
		s.totalMessages.Add(1)

		env, err := protocol.DecodeFrame(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("decode frame failed")
			continue
		}
		if s.shouldDrop(env.Event) {
			s.logger.Debug().Str("event", env.Event.String()).Msg("request dropped")
			continue
		}
		s.handleMessage(conn, env)
	}
}

func (s *Server) shouldDrop(event protocol.EventName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[event]++
	if s.drops[event] > 0 {
		s.drops[event]--
		return true
	}
	return false
}

// closeConnection 关闭连接并从所有房间移除
func (s *Server) closeConnection(conn *Connection, reason string) {
	conn.safeClose()

	s.mu.Lock()
	_, registered := s.connections[conn.ID]
	delete(s.connections, conn.ID)
	var notices []delivery
	if registered {
		notices = s.leaveAllLocked(conn)
	}
	s.mu.Unlock()

	s.connCount.Add(-1)
	deliver(notices)
	s.logger.Debug().Str("conn_id", conn.ID).Str("reason", reason).Msg("connection closed")
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	s.mu.Lock()
	rooms := len(s.rooms)
	s.mu.Unlock()

	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      s.clock.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"rooms":               rooms,
	}
}

func decodeData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s has no data", env.Event)
	}
	return protocol.DecodeReply(env.Data, v)
}
