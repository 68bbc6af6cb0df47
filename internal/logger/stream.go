package logger

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream 把日志行广播给通过WebSocket订阅的客户端。
// 作为io.Writer接入zerolog，每次Write是一条完整的JSON日志
type Stream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStream 创建日志流，需要调用Run
func NewStream() *Stream {
	return &Stream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Write 实现io.Writer；通道满时丢弃，不阻塞日志调用方
func (s *Stream) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case s.broadcast <- line:
	default:
	}
	return len(p), nil
}

// Run 处理订阅与广播，直到Close
func (s *Stream) Run() {
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()

		case line := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteMessage(websocket.TextMessage, line); err != nil {
					delete(s.clients, client)
					client.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close 停止广播并断开全部订阅者
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Subscribers 当前订阅者数量
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket 订阅日志流
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("log stream upgrade failed")
		return
	}

	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()

	// 订阅者只读，读到错误即视为断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
