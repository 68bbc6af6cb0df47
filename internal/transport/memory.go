package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrPipeClosed 内存连接已关闭
var ErrPipeClosed = errors.New("pipe closed")

// ErrReadTimeout 读取超过截止时间
var ErrReadTimeout = errors.New("read deadline exceeded")

// Pipe 创建一对互联的内存连接，用于进程内回环和测试
func Pipe() (Conn, Conn) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	inbox chan []byte
	peer  *pipeEnd

	mu       sync.Mutex
	deadline time.Time
	closed   chan struct{}
	once     sync.Once
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case data := <-p.inbox:
		return data, nil
	case <-p.closed:
		return nil, ErrPipeClosed
	case <-p.peer.closed:
		// 先取完对端关闭前已写入的数据
		select {
		case data := <-p.inbox:
			return data, nil
		default:
			return nil, ErrPipeClosed
		}
	case <-timeout:
		return nil, ErrReadTimeout
	}
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return ErrPipeClosed
	case <-p.peer.closed:
		return ErrPipeClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.peer.inbox <- buf:
		return nil
	case <-p.closed:
		return ErrPipeClosed
	case <-p.peer.closed:
		return ErrPipeClosed
	}
}

func (p *pipeEnd) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// AcceptFunc 处理一次内存拨号，返回客户端一侧的连接
type AcceptFunc func(ctx context.Context, header http.Header) (Conn, error)

// MemoryDialer 把每次拨号交给AcceptFunc
type MemoryDialer struct {
	accept AcceptFunc

	mu    sync.Mutex
	dials int
}

// NewMemoryDialer 创建内存拨号器
func NewMemoryDialer(accept AcceptFunc) *MemoryDialer {
	return &MemoryDialer{accept: accept}
}

// Dial 实现Dialer
func (d *MemoryDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return d.accept(ctx, header)
}

// Dials 已发生的拨号次数
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
