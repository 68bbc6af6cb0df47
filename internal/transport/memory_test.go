package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeRoundTrip(t *testing.T) {
	client, server := Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.WriteMessage([]byte("hello")))
	data, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, server.WriteMessage([]byte("world")))
	data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestPipeCloseUnblocksPeer(t *testing.T) {
	client, server := Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := client.ReadMessage()
		done <- err
	}()

	server.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPipeClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by peer close")
	}

	assert.ErrorIs(t, client.WriteMessage([]byte("x")), ErrPipeClosed)
}

func TestPipeDrainsBeforeReportingClose(t *testing.T) {
	client, server := Pipe()
	require.NoError(t, server.WriteMessage([]byte("last")))
	server.Close()

	data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))

	_, err = client.ReadMessage()
	assert.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipeReadDeadline(t *testing.T) {
	client, server := Pipe()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := client.ReadMessage()
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestMemoryDialerCountsDials(t *testing.T) {
	refused := errors.New("refused")
	d := NewMemoryDialer(func(ctx context.Context, header http.Header) (Conn, error) {
		return nil, refused
	})

	_, err := d.Dial(context.Background(), "mem://", nil)
	assert.ErrorIs(t, err, refused)
	_, _ = d.Dial(context.Background(), "mem://", nil)
	assert.Equal(t, 2, d.Dials())
}

func TestIsUnauthorized(t *testing.T) {
	err := &HandshakeError{StatusCode: http.StatusUnauthorized, Err: errors.New("bad handshake")}
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsUnauthorized(errors.New("dial failed")))
	assert.Contains(t, err.Error(), "401")
}
