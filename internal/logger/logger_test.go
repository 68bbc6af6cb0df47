package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerRejectsBadInput(t *testing.T) {
	assert.Error(t, InitLogger("loud", "console"))
	assert.Error(t, InitLogger("info", "xml"))
}

func TestInitLoggerSetsLevel(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf strings.Builder
	require.NoError(t, InitLogger("warn", "json", &buf))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"test"`)
}

func TestStreamBroadcastsLines(t *testing.T) {
	s := NewStream()
	go s.Run()
	defer s.Close()

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	logger := zerolog.New(s)
	logger.Info().Str("booking_id", "b1").Msg("joined")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"booking_id":"b1"`)
	assert.Contains(t, string(data), `"message":"joined"`)

	conn.Close()
	assert.Eventually(t, func() bool { return s.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamWriteNeverBlocks(t *testing.T) {
	s := NewStream()
	for i := 0; i < 1000; i++ {
		n, err := s.Write([]byte("line"))
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	}
}
