package recorder

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ConsultSync/internal/consult"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

func frame(t *testing.T, event protocol.EventName, payload any) []byte {
	t.Helper()
	raw, err := protocol.EncodeFrame(event, 0, payload)
	require.NoError(t, err)
	return raw
}

func TestRecorder_FramesAndStats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := New("rec-1", clock)

	rec.RecordFrame("send", protocol.EventAuthenticate, frame(t, protocol.EventAuthenticate, protocol.Authenticate{Token: "secret"}))
	rec.RecordFrame("receive", protocol.EventReceiveMessage, frame(t, protocol.EventReceiveMessage, protocol.WireMessage{ID: "m1", Content: "hi"}))

	frames := rec.Frames()
	require.Len(t, frames, 2)
	assert.NotContains(t, string(frames[0].Raw), "secret", "token must be redacted")
	assert.Contains(t, string(frames[1].Raw), "m1")

	stats := rec.Stats()
	assert.Equal(t, int64(1), stats.FramesSent)
	assert.Equal(t, int64(1), stats.FramesReceived)
	assert.Positive(t, stats.BytesReceived)
}

func TestRecorder_HeartbeatRTT(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := New("rec-rtt", clock)

	sent := clock.Now().Add(-80 * time.Millisecond).UnixMilli()
	rec.RecordFrame("receive", protocol.EventHeartbeatAck, frame(t, protocol.EventHeartbeatAck, protocol.HeartbeatAck{ClientTime: sent}))
	rec.RecordRTT(40 * time.Millisecond)

	stats := rec.Stats()
	assert.Equal(t, 40*time.Millisecond, stats.MinRTT)
	assert.Equal(t, 80*time.Millisecond, stats.MaxRTT)
	assert.Equal(t, 60*time.Millisecond, stats.AverageRTT)
}

func TestRecorder_PhasesCountReconnects(t *testing.T) {
	rec := New("rec-phase", clockwork.NewFakeClock())

	for _, p := range []model.Phase{
		model.PhaseConnecting, model.PhaseConnected,
		model.PhaseDisconnected, model.PhaseConnecting, model.PhaseConnected,
	} {
		rec.RecordPhase(model.ConnectionState{Phase: p})
	}
	rec.RecordPhase(model.ConnectionState{Phase: model.PhaseConnected})

	assert.Equal(t, int64(1), rec.Stats().ReconnectCount)

	phases := 0
	for _, e := range rec.Events() {
		if e.Type == EventPhase {
			phases++
		}
	}
	assert.Equal(t, 5, phases, "repeated phase is not recorded twice")
}

func TestRecorder_ObserverForwards(t *testing.T) {
	rec := New("rec-obs", clockwork.NewFakeClock())
	inner := &countingObserver{}
	obs := rec.Observer(inner)

	obs.PhaseChanged(model.ConnectionState{Phase: model.PhaseConnected})
	obs.Notice(consult.Notice{Severity: consult.SeverityBlocking, Kind: model.KindLifecycle, Err: model.ErrSessionEnded, Terminal: true})
	obs.MessagesChanged(nil)

	assert.Equal(t, 1, inner.phases)
	assert.Equal(t, 1, inner.notices)
	assert.Equal(t, 1, inner.messages)
	assert.Equal(t, int64(1), rec.Stats().ErrorCount)
}

func TestRecorder_ExportSkipsHeartbeats(t *testing.T) {
	rec := New("rec-export", clockwork.NewFakeClock())
	rec.RecordFrame("send", protocol.EventHeartbeat, frame(t, protocol.EventHeartbeat, protocol.Heartbeat{ClientTime: 1}))
	rec.RecordFrame("send", protocol.EventJoinRoom, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{BookingID: "b1"}))
	rec.RecordError(errors.New("boom"), nil)
	rec.Stop()
	rec.RecordError(errors.New("after stop"), nil)

	path := filepath.Join(t.TempDir(), "recording.json")
	require.NoError(t, rec.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out Recording
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "rec-export", out.ID)
	require.Len(t, out.Frames, 1)
	assert.Equal(t, protocol.EventJoinRoom, out.Frames[0].Event)
	assert.Equal(t, int64(2), out.Stats.FramesSent)
	assert.Equal(t, EventStop, out.Events[len(out.Events)-1].Type)
}

type countingObserver struct {
	consult.NopObserver
	phases, notices, messages int
}

func (c *countingObserver) PhaseChanged(model.ConnectionState) { c.phases++ }
func (c *countingObserver) Notice(consult.Notice)              { c.notices++ }
func (c *countingObserver) MessagesChanged([]model.Message)    { c.messages++ }
