package room

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ConsultSync/internal/connection/connectiontest"
	"ConsultSync/internal/eventloop"
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

type recorder struct {
	sessions []model.Session
	joined   []JoinReason
	active   int
	ended    []model.Session
	presence map[string]bool
	errs     []error
}

type fixture struct {
	t     *testing.T
	clock *clockwork.FakeClock
	loop  *eventloop.Loop
	ch    *connectiontest.Channel
	coord *Coordinator
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock)
	loop.Start()
	t.Cleanup(loop.Close)

	rec := &recorder{presence: make(map[string]bool)}
	ch := connectiontest.New(loop, "user-1")
	coord := New(DefaultConfig(), loop, ch, Handlers{
		OnSession:  func(s model.Session) { rec.sessions = append(rec.sessions, s) },
		OnJoined:   func(r JoinReason, _ *protocol.SessionData) { rec.joined = append(rec.joined, r) },
		OnActive:   func(model.Session) { rec.active++ },
		OnEnded:    func(s model.Session) { rec.ended = append(rec.ended, s) },
		OnPresence: func(id string, online bool) { rec.presence[id] = online },
		OnError:    func(err error) { rec.errs = append(rec.errs, err) },
	})
	return &fixture{t: t, clock: clock, loop: loop, ch: ch, coord: coord, rec: rec}
}

// do 在循环上执行fn，并等待其投递的回调执行完
func (f *fixture) do(fn func()) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(f.t, f.loop.Do(ctx, fn))
	require.NoError(f.t, f.loop.Do(ctx, func() {}))
}

func (f *fixture) join(s *model.Session) *error {
	var result error = errPending
	f.do(func() {
		f.coord.Join(s, func(err error) { result = err })
	})
	return &result
}

type pendingErr struct{}

func (pendingErr) Error() string { return "pending" }

var errPending error = pendingErr{}

func (f *fixture) ackJoin(ack protocol.JoinAck) {
	f.do(func() {
		req := f.ch.LastRequest(protocol.EventJoinRoom)
		require.NotNil(f.t, req)
		f.ch.Reply(req, ack)
	})
}

func newSession(booking string) *model.Session {
	return model.NewSession("s-"+booking, booking, model.KindChat, 2.5)
}

func TestJoinSendsRequestAndWaitsForAck(t *testing.T) {
	f := newFixture(t)
	s := newSession("b1")

	result := f.join(s)
	assert.Equal(t, errPending, *result)

	var req protocol.JoinRoom
	f.do(func() {
		r := f.ch.LastRequest(protocol.EventJoinRoom)
		require.NotNil(t, r)
		req = r.Out.(protocol.JoinRoom)
	})
	assert.Equal(t, "booking_b1", req.RoomID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "s-b1", req.SessionID)

	f.ackJoin(protocol.JoinAck{Success: true})
	assert.NoError(t, *result)
	assert.Equal(t, []JoinReason{JoinInitial}, f.rec.joined)

	// 加入确认不等于会话开始
	f.do(func() {
		session, ok := f.coord.Session()
		require.True(t, ok)
		assert.Equal(t, model.StatusJoining, session.Status)
		assert.True(t, f.coord.Joined())
	})
	assert.Zero(t, f.rec.active)
}

func TestJoinSameRoomIsNoop(t *testing.T) {
	f := newFixture(t)
	s := newSession("b1")

	f.join(s)
	f.ackJoin(protocol.JoinAck{Success: true})

	again := f.join(s)
	assert.NoError(t, *again)
	f.do(func() {
		assert.Len(t, f.ch.RequestsFor(protocol.EventJoinRoom), 1)
	})
}

func TestJoinDifferentRoomLeavesPrevious(t *testing.T) {
	f := newFixture(t)

	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})

	var subs int
	f.do(func() { subs = f.ch.Subscribers() })

	f.join(newSession("b2"))
	f.do(func() {
		leaves := f.ch.EmittedFor(protocol.EventLeaveRoom)
		require.Len(t, leaves, 1)
		assert.Equal(t, "booking_b1", leaves[0].(protocol.LeaveRoom).RoomID)
		// 旧房间的订阅已释放
		assert.Equal(t, subs, f.ch.Subscribers())
		assert.Equal(t, "booking_b2", f.ch.LastRequest(protocol.EventJoinRoom).Out.(protocol.JoinRoom).RoomID)
	})

	// 旧房间的事件不再影响新会话
	f.do(func() { f.ch.Push(protocol.SessionStarted{BookingID: "b1"}) })
	assert.Zero(t, f.rec.active)
}

func TestPresenceNeverActivates(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})

	f.do(func() {
		f.ch.Push(protocol.Participant{BookingID: "b1", UserID: "astro-9", Joined: true})
	})
	assert.True(t, f.rec.presence["astro-9"])
	assert.Zero(t, f.rec.active)

	f.do(func() {
		session, _ := f.coord.Session()
		assert.Equal(t, model.StatusJoining, session.Status)
		assert.Equal(t, "astro-9", session.CounterpartID)
	})
}

func TestSessionStartedActivatesOnce(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})

	started := protocol.NewTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	f.do(func() {
		f.ch.Push(protocol.SessionStarted{BookingID: "b1", StartedAt: &started})
		f.ch.Push(protocol.SessionStarted{BookingID: "b1"})
		f.ch.Push(protocol.SessionStarted{BookingID: "other"})
	})
	assert.Equal(t, 1, f.rec.active)

	f.do(func() {
		session, _ := f.coord.Session()
		assert.Equal(t, model.StatusActive, session.Status)
		require.NotNil(t, session.StartedAt)
		assert.True(t, session.StartedAt.Equal(started.Time))
	})
}

func TestJoinAckWithActiveSessionActivates(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true, SessionData: &protocol.SessionData{
		Status:        "active",
		CounterpartID: "astro-9",
	}})

	assert.Equal(t, 1, f.rec.active)
	f.do(func() {
		session, _ := f.coord.Session()
		assert.Equal(t, "astro-9", session.CounterpartID)
	})
}

func TestJoinTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	s := newSession("b1")
	result := f.join(s)

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		var done bool
		f.do(func() { done = *result != errPending })
		return done
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, *result, model.ErrJoinTimeout)
	assert.Equal(t, model.KindProtocol, model.Classify(*result))

	retry := f.join(s)
	f.do(func() {
		assert.Len(t, f.ch.RequestsFor(protocol.EventJoinRoom), 2)
	})
	f.ackJoin(protocol.JoinAck{Success: true})
	assert.NoError(t, *retry)
}

func TestJoinRejected(t *testing.T) {
	f := newFixture(t)
	result := f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: false, Error: "not a participant"})

	assert.ErrorIs(t, *result, model.ErrJoinRejected)
	require.Len(t, f.rec.errs, 1)
	assert.True(t, model.IsBlocking(f.rec.errs[0]))
}

func TestJoinWaitsForConnection(t *testing.T) {
	f := newFixture(t)
	f.do(func() { f.ch.SetPhase(model.PhaseConnecting) })

	result := f.join(newSession("b1"))
	f.do(func() {
		assert.Empty(t, f.ch.RequestsFor(protocol.EventJoinRoom))
		f.ch.SetPhase(model.PhaseConnected)
		assert.Len(t, f.ch.RequestsFor(protocol.EventJoinRoom), 1)
	})

	f.ackJoin(protocol.JoinAck{Success: true})
	assert.NoError(t, *result)
}

func TestReconnectRejoinsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})
	f.do(func() { f.ch.Push(protocol.SessionStarted{BookingID: "b1"}) })

	f.do(func() {
		f.ch.SetPhase(model.PhaseDisconnected)
		assert.False(t, f.coord.Joined())
		f.ch.SetPhase(model.PhaseConnecting)
		f.ch.SetPhase(model.PhaseConnected)
	})
	f.do(func() {
		assert.Len(t, f.ch.RequestsFor(protocol.EventJoinRoom), 2)
	})

	f.ackJoin(protocol.JoinAck{Success: true, SessionData: &protocol.SessionData{Status: "active"}})
	assert.Equal(t, []JoinReason{JoinInitial, JoinRejoin}, f.rec.joined)
	assert.Equal(t, 1, f.rec.active)
	assert.Empty(t, f.rec.errs)
}

func TestRejoinIntoEndedSessionIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})
	f.do(func() { f.ch.Push(protocol.SessionStarted{BookingID: "b1"}) })

	f.do(func() {
		f.ch.SetPhase(model.PhaseDisconnected)
		f.ch.SetPhase(model.PhaseConnected)
	})
	f.ackJoin(protocol.JoinAck{Success: false, Error: "ended", SessionData: &protocol.SessionData{Status: "ended"}})

	require.Len(t, f.rec.ended, 1)
	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], model.ErrSessionEnded)
	assert.Equal(t, model.KindLifecycle, model.Classify(f.rec.errs[0]))
}

func TestSessionEndedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})

	f.do(func() {
		f.ch.Push(protocol.SessionStarted{BookingID: "b1"})
		f.ch.Push(protocol.SessionEnded{BookingID: "b1", EndedBy: "astro-9", Reason: "astrologer_ended"})
		f.ch.Push(protocol.SessionEnded{BookingID: "b1", EndedBy: "astro-9", Reason: "astrologer_ended"})
	})

	require.Len(t, f.rec.ended, 1)
	assert.Equal(t, "astrologer_ended", f.rec.ended[0].EndReason)
	assert.Equal(t, "astro-9", f.rec.ended[0].EndedBy)
	assert.NotNil(t, f.rec.ended[0].EndedAt)

	var endErr error
	f.do(func() { f.coord.End("user_ended", func(err error) { endErr = err }) })
	assert.ErrorIs(t, endErr, model.ErrSessionEnded)

	// 终态之后session_started不会复活会话
	f.do(func() { f.ch.Push(protocol.SessionStarted{BookingID: "b1"}) })
	f.do(func() {
		session, _ := f.coord.Session()
		assert.Equal(t, model.StatusEnded, session.Status)
	})
}

func TestLocalEndAfterAck(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})
	f.do(func() { f.ch.Push(protocol.SessionStarted{BookingID: "b1"}) })

	var endErr error = errPending
	f.do(func() { f.coord.End("user_ended", func(err error) { endErr = err }) })
	assert.Equal(t, errPending, endErr)
	assert.Empty(t, f.rec.ended)

	f.do(func() {
		req := f.ch.LastRequest(protocol.EventEndSession)
		require.NotNil(t, req)
		assert.Equal(t, "user_ended", req.Out.(protocol.EndSession).Reason)
		f.ch.Reply(req, protocol.EndAck{Success: true})
	})
	assert.NoError(t, endErr)
	require.Len(t, f.rec.ended, 1)
	assert.Equal(t, "user-1", f.rec.ended[0].EndedBy)
}

func TestLocalEndFailsWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.join(newSession("b1"))
	f.ackJoin(protocol.JoinAck{Success: true})
	f.do(func() { f.ch.SetPhase(model.PhaseDisconnected) })

	var endErr error
	f.do(func() { f.coord.End("user_ended", func(err error) { endErr = err }) })
	assert.ErrorIs(t, endErr, model.ErrNotConnected)
	assert.Empty(t, f.rec.ended)
}

func TestJoinEndedSessionRejected(t *testing.T) {
	f := newFixture(t)
	s := newSession("b1")
	s.End(time.Now(), "done", "")

	result := f.join(s)
	assert.ErrorIs(t, *result, model.ErrSessionEnded)
}
