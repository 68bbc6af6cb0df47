package chat

import (
	"context"
	"encoding/json"
	"fmt"
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

type fixture struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	loop   *eventloop.Loop
	scope  *eventloop.Scope
	ch     *connectiontest.Channel
	engine *Engine

	notified int
	typing   map[string]bool
}

func newFixture(t *testing.T) *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	loop := eventloop.New(clock)
	loop.Start()
	t.Cleanup(loop.Close)

	f := &fixture{t: t, clock: clock, loop: loop, typing: make(map[string]bool)}
	session := *model.NewSession("s1", "b1", model.KindChat, 1)
	f.do(func() {
		f.scope = loop.NewScope()
		f.ch = connectiontest.New(loop, "user-1")
		seq := 0
		f.engine = New(DefaultConfig(), f.scope, f.ch, session, Handlers{
			OnMessages: func([]model.Message) { f.notified++ },
			OnTyping:   func(id string, typing bool) { f.typing[id] = typing },
		})
		f.engine.newID = func() string {
			seq++
			return fmt.Sprintf("local-%d", seq)
		}
	})
	return f
}

func (f *fixture) do(fn func()) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(f.t, f.loop.Do(ctx, fn))
	require.NoError(f.t, f.loop.Do(ctx, func() {}))
}

func (f *fixture) messages() []model.Message {
	var out []model.Message
	f.do(func() { out = f.engine.Messages() })
	return out
}

func (f *fixture) send(content string) model.Message {
	f.t.Helper()
	var m model.Message
	f.do(func() {
		var err error
		m, err = f.engine.Send(content)
		require.NoError(f.t, err)
	})
	return m
}

func (f *fixture) ackSend(id string, success bool) {
	f.do(func() {
		for _, req := range f.ch.RequestsFor(protocol.EventSendMessage) {
			if req.Out.(protocol.SendMessage).ID == id && req.Pending() {
				f.ch.Reply(req, protocol.SendAck{Success: success, ID: id})
				return
			}
		}
		f.t.Fatalf("no pending send for %s", id)
	})
}

func (f *fixture) replyRecovery(msgs ...protocol.WireMessage) {
	f.do(func() {
		req := f.ch.LastRequest(protocol.EventGetMissedMessages)
		require.NotNil(f.t, req)
		require.True(f.t, req.Pending())
		raw := make([]json.RawMessage, 0, len(msgs))
		for _, m := range msgs {
			b, err := json.Marshal(m)
			require.NoError(f.t, err)
			raw = append(raw, b)
		}
		f.ch.Reply(req, protocol.MissedMessages{Messages: raw})
	})
}

func (f *fixture) pendingRecoveries() int {
	n := 0
	f.do(func() {
		for _, r := range f.ch.RequestsFor(protocol.EventGetMissedMessages) {
			if r.Pending() {
				n++
			}
		}
	})
	return n
}

func (f *fixture) recoveryRequests() int {
	var n int
	f.do(func() { n = len(f.ch.RequestsFor(protocol.EventGetMissedMessages)) })
	return n
}

func wire(id, content, sender string, at time.Time) protocol.WireMessage {
	return protocol.WireMessage{ID: id, BookingID: "b1", Content: content, SenderID: sender, Timestamp: protocol.NewTimestamp(at)}
}

func countContent(msgs []model.Message, content string, status model.MessageStatus) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content && m.Status == status {
			n++
		}
	}
	return n
}

func TestSendOptimisticEcho(t *testing.T) {
	f := newFixture(t)
	m := f.send("  hello  ")

	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, model.MessageSending, m.Status)
	assert.Equal(t, model.RoleUser, m.SenderRole)
	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageSending, msgs[0].Status)

	f.ackSend(m.ID, true)
	msgs = f.messages()
	assert.Equal(t, model.MessageSent, msgs[0].Status)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		_, err := f.engine.Send("   ")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
	assert.Empty(t, f.messages())
}

func TestNegativeAckFails(t *testing.T) {
	f := newFixture(t)
	m := f.send("hello")
	f.ackSend(m.ID, false)
	assert.Equal(t, model.MessageFailed, f.messages()[0].Status)
}

func TestSendTimeoutFails(t *testing.T) {
	f := newFixture(t)
	f.send("hello")

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return f.messages()[0].Status == model.MessageFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedThenResendScenario(t *testing.T) {
	f := newFixture(t)
	f.do(func() { f.ch.SetPhase(model.PhaseDisconnected) })

	original := f.send("hello")
	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageFailed, msgs[0].Status)
	f.do(func() { assert.Empty(t, f.ch.RequestsFor(protocol.EventSendMessage)) })

	// 不会自动重试
	f.do(func() { f.ch.SetPhase(model.PhaseConnected) })
	f.do(func() { assert.Empty(t, f.ch.RequestsFor(protocol.EventSendMessage)) })

	var resent model.Message
	f.do(func() {
		var err error
		resent, err = f.engine.Resend(original.ID)
		require.NoError(t, err)
	})
	assert.NotEqual(t, original.ID, resent.ID)
	f.ackSend(resent.ID, true)

	msgs = f.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, countContent(msgs, "hello", model.MessageSent))
	assert.Equal(t, 1, countContent(msgs, "hello", model.MessageFailed))

	got, ok := f.engine.Message(original.ID)
	require.True(t, ok)
	assert.Equal(t, model.MessageFailed, got.Status)
}

func TestResendRequiresFailed(t *testing.T) {
	f := newFixture(t)
	m := f.send("hello")
	f.do(func() {
		_, err := f.engine.Resend(m.ID)
		assert.ErrorIs(t, err, ErrNotFailed)
		_, err = f.engine.Resend("missing")
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})
}

func TestDedupLiveThenRecovered(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() {
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "namaste", "astro-9", at)})
		f.engine.TriggerRecovery(SourceJoin, false)
	})
	// 恢复批次中ID不同、时间戳相差十几秒
	f.replyRecovery(wire("srv-1-r", "namaste", "astro-9", at.Add(12*time.Second)))

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, model.MessageReceived, msgs[0].Status)
}

func TestDedupRecoveredThenLive(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() { f.engine.TriggerRecovery(SourceJoin, false) })
	f.replyRecovery(wire("srv-1-r", "namaste", "astro-9", at.Add(12*time.Second)))
	f.do(func() {
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "namaste", "astro-9", at)})
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "namaste", "astro-9", at)})
	})

	assert.Len(t, f.messages(), 1)
}

func TestLiveWindowKeepsDistinctRepeats(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() {
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "ok", "astro-9", at)})
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-2", "ok", "astro-9", at.Add(20*time.Second))})
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-3", "ok", "user-7", at.Add(time.Second))})
	})
	assert.Len(t, f.messages(), 3)
}

func TestRecoverySingleFlight(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() {
		f.engine.TriggerRecovery(SourceJoin, false)
		f.engine.TriggerRecovery(SourceReconnect, false)
		f.engine.TriggerRecovery(SourceReconnect, true)
		f.engine.TriggerRecovery(SourceForeground, false)
	})
	assert.Equal(t, 1, f.recoveryRequests())
	assert.Equal(t, 1, f.pendingRecoveries())

	batch := []protocol.WireMessage{
		wire("m2", "second", "astro-9", at.Add(2*time.Second)),
		wire("m1", "first", "astro-9", at.Add(time.Second)),
	}
	f.replyRecovery(batch...)

	// 完成后只重放最新的一个排队触发
	assert.Equal(t, 2, f.recoveryRequests())
	assert.Equal(t, 1, f.pendingRecoveries())
	f.replyRecovery(batch...)

	assert.Equal(t, 2, f.recoveryRequests())
	assert.Equal(t, 0, f.pendingRecoveries())

	msgs := f.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestRecoveryRateLimit(t *testing.T) {
	f := newFixture(t)

	f.do(func() { f.engine.TriggerRecovery(SourceJoin, false) })
	f.replyRecovery()
	assert.Equal(t, 1, f.recoveryRequests())

	f.do(func() { f.engine.TriggerRecovery(SourceReconnect, false) })
	assert.Equal(t, 1, f.recoveryRequests(), "inside min interval")

	f.do(func() { f.engine.TriggerRecovery(SourceReconnect, true) })
	assert.Equal(t, 2, f.recoveryRequests(), "forced trigger bypasses rate limit")
	f.replyRecovery()

	f.clock.Advance(3 * time.Second)
	f.do(func() { f.engine.TriggerRecovery(SourceForeground, false) })
	assert.Equal(t, 2, f.recoveryRequests(), "foreground uses the longer interval")

	f.do(func() { f.engine.TriggerRecovery(SourceReconnect, false) })
	assert.Equal(t, 3, f.recoveryRequests())
	f.replyRecovery()

	f.clock.Advance(11 * time.Second)
	f.do(func() { f.engine.TriggerRecovery(SourceForeground, false) })
	assert.Equal(t, 4, f.recoveryRequests())
}

func TestRecoveryOfflineIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.ch.SetPhase(model.PhaseDisconnected)
		f.engine.TriggerRecovery(SourceReconnect, true)
	})
	assert.Equal(t, 0, f.recoveryRequests())
}

func TestRecoveryFailureReplaysQueued(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.engine.TriggerRecovery(SourceJoin, false)
		f.engine.TriggerRecovery(SourceReconnect, false)
		f.ch.Fail(f.ch.LastRequest(protocol.EventGetMissedMessages), model.ErrRequestTimeout)
	})
	assert.Equal(t, 2, f.recoveryRequests())
	assert.Equal(t, 1, f.pendingRecoveries())
}

func TestRecoverySinceCursor(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() {
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "hi", "astro-9", at)})
		f.engine.TriggerRecovery(SourceJoin, false)
	})
	var since *protocol.Timestamp
	f.do(func() {
		since = f.ch.LastRequest(protocol.EventGetMissedMessages).Out.(protocol.GetMissedMessages).Since
	})
	require.NotNil(t, since)
	assert.True(t, since.Time.Equal(at.Add(-30*time.Second)))
}

func TestRecoverySinceIgnoresOwnClockSkew(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() { f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "hi", "astro-9", at)}) })

	// 本地时钟快了两分钟，自己发出且已确认的消息带着超前的时间戳
	f.clock.Advance(2 * time.Minute)
	m := f.send("from a fast clock")
	f.ackSend(m.ID, true)
	require.Equal(t, model.MessageSent, f.messages()[1].Status)

	f.do(func() { f.engine.TriggerRecovery(SourceReconnect, true) })
	var since *protocol.Timestamp
	f.do(func() {
		since = f.ch.LastRequest(protocol.EventGetMissedMessages).Out.(protocol.GetMissedMessages).Since
	})
	require.NotNil(t, since)
	assert.True(t, since.Time.Equal(at.Add(-30*time.Second)), "cursor follows counterpart messages only")

	// 只有自己的消息时不带游标
	g := newFixture(t)
	own := g.send("alone")
	g.ackSend(own.ID, true)
	g.do(func() { g.engine.TriggerRecovery(SourceJoin, false) })
	g.do(func() {
		assert.Nil(t, g.ch.LastRequest(protocol.EventGetMissedMessages).Out.(protocol.GetMissedMessages).Since)
	})
}

func TestRecoveryDropsMalformedEntries(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()

	f.do(func() { f.engine.TriggerRecovery(SourceJoin, false) })
	f.do(func() {
		req := f.ch.LastRequest(protocol.EventGetMissedMessages)
		good, _ := json.Marshal(wire("m1", "fine", "astro-9", at))
		f.ch.Reply(req, protocol.MissedMessages{Messages: []json.RawMessage{
			json.RawMessage(`{"id":"bad"}`),
			json.RawMessage(`"not an object"`),
			good,
		}})
	})

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fine", msgs[0].Content)
}

func TestRecoveredCopyConfirmsFailedMessage(t *testing.T) {
	f := newFixture(t)
	m := f.send("hello")
	f.do(func() { f.ch.SetPhase(model.PhaseDisconnected) })
	assert.Equal(t, model.MessageFailed, f.messages()[0].Status)

	f.do(func() {
		f.ch.SetPhase(model.PhaseConnected)
		f.engine.TriggerRecovery(SourceReconnect, false)
	})
	f.replyRecovery(wire(m.ID, "hello", "user-1", m.Timestamp))

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageSent, msgs[0].Status)
}

func TestReceiptsOnlyAdvance(t *testing.T) {
	f := newFixture(t)
	m := f.send("hello")
	f.ackSend(m.ID, true)

	f.do(func() {
		f.ch.Push(protocol.MessageStatusUpdate{BookingID: "b1", ID: m.ID, Status: model.MessageRead})
		f.ch.Push(protocol.MessageStatusUpdate{BookingID: "b1", ID: m.ID, Status: model.MessageDelivered})
	})
	assert.Equal(t, model.MessageRead, f.messages()[0].Status)
}

func TestSessionEndFailsPendingMessages(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, c := range []string{"one", "two", "three"} {
		ids = append(ids, f.send(c).ID)
	}

	var failed int
	f.do(func() { failed = f.engine.FailPending() })
	assert.Equal(t, 3, failed)

	// 迟到的应答不会改变结果
	f.ackSend(ids[0], true)
	for _, m := range f.messages() {
		assert.Equal(t, model.MessageFailed, m.Status)
	}

	f.do(func() {
		_, err := f.engine.Send("four")
		assert.ErrorIs(t, err, model.ErrSessionEnded)
	})
}

func TestCounterpartTypingExpires(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.ch.Push(protocol.TypingIndicator{BookingID: "b1", SenderID: "astro-9", Started: true})
		f.ch.Push(protocol.TypingIndicator{BookingID: "b1", SenderID: "user-1", Started: true})
	})
	assert.True(t, f.typing["astro-9"])
	_, self := f.typing["user-1"]
	assert.False(t, self)

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		var typing bool
		f.do(func() { typing = f.engine.CounterpartTyping() })
		return !typing
	}, 2*time.Second, 10*time.Millisecond)
	f.do(func() {})
	assert.False(t, f.typing["astro-9"])
}

func TestIncomingMessageClearsTyping(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.ch.Push(protocol.TypingIndicator{BookingID: "b1", SenderID: "astro-9", Started: true})
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "hi", "astro-9", f.clock.Now())})
		assert.False(t, f.engine.CounterpartTyping())
	})
}

func TestSetTypingEmitsOnChange(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.engine.SetTyping(true)
		f.engine.SetTyping(true)
		f.engine.SetTyping(false)
		assert.Len(t, f.ch.EmittedFor(protocol.EventTypingStarted), 1)
		assert.Len(t, f.ch.EmittedFor(protocol.EventTypingStopped), 1)
	})
}

func TestScopeCloseStopsProcessing(t *testing.T) {
	f := newFixture(t)
	f.do(func() {
		f.scope.Close()
		assert.Zero(t, f.ch.Subscribers())
		f.ch.Push(protocol.ReceiveMessage{WireMessage: wire("srv-1", "hi", "astro-9", f.clock.Now())})
	})
	assert.Empty(t, f.messages())
}
