package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ConsultSync/internal/model"
)

// TestEncodeDecodeFrame 信封编码解码
func TestEncodeDecodeFrame(t *testing.T) {
	frame, err := EncodeFrame(EventJoinRoom, 7, JoinRoom{
		BookingID: "b1", SessionID: "s1", RoomID: "booking_b1", UserID: "u1",
	})
	require.NoError(t, err)

	env, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, env.Event)
	assert.Equal(t, uint32(7), env.Ack)
	assert.False(t, env.IsReply())

	var p JoinRoom
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "booking_b1", p.RoomID)
}

// TestDecodeFrameErrors 非法帧
func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte("{"))
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	_, err = DecodeFrame([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrame([]byte(`{"ack":1}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrame([]byte(strings.Repeat("x", MaxFrameSize+1)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestDecodeInboundReceiveMessage 合法消息
func TestDecodeInboundReceiveMessage(t *testing.T) {
	env := Envelope{
		Event: EventReceiveMessage,
		Data:  json.RawMessage(`{"id":"m1","content":"hi","senderId":"astro","timestamp":"2025-01-02T03:04:05.123Z"}`),
	}

	in, err := DecodeInbound(env)
	require.NoError(t, err)

	msg, ok := in.(ReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 123000000, time.UTC), msg.Timestamp.Time)
}

// TestDecodeInboundRejectsMalformed 缺字段的负载被拒绝
func TestDecodeInboundRejectsMalformed(t *testing.T) {
	cases := []Envelope{
		{Event: EventReceiveMessage, Data: json.RawMessage(`{"id":"m1","senderId":"a","timestamp":"2025-01-01T00:00:00Z"}`)},
		{Event: EventReceiveMessage, Data: json.RawMessage(`{"id":"m1","content":"x","senderId":"a"}`)},
		{Event: EventSessionEnded, Data: json.RawMessage(`{"reason":"x"}`)},
		{Event: EventTimerUpdate, Data: json.RawMessage(`{"bookingId":"b","elapsed":-1}`)},
		{Event: EventSignal, Data: json.RawMessage(`{"sessionId":"s","signal":{"type":"bogus","payload":{}}}`)},
		{Event: EventMessageStatus, Data: json.RawMessage(`{"id":"m","status":"failed"}`)},
		{Event: EventSessionStarted},
		{Event: "something_new", Data: json.RawMessage(`{}`)},
	}

	for _, env := range cases {
		_, err := DecodeInbound(env)
		assert.ErrorIs(t, err, model.ErrMalformedPayload, "event %s", env.Event)
	}
}

// TestDecodeInboundTyping 输入状态事件
func TestDecodeInboundTyping(t *testing.T) {
	in, err := DecodeInbound(Envelope{
		Event: EventTypingStarted,
		Data:  json.RawMessage(`{"bookingId":"b","senderId":"astro"}`),
	})
	require.NoError(t, err)
	typing := in.(TypingIndicator)
	assert.True(t, typing.Started)
	assert.Equal(t, EventTypingStarted, typing.Event())
}

// TestTimestampFormats 多种时间格式
func TestTimestampFormats(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, raw := range []string{
		`"2025-03-01T10:00:00Z"`,
		`"2025-03-01T10:00:00.000Z"`,
		`"2025-03-01T12:00:00+02:00"`,
		`"2025-03-01T10:00:00"`,
		`"2025-03-01 10:00:00"`,
		`1740823200000`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		assert.True(t, want.Equal(ts.Time), "%s parsed as %s", raw, ts.Time)
	}

	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

// TestTimerOrder 序号和服务器时间分别比较
func TestTimerOrder(t *testing.T) {
	st := NewTimestamp(time.UnixMilli(1000))
	later := NewTimestamp(time.UnixMilli(2000))

	assert.Equal(t, 1, TimerUpdate{Seq: 5}.Order().Compare(TimerOrder{Seq: 4}))
	assert.Equal(t, 0, TimerUpdate{Seq: 5}.Order().Compare(TimerOrder{Seq: 5}))
	assert.Equal(t, -1, TimerUpdate{ServerTime: &st}.Order().Compare(TimerUpdate{ServerTime: &later}.Order()))
	assert.Equal(t, 1, TimerUpdate{}.Order().Compare(TimerOrder{Seq: 9}))

	// 只带服务器时间的更新不会让后续的序号更新显得过期
	applied := TimerOrder{}.Merge(TimerUpdate{ServerTime: &later}.Order())
	assert.Equal(t, 1, TimerUpdate{Seq: 1}.Order().Compare(applied))
	applied = applied.Merge(TimerUpdate{Seq: 1}.Order())
	assert.Equal(t, uint64(1), applied.Seq)
	assert.True(t, applied.At.Equal(later.Time))
}

// TestDecodeWireMessagesSkipsBadItems 恢复批次中坏条目单独丢弃
func TestDecodeWireMessagesSkipsBadItems(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id":"1","content":"a","senderId":"x","timestamp":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`{"id":"2","content":"","senderId":"x","timestamp":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`[]`),
		json.RawMessage(`{"id":"3","content":"c","senderId":"x","timestamp":1735689600000}`),
	}

	msgs, errs := DecodeWireMessages(raw)
	require.Len(t, msgs, 2)
	assert.Len(t, errs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "3", msgs[1].ID)
}

// TestWireMessageRole 根据发送方推导角色与状态
func TestWireMessageRole(t *testing.T) {
	w := WireMessage{ID: "1", Content: "x", SenderID: "me", Timestamp: NewTimestamp(time.Now())}
	own := w.ToMessage("me")
	assert.Equal(t, model.RoleUser, own.SenderRole)
	assert.Equal(t, model.MessageSent, own.Status)

	other := w.ToMessage("someone-else")
	assert.Equal(t, model.RoleCounterpart, other.SenderRole)
	assert.Equal(t, model.MessageReceived, other.Status)
}

// TestOutboundValidate 出站校验
func TestOutboundValidate(t *testing.T) {
	assert.Error(t, SendMessage{ID: "1"}.Validate())
	assert.NoError(t, SendMessage{ID: "1", Content: "hello"}.Validate())
	assert.Error(t, JoinRoom{BookingID: "b"}.Validate())
	assert.Equal(t, EventTypingStopped, Typing{BookingID: "b"}.Event())
	assert.True(t, IsOutboundEvent(EventSignal))
	assert.True(t, IsInboundEvent(EventSignal))
	assert.False(t, IsInboundEvent(EventJoinRoom))
}
