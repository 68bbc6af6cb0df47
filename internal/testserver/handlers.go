package testserver

import (
	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// handleMessage 按事件名分发客户端请求
func (s *Server) handleMessage(conn *Connection, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		s.handleHeartbeat(conn, env)
	case protocol.EventJoinRoom:
		s.handleJoin(conn, env)
	case protocol.EventLeaveRoom:
		s.handleLeave(conn, env)
	case protocol.EventSendMessage:
		s.handleSend(conn, env)
	case protocol.EventGetMissedMessages:
		s.handleMissed(conn, env)
	case protocol.EventRequestTimerSync:
		s.handleTimerSync(conn, env)
	case protocol.EventEndSession:
		s.handleEnd(conn, env)
	case protocol.EventTypingStarted, protocol.EventTypingStopped:
		s.handleTyping(conn, env)
	case protocol.EventSignal:
		s.handleSignal(conn, env)
	default:
		s.logger.Warn().Str("event", env.Event.String()).Msg("unknown event")
	}
}

func (s *Server) handleHeartbeat(conn *Connection, env protocol.Envelope) {
	var hb protocol.Heartbeat
	if len(env.Data) > 0 {
		protocol.DecodeReply(env.Data, &hb)
	}
	conn.send(protocol.EventHeartbeatAck, 0, protocol.HeartbeatAck{
		ClientTime: hb.ClientTime,
		ServerTime: s.clock.Now().UnixMilli(),
	})
}

// handleJoin 加入房间；应答携带会话快照，双方到齐时自动开始
func (s *Server) handleJoin(conn *Connection, env protocol.Envelope) {
	var req protocol.JoinRoom
	if err := decodeData(env, &req); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.JoinAck{Success: false, Error: err.Error()})
		return
	}
	if req.RoomID != model.RoomIDFor(req.BookingID) {
		conn.send(protocol.EventAck, env.Ack, protocol.JoinAck{Success: false, Error: "room does not match booking"})
		return
	}

	s.mu.Lock()
	r := s.roomLocked(req.BookingID, req.SessionID)

	var out []delivery
	if r.Status != model.StatusEnded {
		if prev, ok := r.members[conn.UserID]; !ok || prev != conn {
			r.members[conn.UserID] = conn
			out = append(out, fanout(r.others(conn.UserID), protocol.EventParticipantJoined, protocol.Participant{
				BookingID: r.BookingID,
				UserID:    conn.UserID,
			})...)
		}
	}

	data := &protocol.SessionData{
		SessionID:     r.SessionID,
		Status:        string(r.Status),
		CounterpartID: r.counterpart(conn.UserID),
		Budget:        r.Budget,
	}
	if r.Status == model.StatusActive {
		ts := protocol.NewTimestamp(r.StartedAt)
		elapsed := s.elapsedLocked(r)
		data.StartedAt = &ts
		data.Elapsed = &elapsed
	}
	ack := delivery{to: conn, event: protocol.EventAck, ack: env.Ack, payload: protocol.JoinAck{
		Success:     r.Status != model.StatusEnded,
		SessionData: data,
	}}

	var started []delivery
	if s.config.AutoStart && r.Status == model.StatusPending && len(r.members) >= 2 {
		started = s.startLocked(r)
	}
	s.mu.Unlock()

	deliver(append(append([]delivery{ack}, out...), started...))
	s.logger.Debug().Str("user_id", conn.UserID).Str("booking_id", req.BookingID).Msg("joined room")
}

func (s *Server) handleLeave(conn *Connection, env protocol.Envelope) {
	var req protocol.LeaveRoom
	if err := decodeData(env, &req); err != nil {
		return
	}
	s.mu.Lock()
	var out []delivery
	if r, ok := s.rooms[req.BookingID]; ok {
		out = s.leaveLocked(r, conn)
	}
	s.mu.Unlock()
	deliver(out)
}

// handleSend 保存消息并推送给房间内其他成员
func (s *Server) handleSend(conn *Connection, env protocol.Envelope) {
	var req protocol.SendMessage
	if err := decodeData(env, &req); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.SendAck{Success: false, Error: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.SendAck{Success: false, ID: req.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[req.BookingID]
	if !ok || r.members[conn.UserID] != conn {
		s.mu.Unlock()
		conn.send(protocol.EventAck, env.Ack, protocol.SendAck{Success: false, ID: req.ID, Error: "not a member"})
		return
	}
	if r.Status == model.StatusEnded {
		s.mu.Unlock()
		conn.send(protocol.EventAck, env.Ack, protocol.SendAck{Success: false, ID: req.ID, Error: "session ended"})
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = protocol.NewTimestamp(s.clock.Now())
	}
	msg := protocol.WireMessage{
		ID:        req.ID,
		BookingID: req.BookingID,
		Content:   req.Content,
		SenderID:  conn.UserID,
		Timestamp: ts,
	}

	var out []delivery
	if r.storeLocked(msg) {
		targets := r.others(conn.UserID)
		if s.config.EchoToSender {
			targets = r.all()
		}
		out = fanout(targets, protocol.EventReceiveMessage, protocol.ReceiveMessage{WireMessage: msg})
	}
	s.mu.Unlock()

	conn.send(protocol.EventAck, env.Ack, protocol.SendAck{Success: true, ID: req.ID})
	deliver(out)
}

// handleMissed 恢复协议：返回since之后的全部消息
func (s *Server) handleMissed(conn *Connection, env protocol.Envelope) {
	var req protocol.GetMissedMessages
	if err := decodeData(env, &req); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.MissedMessages{})
		return
	}

	s.mu.Lock()
	var reply protocol.MissedMessages
	if r, ok := s.rooms[req.BookingID]; ok {
		reply.Messages = r.since(req.Since)
	}
	s.mu.Unlock()

	conn.send(protocol.EventAck, env.Ack, reply)
}

func (s *Server) handleTimerSync(conn *Connection, env protocol.Envelope) {
	var req protocol.RequestTimerSync
	if err := decodeData(env, &req); err != nil {
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[req.BookingID]
	if !ok {
		s.mu.Unlock()
		return
	}
	update := s.timerUpdateLocked(r)
	s.mu.Unlock()

	conn.send(protocol.EventAck, env.Ack, update)
}

// handleEnd 本地结束：先应答，再向全部成员广播session_ended
func (s *Server) handleEnd(conn *Connection, env protocol.Envelope) {
	var req protocol.EndSession
	if err := decodeData(env, &req); err != nil {
		conn.send(protocol.EventAck, env.Ack, protocol.EndAck{Success: false, Error: err.Error()})
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[req.BookingID]
	if !ok {
		s.mu.Unlock()
		conn.send(protocol.EventAck, env.Ack, protocol.EndAck{Success: false, Error: "unknown booking"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "ended_by_user"
	}
	out := s.endLocked(r, reason, conn.UserID)
	s.mu.Unlock()

	conn.send(protocol.EventAck, env.Ack, protocol.EndAck{Success: true})
	deliver(out)
}

func (s *Server) handleTyping(conn *Connection, env protocol.Envelope) {
	var req protocol.Typing
	if err := decodeData(env, &req); err != nil {
		return
	}

	s.mu.Lock()
	var out []delivery
	if r, ok := s.rooms[req.BookingID]; ok && r.members[conn.UserID] == conn {
		out = fanout(r.others(conn.UserID), env.Event, protocol.TypingIndicator{
			BookingID: req.BookingID,
			SenderID:  conn.UserID,
		})
	}
	s.mu.Unlock()
	deliver(out)
}

// handleSignal 信令只转发给同一会话的对端，带上发送者
func (s *Server) handleSignal(conn *Connection, env protocol.Envelope) {
	var sig protocol.Signal
	if err := decodeData(env, &sig); err != nil {
		return
	}
	if err := sig.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("invalid signal dropped")
		return
	}

	s.mu.Lock()
	var targets []*Connection
	for _, r := range s.rooms {
		if r.SessionID != sig.SessionID || r.members[conn.UserID] != conn {
			continue
		}
		if sig.To != "" {
			if c, ok := r.members[sig.To]; ok {
				targets = append(targets, c)
			}
		} else {
			targets = r.others(conn.UserID)
		}
		break
	}
	s.mu.Unlock()

	deliver(fanout(targets, protocol.EventSignal, protocol.Signal{
		SessionID: sig.SessionID,
		Signal:    sig.Signal,
		From:      conn.UserID,
	}))
}
