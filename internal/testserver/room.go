package testserver

import (
	"encoding/json"
	"sort"
	"time"

	"ConsultSync/internal/model"
	"ConsultSync/internal/protocol"
)

// Room 一个预约对应的房间状态，全部字段由Server.mu保护
type Room struct {
	BookingID string
	SessionID string
	Status    model.SessionStatus
	StartedAt time.Time
	Budget    *int
	EndReason string

	members  map[string]*Connection
	messages []protocol.WireMessage
	msgIDs   map[string]bool
	timerSeq uint64
	stopPush chan struct{}
}

// RoomInfo 房间只读快照
type RoomInfo struct {
	BookingID string              `json:"bookingId"`
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	Members   []string            `json:"members"`
	Messages  int                 `json:"messages"`
	Elapsed   int                 `json:"elapsed"`
	Budget    *int                `json:"budget,omitempty"`
}

// delivery 锁外发送的一帧
type delivery struct {
	to      *Connection
	event   protocol.EventName
	ack     uint32
	payload any
}

func deliver(ds []delivery) {
	for _, d := range ds {
		d.to.send(d.event, d.ack, d.payload)
	}
}

// roomLocked 取得或创建房间
func (s *Server) roomLocked(bookingID, sessionID string) *Room {
	r, ok := s.rooms[bookingID]
	if !ok {
		r = &Room{
			BookingID: bookingID,
			SessionID: sessionID,
			Status:    model.StatusPending,
			members:   make(map[string]*Connection),
			msgIDs:    make(map[string]bool),
		}
		if s.config.DefaultBudget > 0 {
			b := s.config.DefaultBudget
			r.Budget = &b
		}
		s.rooms[bookingID] = r
	}
	if r.SessionID == "" {
		r.SessionID = sessionID
	}
	return r
}

func (s *Server) elapsedLocked(r *Room) int {
	if r.Status != model.StatusActive || r.StartedAt.IsZero() {
		return 0
	}
	return int(s.clock.Since(r.StartedAt) / time.Second)
}

func (r *Room) others(userID string) []*Connection {
	out := make([]*Connection, 0, len(r.members))
	for id, c := range r.members {
		if id != userID {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) all() []*Connection {
	return r.others("")
}

func (r *Room) counterpart(userID string) string {
	for id := range r.members {
		if id != userID {
			return id
		}
	}
	return ""
}

// fanout 向一组连接发送同一事件
func fanout(conns []*Connection, event protocol.EventName, payload any) []delivery {
	out := make([]delivery, 0, len(conns))
	for _, c := range conns {
		out = append(out, delivery{to: c, event: event, payload: payload})
	}
	return out
}

// startLocked 开始计费并启动计时推送
func (s *Server) startLocked(r *Room) []delivery {
	if r.Status == model.StatusActive || r.Status == model.StatusEnded {
		return nil
	}
	r.Status = model.StatusActive
	r.StartedAt = s.clock.Now()
	s.logger.Info().Str("booking_id", r.BookingID).Msg("session started")

	if s.config.TimerInterval > 0 {
		r.stopPush = make(chan struct{})
		s.bgWg.Add(1)
		go s.timerPushLoop(r, r.stopPush)
	}

	ts := protocol.NewTimestamp(r.StartedAt)
	return fanout(r.all(), protocol.EventSessionStarted, protocol.SessionStarted{
		BookingID: r.BookingID,
		SessionID: r.SessionID,
		StartedAt: &ts,
	})
}

// endLocked 结束会话并通知全部成员
func (s *Server) endLocked(r *Room, reason, endedBy string) []delivery {
	if r.Status == model.StatusEnded {
		return nil
	}
	r.Status = model.StatusEnded
	r.EndReason = reason
	if r.stopPush != nil {
		close(r.stopPush)
		r.stopPush = nil
	}
	s.logger.Info().Str("booking_id", r.BookingID).Str("reason", reason).Msg("session ended")

	return fanout(r.all(), protocol.EventSessionEnded, protocol.SessionEnded{
		BookingID: r.BookingID,
		EndedBy:   endedBy,
		Reason:    reason,
	})
}

// timerUpdateLocked 生成下一条权威计时更新
func (s *Server) timerUpdateLocked(r *Room) protocol.TimerUpdate {
	r.timerSeq++
	ts := protocol.NewTimestamp(s.clock.Now())
	update := protocol.TimerUpdate{
		BookingID:  r.BookingID,
		Elapsed:    s.elapsedLocked(r),
		Seq:        r.timerSeq,
		ServerTime: &ts,
	}
	if r.Budget != nil {
		b := *r.Budget
		update.Budget = &b
	}
	return update
}

// timerPushLoop 周期推送计时，预算耗尽时结束会话
func (s *Server) timerPushLoop(r *Room, stop chan struct{}) {
	defer s.bgWg.Done()

	ticker := s.clock.NewTicker(s.config.TimerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.mu.Lock()
			if r.Status != model.StatusActive {
				s.mu.Unlock()
				return
			}
			update := s.timerUpdateLocked(r)
			out := fanout(r.all(), protocol.EventTimerUpdate, update)
			if r.Budget != nil && update.Elapsed >= *r.Budget {
				out = append(out, s.endLocked(r, "budget_exhausted", "system")...)
			}
			s.mu.Unlock()
			deliver(out)
		}
	}
}

// storeLocked 保存消息，按ID去重
func (r *Room) storeLocked(m protocol.WireMessage) bool {
	if r.msgIDs[m.ID] {
		return false
	}
	r.msgIDs[m.ID] = true
	r.messages = append(r.messages, m)
	sort.SliceStable(r.messages, func(i, j int) bool {
		return r.messages[i].Timestamp.Before(r.messages[j].Timestamp.Time)
	})
	return true
}

// since 返回不早于since的消息
func (r *Room) since(since *protocol.Timestamp) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(r.messages))
	for _, m := range r.messages {
		if since != nil && !since.IsZero() && m.Timestamp.Before(since.Time) {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// leaveAllLocked 连接断开时从所有房间移除
func (s *Server) leaveAllLocked(conn *Connection) []delivery {
	var out []delivery
	for _, r := range s.rooms {
		if member, ok := r.members[conn.UserID]; ok && member == conn {
			out = append(out, s.leaveLocked(r, conn)...)
		}
	}
	return out
}

func (s *Server) leaveLocked(r *Room, conn *Connection) []delivery {
	if r.members[conn.UserID] != conn {
		return nil
	}
	delete(r.members, conn.UserID)
	return fanout(r.all(), protocol.EventParticipantLeft, protocol.Participant{
		BookingID: r.BookingID,
		UserID:    conn.UserID,
	})
}

func (s *Server) infoLocked(r *Room) RoomInfo {
	info := RoomInfo{
		BookingID: r.BookingID,
		SessionID: r.SessionID,
		Status:    r.Status,
		Messages:  len(r.messages),
		Elapsed:   s.elapsedLocked(r),
		Budget:    r.Budget,
	}
	for id := range r.members {
		info.Members = append(info.Members, id)
	}
	sort.Strings(info.Members)
	return info
}
