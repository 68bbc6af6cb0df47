package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"ConsultSync/internal/protocol"
)

// setupRoutes 设置WebSocket入口与控制接口
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")

	control := s.router.PathPrefix("/control").Subrouter()
	control.HandleFunc("/disconnect", s.disconnectHandler).Methods("POST")
	control.HandleFunc("/auth", s.authHandler).Methods("POST")
	control.HandleFunc("/drop", s.dropHandler).Methods("POST")

	rooms := s.router.PathPrefix("/rooms").Subrouter()
	rooms.HandleFunc("/{bookingId}", s.getRoomHandler).Methods("GET")
	rooms.HandleFunc("/{bookingId}/start", s.startHandler).Methods("POST")
	rooms.HandleFunc("/{bookingId}/end", s.endHandler).Methods("POST")
	rooms.HandleFunc("/{bookingId}/messages", s.listMessagesHandler).Methods("GET")
	rooms.HandleFunc("/{bookingId}/messages", s.pushMessageHandler).Methods("POST")
	rooms.HandleFunc("/{bookingId}/timer", s.pushTimerHandler).Methods("POST")
}

// ---- 程序化控制 ----

// StartSession 开始计费并广播session_started
func (s *Server) StartSession(bookingID string) error {
	s.mu.Lock()
	r, ok := s.rooms[bookingID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown booking %s", bookingID)
	}
	out := s.startLocked(r)
	s.mu.Unlock()
	deliver(out)
	return nil
}

// EndSession 服务器侧结束会话
func (s *Server) EndSession(bookingID, reason, endedBy string) error {
	s.mu.Lock()
	r, ok := s.rooms[bookingID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown booking %s", bookingID)
	}
	out := s.endLocked(r, reason, endedBy)
	s.mu.Unlock()
	deliver(out)
	return nil
}

// PushMessage 以某个用户身份写入一条消息；live为false时只存储不推送，
// 用来模拟断线期间错过的消息
func (s *Server) PushMessage(bookingID string, m protocol.WireMessage, live bool) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = protocol.NewTimestamp(s.clock.Now())
	}
	m.BookingID = bookingID

	s.mu.Lock()
	r := s.roomLocked(bookingID, "")
	stored := r.storeLocked(m)
	var out []delivery
	if stored && live {
		out = fanout(r.others(m.SenderID), protocol.EventReceiveMessage, protocol.ReceiveMessage{WireMessage: m})
	}
	s.mu.Unlock()

	if !stored {
		return fmt.Errorf("message %s already stored", m.ID)
	}
	deliver(out)
	return nil
}

// PushTimer 推送一条权威计时更新；budget为nil时沿用房间预算
func (s *Server) PushTimer(bookingID string, budget *int) (protocol.TimerUpdate, error) {
	s.mu.Lock()
	r, ok := s.rooms[bookingID]
	if !ok {
		s.mu.Unlock()
		return protocol.TimerUpdate{}, fmt.Errorf("unknown booking %s", bookingID)
	}
	if budget != nil {
		b := *budget
		r.Budget = &b
	}
	update := s.timerUpdateLocked(r)
	out := fanout(r.all(), protocol.EventTimerUpdate, update)
	s.mu.Unlock()

	deliver(out)
	return update, nil
}

// Messages 房间内已存储的消息
func (s *Server) Messages(bookingID string) []protocol.WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[bookingID]
	if !ok {
		return nil
	}
	out := make([]protocol.WireMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Room 房间快照
func (s *Server) Room(bookingID string) (RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[bookingID]
	if !ok {
		return RoomInfo{}, false
	}
	return s.infoLocked(r), true
}

// ---- HTTP控制接口 ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.ForceDisconnectAll()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) authHandler(w http.ResponseWriter, r *http.Request) {
	reject, err := strconv.ParseBool(r.URL.Query().Get("reject"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reject must be a boolean"))
		return
	}
	s.RejectAuth(reject)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reject": reject})
}

func (s *Server) dropHandler(w http.ResponseWriter, r *http.Request) {
	event := protocol.EventName(r.URL.Query().Get("event"))
	if !protocol.IsOutboundEvent(event) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown event %q", event))
		return
	}
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count < 0 {
		count = 1
	}
	s.DropRequests(event, count)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": event, "count": count})
}

func (s *Server) getRoomHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Room(mux.Vars(r)["bookingId"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("room not found"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.StartSession(mux.Vars(r)["bookingId"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) endHandler(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "ended_by_server"
	}
	if err := s.EndSession(mux.Vars(r)["bookingId"], reason, "system"); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Messages(mux.Vars(r)["bookingId"]))
}

func (s *Server) pushMessageHandler(w http.ResponseWriter, r *http.Request) {
	var m protocol.WireMessage
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if m.SenderID == "" || m.Content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("senderId and content are required"))
		return
	}
	live := r.URL.Query().Get("live") != "false"
	if err := s.PushMessage(mux.Vars(r)["bookingId"], m, live); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) pushTimerHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Budget *int `json:"budget"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	update, err := s.PushTimer(mux.Vars(r)["bookingId"], body.Budget)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}
