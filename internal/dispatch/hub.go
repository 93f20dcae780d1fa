package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Session is one connected user.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub pushes match events to the shopper and traveler of each match while they
// hold a websocket open. A reconnect replaces the previous session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{sessions: make(map[string]*Session), log: log}
}

func (h *Hub) Add(userID string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	old, replaced := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if replaced {
		old.conn.Close()
	} else {
		observability.LiveSessions.Inc()
	}
	return s
}

// Remove drops s if it is still the user's current session.
func (h *Hub) Remove(userID string, s *Session) {
	h.mu.Lock()
	cur, ok := h.sessions[userID]
	if ok && cur == s {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()
	if ok && cur == s {
		observability.LiveSessions.Dec()
	}
	s.conn.Close()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Serve registers conn for userID and blocks until the client goes away.
// Clients only listen; anything they send is discarded.
func (h *Hub) Serve(userID string, conn *websocket.Conn) {
	s := h.Add(userID, conn)
	defer h.Remove(userID, s)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) Send(userID string, ev events.Event) error {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		h.log.Warn("ws send error", "user_id", userID, "error", err)
		h.Remove(userID, s)
		return err
	}
	return nil
}

// Publish implements events.Sink. Parties without a live session are skipped.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	var errs []error
	for _, id := range []string{ev.ShopperID, ev.TravelerID} {
		if id == "" {
			continue
		}
		if err := h.Send(id, ev); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
		observability.LiveSessions.Dec()
	}
}
