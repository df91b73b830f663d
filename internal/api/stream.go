package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// streamEvent is one JSON frame on the realtime stream.
type streamEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}

// streamHub fans events out to connected stream clients. A slow client
// that fills its buffer is dropped rather than blocking the others.
type streamHub struct {
	mu   sync.Mutex
	subs map[chan streamEvent]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: map[chan streamEvent]struct{}{}}
}

func (h *streamHub) subscribe() (chan streamEvent, func()) {
	ch := make(chan streamEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func (h *streamHub) broadcast(ev streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to WebSocket after checking the query token.
// The upgrade request cannot carry custom headers, so this is the one
// endpoint where the query parameter is the primary credential; the
// acceptance rule is the same as for Bearer tokens.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.acceptToken(r.Context(), r.URL.Query().Get("token")) {
		s.auditf(r, "stream_auth_failed", "missing or invalid token")
		writeUnauthorized(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, unsub := s.hub.subscribe()
	defer unsub()

	conn.SetReadLimit(1 << 16)

	// Reader goroutine: drain control frames and detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
