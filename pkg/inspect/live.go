package inspect

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/pkg/state"
)

// liveEvent is one frame of the /live stream.
type liveEvent struct {
	Stack string           `json:"stack"`
	Entry state.AuditEntry `json:"entry"`
}

// hub fans audit events out to connected websocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type hub struct {
	mu    sync.Mutex
	conns map[chan liveEvent]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[chan liveEvent]struct{})}
}

func (h *hub) subscribe() chan liveEvent {
	ch := make(chan liveEvent, 64)
	h.mu.Lock()
	h.conns[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan liveEvent) {
	h.mu.Lock()
	delete(h.conns, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(ev liveEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.conns {
		select {
		case ch <- ev:
		default:
			delete(h.conns, ch)
			close(ch)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The inspector is read-only and typically mounted behind the
	// embedder's own auth; same-origin enforcement is left to them.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLive upgrades to a websocket and streams audit events until the
// client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Reader goroutine: discard client frames, notice disconnects.
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
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
