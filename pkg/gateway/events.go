package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/observability"
)

// Event is one lifecycle notification pushed to /events subscribers.
type Event struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Servers     int       `json:"servers,omitempty"`
	Tools       int       `json:"tools,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Event types carried on the wire.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventDiscoveryCompleted = "discovery.completed"
)

// eventHub fans events out to WebSocket subscribers. Slow subscribers
// drop events rather than block the publisher.
type eventHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	gauge  *observability.Gauge
	log    *slog.Logger
}

type subscriber struct {
	ch chan Event
}

func newEventHub(log *slog.Logger, gauge *observability.Gauge) *eventHub {
	return &eventHub{
		subs:  make(map[*subscriber]struct{}),
		gauge: gauge,
		log:   log,
	}
}

func (h *eventHub) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.log.Debug("event dropped for slow subscriber", "type", ev.Type)
		}
	}
}

func (h *eventHub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Event, 32)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	h.gauge.Set(int64(len(h.subs)))
	h.mu.Unlock()
	return sub
}

func (h *eventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.gauge.Set(int64(len(h.subs)))
	h.mu.Unlock()
}

// closeAll drops every subscriber; their serve loops see the closed
// channel and finish with a going-away close frame.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.closed = true
	h.gauge.Set(0)
	h.mu.Unlock()
}

// handleEvents upgrades the request and streams events until the
// client leaves or the hub closes. Browsers cannot set Authorization
// on a WebSocket handshake, so a token query parameter is accepted
// as a fallback.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.ClaimsFrom(r.Context()); !ok {
		raw := r.URL.Query().Get("token")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if _, err := s.tokens.VerifyAccess(raw); err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Gateway.AllowedOrigins,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The subscriber never sends. Reading surfaces the close frame.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	s.log.Debug("event subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.log.Debug("event write failed", "error", err)
				conn.Close(websocket.StatusProtocolError, "write failed")
				return
			}
		}
	}
}
