// Package ws implements the WebSocket adapter for streaming session events
// to clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/rtfm-si/boardroom/internal/domain/event"
)

// Replayer loads the persisted events of a session with sequence greater
// than afterSeq, in order. Wired to the Postgres event store.
type Replayer func(ctx context.Context, sessionID string, afterSeq int64) ([]event.SessionEvent, error)

// conn is a single subscriber to one session's stream. Events flow through
// the send channel to a dedicated writer goroutine, which also owns the
// replay-then-live dedup cursor.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	fromSeq   int64
	send      chan event.SessionEvent
	cancel    context.CancelFunc
}

// Hub manages per-session WebSocket subscriptions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*conn]struct{}
	replay   Replayer
}

// NewHub creates a hub. replay may be nil, in which case subscribers only
// receive events appended after they connect.
func NewHub(replay Replayer) *Hub {
	return &Hub{
		sessions: make(map[string]map[*conn]struct{}),
		replay:   replay,
	}
}

// sendBuffer bounds the per-connection live queue. A subscriber that falls
// this far behind is disconnected rather than blocking the stream.
const sendBuffer = 256

// HandleWS upgrades the connection and subscribes it to one session's
// stream. Query params: session_id (required), from_sequence (optional:
// replay persisted events after this sequence before going live).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	var fromSeq int64 = -1
	if raw := r.URL.Query().Get("from_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "from_sequence must be a non-negative integer", http.StatusBadRequest)
			return
		}
		fromSeq = n
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:        ws,
		sessionID: sessionID,
		fromSeq:   fromSeq,
		send:      make(chan event.SessionEvent, sendBuffer),
		cancel:    cancel,
	}

	// Register before replay so no live event falls in the gap; the
	// writer's sequence cursor filters the resulting duplicates.
	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*conn]struct{})
		h.sessions[sessionID] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "session_id", sessionID, "remote", r.RemoteAddr, "from_sequence", fromSeq)

	go h.writeLoop(ctx, c)

	// Read loop detects disconnects and consumes pings.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// writeLoop replays persisted events first, then streams live ones. The
// cursor guarantees each sequence is written at most once and in order.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	cursor := int64(0)

	if h.replay != nil && c.fromSeq >= 0 {
		events, err := h.replay(ctx, c.sessionID, c.fromSeq)
		if err != nil {
			slog.Error("websocket replay failed", "session_id", c.sessionID, "error", err)
			h.remove(c)
			_ = c.ws.Close(websocket.StatusInternalError, "replay failed")
			return
		}
		cursor = c.fromSeq
		for _, ev := range events {
			if err := writeEvent(ctx, c.ws, ev); err != nil {
				h.remove(c)
				return
			}
			cursor = ev.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.send:
			if ev.Sequence <= cursor {
				continue
			}
			if err := writeEvent(ctx, c.ws, ev); err != nil {
				slog.Debug("websocket write failed", "session_id", c.sessionID, "error", err)
				h.remove(c)
				return
			}
			cursor = ev.Sequence
		}
	}
}

// Publish fans an event out to every subscriber of its session. Delivery
// is best-effort: a subscriber whose queue is full is disconnected.
func (h *Hub) Publish(_ context.Context, ev event.SessionEvent) {
	h.mu.RLock()
	subs := h.sessions[ev.SessionID]
	conns := make([]*conn, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- ev:
		default:
			slog.Warn("websocket subscriber too slow, dropping", "session_id", ev.SessionID)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active subscribers for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[c]; ok {
		c.cancel()
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessions, c.sessionID)
		}
		slog.Info("websocket disconnected", "session_id", c.sessionID)
	}
}
