package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/rtfm-si/boardroom/internal/domain/event"
)

// Message is the wire envelope for one session event.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev event.SessionEvent) error {
	data, err := json.Marshal(Message{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Sequence:  ev.Sequence,
		Payload:   ev.Payload,
		Timestamp: ev.CreatedAt,
	})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
