// Package broadcast defines the port for pushing sequenced events to live observers.
package broadcast

import (
	"context"

	"github.com/rtfm-si/boardroom/internal/domain/event"
)

// Broadcaster pushes an already-sequenced event to every observer
// subscribed to its session. Delivery is best-effort; the durable event
// row is the source of truth and observers recover gaps via replay.
type Broadcaster interface {
	Publish(ctx context.Context, ev event.SessionEvent)
}
