// Package service contains the orchestration services: session lifecycle,
// deliberation driving, event sequencing, cost tracking, termination and
// crash recovery.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rtfm-si/boardroom/internal/domain/event"
	"github.com/rtfm-si/boardroom/internal/port/broadcast"
	"github.com/rtfm-si/boardroom/internal/port/eventstore"
	"github.com/rtfm-si/boardroom/internal/port/messagequeue"
)

// SequencerService is the single path through which session events are
// emitted. It serializes appends per session so sequences are assigned in
// emission order, then fans the durable event out to live observers
// (WebSocket hub) and the message queue. Fan-out is best-effort: the
// appended row is the source of truth and observers recover via replay.
type SequencerService struct {
	events eventstore.Store
	hub    broadcast.Broadcaster
	queue  messagequeue.Queue

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSequencerService creates a SequencerService. hub and queue may be nil.
func NewSequencerService(events eventstore.Store, hub broadcast.Broadcaster, queue messagequeue.Queue) *SequencerService {
	return &SequencerService{
		events: events,
		hub:    hub,
		queue:  queue,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *SequencerService) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Release drops the per-session lock once a session reaches a terminal
// status and no further events can be emitted for it.
func (s *SequencerService) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sessionID)
}

// Emit appends an event to the session's stream and fans it out. The
// payload is marshaled to JSON; a nil payload becomes an empty object.
// Returns the durable event with its assigned sequence.
func (s *SequencerService) Emit(ctx context.Context, sessionID string, typ event.Type, payload any) (*event.SessionEvent, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	ev := &event.SessionEvent{
		SessionID: sessionID,
		Type:      typ,
		Payload:   raw,
	}

	l := s.sessionLock(sessionID)
	l.Lock()
	err := s.events.Append(ctx, ev)
	l.Unlock()
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Publish(ctx, *ev)
	}
	if s.queue != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			err = s.queue.Publish(ctx, messagequeue.SubjectSessionEvents+"."+sessionID, data)
		}
		if err != nil {
			slog.Warn("event fan-out to queue failed", "session_id", sessionID, "type", typ, "error", err)
		}
	}

	return ev, nil
}
