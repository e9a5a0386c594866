package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rtfm-si/boardroom/internal/domain/cost"
	"github.com/rtfm-si/boardroom/internal/port/database"
	"github.com/rtfm-si/boardroom/internal/port/ledger"
	"github.com/rtfm-si/boardroom/internal/port/messagequeue"
)

// costKeyPrefix namespaces cached session totals in the tiered cache.
const costKeyPrefix = "cost:"

// CostCache is the subset of the tiered cache used for session totals.
type CostCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CostService records per-call cost attribution. A ledger write failure
// never fails deliberation: the session is flagged has_untracked_costs and
// work continues.
type CostService struct {
	ledger  ledger.Ledger
	store   database.Store
	cache   CostCache
	queue   messagequeue.Queue
	costTTL time.Duration
}

// NewCostService creates a CostService. cache and queue may be nil.
func NewCostService(l ledger.Ledger, store database.Store, cache CostCache, queue messagequeue.Queue, costTTL time.Duration) *CostService {
	return &CostService{ledger: l, store: store, cache: cache, queue: queue, costTTL: costTTL}
}

// Record persists one cost entry. On ledger failure the session is flagged
// instead; the returned bool reports whether the record was tracked.
func (s *CostService) Record(ctx context.Context, rec *cost.Record) bool {
	if err := s.ledger.Record(ctx, rec); err != nil {
		slog.Error("cost record failed, flagging session",
			"session_id", rec.SessionID, "feature", rec.Feature, "amount_usd", rec.AmountUSD, "error", err)
		if flagErr := s.store.SetUntrackedCosts(ctx, rec.SessionID); flagErr != nil {
			slog.Error("flag untracked costs failed", "session_id", rec.SessionID, "error", flagErr)
		}
		return false
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, costKeyPrefix+rec.SessionID); err != nil {
			slog.Debug("cost cache invalidate failed", "session_id", rec.SessionID, "error", err)
		}
	}

	if s.queue != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := s.queue.Publish(ctx, messagequeue.SubjectSessionCosts+"."+rec.SessionID, data); err != nil {
				slog.Warn("cost fan-out failed", "session_id", rec.SessionID, "error", err)
			}
		}
	}
	return true
}

// SessionTotal returns the aggregate cost for a session, served from the
// tiered cache when fresh.
func (s *CostService) SessionTotal(ctx context.Context, sessionID string) (*cost.Summary, error) {
	key := costKeyPrefix + sessionID
	if s.cache != nil {
		var cached cost.Summary
		if found, err := s.cache.GetJSON(ctx, key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	sum, err := s.ledger.SessionTotal(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, sum, s.costTTL); err != nil {
			slog.Debug("cost cache set failed", "session_id", sessionID, "error", err)
		}
	}
	return sum, nil
}
