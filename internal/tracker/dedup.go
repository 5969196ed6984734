package tracker

import (
	"context"
	"time"

	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/kostpay/chat-gateway/pkg/redis"
)

const (
	seenKeyPrefix  = "delivery:seen:"
	defaultSeenTTL = 24 * time.Hour
)

// EventDeduper is a best-effort duplicate filter keyed on event id. The
// stream redelivers on consumer crashes and the bridge can replay events;
// a SetNX marker absorbs most of that before it reaches the database. The
// status CAS in the ledger is the actual correctness boundary, so losing
// a marker is harmless.
type EventDeduper struct {
	redis redis.RedisAdapter
	ttl   time.Duration
}

func NewEventDeduper(adapter redis.RedisAdapter, ttl time.Duration) *EventDeduper {
	if ttl == 0 {
		ttl = defaultSeenTTL
	}
	return &EventDeduper{redis: adapter, ttl: ttl}
}

// Claim marks eventID as seen. Returns false when another consumer already
// claimed it. A redis error counts as claimed; blocking the pipeline on a
// cache failure would be worse than the occasional duplicate write.
func (d *EventDeduper) Claim(ctx context.Context, eventID string) bool {
	claimed, err := d.redis.SetNX(seenKeyPrefix+eventID, []byte("1"), d.ttl)
	if err != nil {
		logger.Warn("event dedup check failed, processing anyway", "event_id", eventID, "error", err)
		return true
	}
	return claimed
}

// Release drops the seen marker so a failed event can be retried by the
// queue's redelivery.
func (d *EventDeduper) Release(ctx context.Context, eventID string) {
	if err := d.redis.Del(seenKeyPrefix + eventID); err != nil {
		logger.Warn("failed to release event dedup marker", "event_id", eventID, "error", err)
	}
}
