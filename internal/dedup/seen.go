package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "mail:seen:"

// SeenCache remembers ingested Message-IDs in Redis so repeat deliveries skip
// the store lookup. Redis failures are treated as a miss and the store stays
// authoritative.
type SeenCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewClient parses a redis:// URL and pings the server
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewSeenCache creates a cache whose entries expire after ttl
func NewSeenCache(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *SeenCache {
	return &SeenCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Seen reports whether messageID was marked recently
func (s *SeenCache) Seen(ctx context.Context, messageID string) bool {
	n, err := s.rdb.Exists(ctx, keyPrefix+messageID).Result()
	if err != nil {
		s.logger.WithError(err).WithField("message_id", messageID).Warn("Seen cache lookup failed")
		return false
	}
	return n > 0
}

// MarkSeen records messageID
func (s *SeenCache) MarkSeen(ctx context.Context, messageID string) {
	if err := s.rdb.Set(ctx, keyPrefix+messageID, 1, s.ttl).Err(); err != nil {
		s.logger.WithError(err).WithField("message_id", messageID).Warn("Failed to mark message as seen")
	}
}
