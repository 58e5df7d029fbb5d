package redisinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/config"
	"github.com/redis/go-redis/v9"
)

func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// SendLimiter enforces a per-recipient daily send cap. Counters live until the next
// local midnight in the configured zone.
type SendLimiter struct {
	rdb   redis.UniversalClient
	limit int
	loc   *time.Location
}

func NewSendLimiter(rdb redis.UniversalClient, limit int, loc *time.Location) *SendLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &SendLimiter{rdb: rdb, limit: limit, loc: loc}
}

// Allow records one send and reports whether it is within the cap. The decision uses the
// counter value returned by INCR, so concurrent senders can never both slip past the cap.
func (l *SendLimiter) Allow(ctx context.Context, purpose, recipient string, now time.Time) (bool, error) {
	local := now.In(l.loc)
	key := dailyKey(purpose, recipient, local)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, nextMidnight(local))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("daily send counter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}

// Count returns today's send count without modifying it.
func (l *SendLimiter) Count(ctx context.Context, purpose, recipient string, now time.Time) (int64, error) {
	n, err := l.rdb.Get(ctx, dailyKey(purpose, recipient, now.In(l.loc))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func dailyKey(purpose, recipient string, local time.Time) string {
	return fmt.Sprintf("otp:daily:%s:%s:%s", purpose, recipient, local.Format("2006-01-02"))
}

func nextMidnight(local time.Time) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, local.Location())
}
