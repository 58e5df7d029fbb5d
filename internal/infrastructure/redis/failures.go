package redisinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureLimiter counts failed verifications per subject. Once max failures land
// inside the window the subject is locked until the counter expires.
type FailureLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

func NewFailureLimiter(rdb redis.UniversalClient, prefix string, max int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{rdb: rdb, prefix: prefix, max: max, window: window}
}

// Locked reports whether subject has used up its failures for the current window.
func (l *FailureLimiter) Locked(ctx context.Context, subject string) (bool, error) {
	n, err := l.rdb.Get(ctx, l.key(subject)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read failure counter: %w", err)
	}
	return n >= int64(l.max), nil
}

// RecordFailure adds one failure. The window starts at the first failure and is not
// extended by later ones.
func (l *FailureLimiter) RecordFailure(ctx context.Context, subject string) error {
	key := l.key(subject)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("expire failure counter: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful verification.
func (l *FailureLimiter) Reset(ctx context.Context, subject string) error {
	if err := l.rdb.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("reset failure counter: %w", err)
	}
	return nil
}

func (l *FailureLimiter) key(subject string) string {
	return l.prefix + ":fail:" + subject
}
