package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is a rate-limit verdict. RetryAfter is only meaningful when the
// request was denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed per identity. The window is anchored
// at the first request in it, not wall-clock aligned: simpler, and no
// thundering herd at aligned boundaries, at the cost of letting up to twice
// the nominal rate through across a window seam.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewLimiter constructs a Limiter. prefix namespaces the counter keys.
func NewLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// Check records the attempt and returns the verdict. The attempt is counted
// whether or not the caller ultimately rejects the request for other reasons.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	counter := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, counter).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("auth: rate limit incr: %w", err)
	}
	if count == 1 {
		// First request opens the window.
		if err := l.client.PExpire(ctx, counter, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("auth: rate limit expire: %w", err)
		}
	}
	if count <= l.limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, counter).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return Decision{RetryAfter: ttl}, nil
}

// LoginIPKey keys the broad login limiter by source address.
func LoginIPKey(ip string) string {
	return "ip:" + ip
}

// LoginAccountKey keys the targeted login limiter by source address and the
// submitted account identifier.
func LoginAccountKey(ip, identifier string) string {
	return "acct:" + ip + ":" + strings.ToLower(strings.TrimSpace(identifier))
}
