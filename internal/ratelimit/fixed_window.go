// Package ratelimit enforces per-user request ceilings with a Redis
// fixed-window counter, shared across every process behind the same
// Redis.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript bumps the window counter, arms its expiry on first use,
// and answers the quota verdict in one round trip.
var allowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if n > tonumber(ARGV[2]) then
  return 0
end
return 1
`)

const redisTimeout = 2 * time.Second

// Config describes one limiter: Limit requests per Window per key.
type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
}

// Limiter is a Redis-backed fixed-window rate limiter.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// New connects the limiter. Limit and Window must be positive.
func New(cfg Config) (*Limiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter requires a redis addr")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "triagedeck:ratelimit"
	}
	return &Limiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
	}, nil
}

// Allow reports whether key has quota left in the current window.
// Redis failures deny the request: an unavailable limiter must not
// turn into an unlimited API.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	windowMS := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMS
	redisKey := l.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	verdict, err := allowScript.Run(ctx, l.client, []string{redisKey}, windowMS, l.limit).Int64()
	if err != nil {
		return false
	}
	return verdict == 1
}
