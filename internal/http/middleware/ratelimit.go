package middleware

// Redis-backed token bucket limiter protecting the scheduler behind the
// gateway. Booking writes get a tighter budget than reads so a misbehaving
// client cannot flood the per-vehicle locks with admission attempts. Buckets
// are kept per authenticated actor, falling back to the client address for
// unauthenticated traffic.

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

type RateLimiter struct {
	client *redis.Client
	read   RateConfig
	write  RateConfig
	bucket *redis.Script
}

func NewRateLimiter(client *redis.Client, read RateConfig, write RateConfig) *RateLimiter {
	if client == nil {
		return nil
	}
	return &RateLimiter{
		client: client,
		read:   read,
		write:  write,
		bucket: redis.NewScript(bucketScript),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.read.enabled() && !l.write.enabled()) {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := l.scopeFor(r.Method)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := l.Allow(r.Context(), scope+":"+callerIdentity(r), cfg)
		if err != nil {
			// Redis trouble must not take the API down with it.
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(retryAfter)))
			}
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) scopeFor(method string) (string, RateConfig) {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read", l.read
	default:
		return "write", l.write
	}
}

// Allow spends one token from the named bucket. The second return value is
// how long the caller should wait before retrying when refused.
func (l *RateLimiter) Allow(ctx context.Context, bucket string, cfg RateConfig) (bool, time.Duration, error) {
	key := "fleetsched:rl:" + bucket
	raw, err := l.bucket.Run(ctx, l.client, []string{key},
		time.Now().UnixMilli(), cfg.Rate, cfg.Burst).Result()
	if err != nil {
		return false, 0, err
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, errors.New("malformed bucket reply")
	}
	granted, err := replyNumber(reply[0])
	if err != nil {
		return false, 0, err
	}
	if granted == 1 {
		return true, 0, nil
	}
	waitSeconds, err := replyNumber(reply[1])
	if err != nil {
		return false, 0, err
	}
	return false, time.Duration(waitSeconds * float64(time.Second)), nil
}

// callerIdentity prefers the authenticated actor over the network address so
// one actor behind a NAT cannot starve everyone else behind it. The token is
// validated downstream; here it only names the bucket.
func callerIdentity(r *http.Request) string {
	if sub := subjectFromBearer(r.Header.Get("Authorization")); sub != "" {
		return sub
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func subjectFromBearer(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	parts := strings.Split(header[len(prefix):], ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if json.Unmarshal(payload, &claims) != nil {
		return ""
	}
	return claims.Sub
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func replyNumber(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, errors.New("unsupported reply type")
	}
}

const bucketScript = `
local tokens, stamp = unpack(redis.call('HMGET', KEYS[1], 't', 'ts'))
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

tokens = tonumber(tokens) or burst
stamp = tonumber(stamp) or now

local elapsed = math.max(0, now - stamp)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local granted = 0
local wait = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
else
  wait = (1 - tokens) / rate
end

redis.call('HMSET', KEYS[1], 't', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst / rate * 1000))

if granted == 1 then
  return {1, 0}
else
  return {0, tostring(wait)}
end
`
