package componistd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pytrms/componist/internal/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitConfig defines the limit for one method or the global limit.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustainable rate (tokens added per second).
	RequestsPerSecond float64

	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int
}

// DefaultRateLimits keeps a misbehaving bridge from flooding the routine.
// The instrument reports about one cycle per second, so bursts cover
// reconnect catch-up.
var DefaultRateLimits = map[string]RateLimitConfig{
	ReportCycleMethod: {RequestsPerSecond: 20, BurstSize: 100},
	StatusMethod:      {RequestsPerSecond: 50, BurstSize: 100},
	PingMethod:        {RequestsPerSecond: 1000, BurstSize: 1000},
}

// configMethods maps the method keys of daemon.rate_limits to full gRPC
// method names.
var configMethods = map[string]string{
	"report_cycle": ReportCycleMethod,
	"status":       StatusMethod,
	"ping":         PingMethod,
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	ratePerSec float64
	maxTokens  float64
	requests   int64
	denied     int64
}

func newTokenBucket(cfg RateLimitConfig) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(cfg.BurstSize),
		lastUpdate: time.Now(),
		ratePerSec: cfg.RequestsPerSecond,
		maxTokens:  float64(cfg.BurstSize),
	}
}

// refill must be called with mu held.
func (tb *tokenBucket) refill(now time.Time) {
	tb.tokens = min(tb.maxTokens, tb.tokens+now.Sub(tb.lastUpdate).Seconds()*tb.ratePerSec)
	tb.lastUpdate = now
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requests++
	tb.refill(time.Now())
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	tb.denied++
	return false
}

func (tb *tokenBucket) stats() (available float64, requests, denied int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tb.tokens, tb.requests, tb.denied
}

// RateLimiter applies token-bucket limits per gRPC method.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	configs map[string]RateLimitConfig
	global  *tokenBucket
	enabled bool
}

// MethodStats is the state of one method's bucket.
type MethodStats struct {
	Method         string
	Available      float64
	TotalRequests  int64
	DeniedRequests int64
}

// RateLimiterOption configures the RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMethodLimits overrides limits for specific methods.
func WithMethodLimits(limits map[string]RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		for method, cfg := range limits {
			rl.configs[method] = cfg
		}
	}
}

// WithGlobalLimit adds a limit shared by all methods.
func WithGlobalLimit(cfg RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.global = newTokenBucket(cfg)
	}
}

// WithEnabled enables or disables rate limiting.
func WithEnabled(enabled bool) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.enabled = enabled
	}
}

// RateLimiterOptions translates the daemon configuration into limiter
// options. Unknown method keys are rejected.
func RateLimiterOptions(cfg config.DaemonConfig) ([]RateLimiterOption, error) {
	opts := []RateLimiterOption{WithEnabled(cfg.RateLimitEnabled)}

	limits := make(map[string]RateLimitConfig, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		method, ok := configMethods[key]
		if !ok {
			return nil, fmt.Errorf("daemon.rate_limits: unknown method %q", key)
		}
		limits[method] = RateLimitConfig{RequestsPerSecond: limit.RequestsPerSecond, BurstSize: limit.Burst}
	}
	if len(limits) > 0 {
		opts = append(opts, WithMethodLimits(limits))
	}
	if cfg.GlobalRateLimit.Burst > 0 {
		opts = append(opts, WithGlobalLimit(RateLimitConfig{
			RequestsPerSecond: cfg.GlobalRateLimit.RequestsPerSecond,
			BurstSize:         cfg.GlobalRateLimit.Burst,
		}))
	}
	return opts, nil
}

// NewRateLimiter creates a rate limiter seeded with DefaultRateLimits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		configs: make(map[string]RateLimitConfig),
		enabled: true,
	}
	for method, cfg := range DefaultRateLimits {
		rl.configs[method] = cfg
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether a call to method may proceed, consuming a token.
func (rl *RateLimiter) Allow(method string) bool {
	if !rl.IsEnabled() {
		return true
	}
	if rl.global != nil && !rl.global.allow() {
		return false
	}
	bucket := rl.bucket(method)
	if bucket == nil {
		return true
	}
	return bucket.allow()
}

func (rl *RateLimiter) bucket(method string) *tokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[method]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok = rl.buckets[method]; ok {
		return bucket
	}
	cfg, ok := rl.configs[method]
	if !ok {
		return nil
	}
	bucket = newTokenBucket(cfg)
	rl.buckets[method] = bucket
	return bucket
}

// Stats returns statistics for every configured method, sorted by name.
func (rl *RateLimiter) Stats() []MethodStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make([]MethodStats, 0, len(rl.configs))
	for method, cfg := range rl.configs {
		ms := MethodStats{Method: method, Available: float64(cfg.BurstSize)}
		if bucket, ok := rl.buckets[method]; ok {
			ms.Available, ms.TotalRequests, ms.DeniedRequests = bucket.stats()
		}
		stats = append(stats, ms)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Method < stats[j].Method })
	return stats
}

// IsEnabled reports whether rate limiting is active.
func (rl *RateLimiter) IsEnabled() bool {
	return rl.enabled
}

// UnaryServerInterceptor rejects calls over the limit with ResourceExhausted.
func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Allow(info.FullMethod) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
