package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig 为按客户端地址限流的配置，RequestsPerSecond <= 0 表示不限流。
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Burst             int           `mapstructure:"burst"`
	EntryTTL          time.Duration `mapstructure:"entryTTL"`
}

// DefaultRateLimitConfig 返回创建会话接口的默认限流配置。
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             5,
		EntryTTL:          10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// clientLimiter 为每个客户端地址维护一个令牌桶，过期条目在 Allow 时顺带清理。
type clientLimiter struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	entries   map[string]*limiterEntry
	lastPrune time.Time
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultRateLimitConfig().EntryTTL
	}
	return &clientLimiter{
		cfg:       cfg,
		entries:   make(map[string]*limiterEntry),
		lastPrune: time.Now(),
	}
}

func (l *clientLimiter) enabled() bool {
	return l != nil && l.cfg.RequestsPerSecond > 0
}

func (l *clientLimiter) Allow(key string) bool {
	if !l.enabled() {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.cfg.EntryTTL {
		cutoff := now.Add(-l.cfg.EntryTTL)
		for k, entry := range l.entries {
			if entry.lastAccess.Before(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.entries[key] = entry
	}
	entry.lastAccess = now
	return entry.limiter.Allow()
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
