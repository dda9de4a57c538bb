package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatsEvent is Count admission decisions with the same outcome, recorded
// best-effort. A zero Count means one.
type StatsEvent struct {
	Family  string
	Allowed bool
	Count   int64
	At      time.Time
}

// StatsRecorder persists admission decisions. Callers treat errors as
// non-fatal.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStats keeps per-family allowed/denied counters in Redis hashes, with a
// per-minute series that expires after ttl. Client identities are never
// written, only route families.
type RedisStats struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisStatsOption func(*RedisStats)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

func NewRedisStats(rdb *redis.Client, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "ingest:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStats) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}
	family := ev.Family
	if family == "" {
		family = "unknown"
	}

	n := ev.Count
	if n <= 0 {
		n = 1
	}

	totalKey := s.prefix + ":total"
	minuteKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, family+":"+field, n)
	pipe.HIncrBy(ctx, minuteKey, family+":"+field, n)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the underlying client.
func (s *RedisStats) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

type statsKey struct {
	family  string
	allowed bool
}

// StatsBuffer counts admission decisions in memory and hands them to a
// StatsRecorder in batches. Observe never blocks on the recorder, so a slow
// or unreachable backend costs nothing on the request path. Counts that fail
// to flush are dropped.
type StatsBuffer struct {
	rec StatsRecorder
	now func() time.Time

	mu     sync.Mutex
	counts map[statsKey]int64
}

func NewStatsBuffer(rec StatsRecorder, now func() time.Time) *StatsBuffer {
	if now == nil {
		now = time.Now
	}
	return &StatsBuffer{rec: rec, now: now, counts: make(map[statsKey]int64)}
}

// Observe counts one decision. A nil buffer ignores it.
func (b *StatsBuffer) Observe(family string, allowed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.counts[statsKey{family: family, allowed: allowed}]++
	b.mu.Unlock()
}

// Flush records everything observed since the previous flush.
func (b *StatsBuffer) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	pending := b.counts
	b.counts = make(map[statsKey]int64, len(pending))
	b.mu.Unlock()

	if b.rec == nil || len(pending) == 0 {
		return nil
	}
	at := b.now()
	var errs []error
	for k, n := range pending {
		ev := StatsEvent{Family: k.family, Allowed: k.allowed, Count: n, At: at}
		if err := b.rec.Record(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", k.family, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes every interval until ctx ends. Each flush gets at most one
// interval to finish.
func (b *StatsBuffer) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if b == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, interval)
			if err := b.Flush(flushCtx); err != nil {
				logger.Warn("rate limit stats flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}
