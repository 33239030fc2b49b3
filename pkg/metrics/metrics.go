package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fileguard/pkg/domain"
)

var counterScript = redis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return count
`)

// retention keeps daily counters long enough to read yesterday across
// timezone skew, then lets Redis reclaim them.
const retention = 48 * time.Hour

// Counters aggregates per-tenant daily scan statistics in Redis. All methods
// are nil-safe no-ops when Redis is not configured; metrics must never fail
// a scan.
type Counters struct {
	client *redis.Client
	prefix string
}

// NewCounters builds a Redis-backed counter set. Returns nil when addr is
// empty, which every method tolerates.
func NewCounters(addr, password, prefix string) *Counters {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "fileguard:scan:metrics"
	}
	return &Counters{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// RecordScan bumps today's counters for one completed scan attempt.
func (c *Counters) RecordScan(tenantID string, verdict domain.Verdict, duration time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	day := time.Now().UTC().Format("20060102")
	incr := map[string]int64{
		c.key("scans", tenantID, day):       1,
		c.key("duration_ms", tenantID, day): duration.Milliseconds(),
	}
	if verdict == domain.VerdictInfected {
		incr[c.key("infected", tenantID, day)] = 1
	}
	for key, delta := range incr {
		if delta == 0 {
			continue
		}
		if err := counterScript.Run(ctx, c.client, []string{key}, delta, retention.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("bump counter %s: %w", key, err)
		}
	}
	return nil
}

// Today reads today's counters for a tenant. Missing keys read as zero.
func (c *Counters) Today(ctx context.Context, tenantID string) (scans, infected int64, avgMS float64, err error) {
	if c == nil || c.client == nil {
		return 0, 0, 0, nil
	}
	day := time.Now().UTC().Format("20060102")
	scans, err = c.readInt(ctx, c.key("scans", tenantID, day))
	if err != nil {
		return 0, 0, 0, err
	}
	infected, err = c.readInt(ctx, c.key("infected", tenantID, day))
	if err != nil {
		return 0, 0, 0, err
	}
	durationMS, err := c.readInt(ctx, c.key("duration_ms", tenantID, day))
	if err != nil {
		return 0, 0, 0, err
	}
	if scans > 0 {
		avgMS = float64(durationMS) / float64(scans)
	}
	return scans, infected, avgMS, nil
}

// Close releases the Redis client.
func (c *Counters) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Counters) readInt(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return val, nil
}

func (c *Counters) key(name, tenantID, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, name, sanitizeSegment(tenantID), day)
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
