package execute

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
)

// GuardConcurrency names the runtime concurrent-query guard in rejections.
const GuardConcurrency = "concurrent_queries"

// acquireScript atomically counts a query in unless the tenant is at its
// cap. The TTL keeps crashed workers from pinning slots forever.
var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return 0
end
return 1
`)

// Limiter caps in-flight queries per tenant. Slots are tracked in Redis so
// the cap holds across replicas; when Redis is unreachable the limiter
// degrades to a per-process count rather than refusing all queries.
type Limiter struct {
	client  *redis.Client
	max     int
	slotTTL time.Duration
	logger  *logging.Logger

	mu    sync.Mutex
	local map[string]int
}

// NewLimiter creates a limiter. A nil client runs purely in-process.
func NewLimiter(client *redis.Client, maxPerTenant int, logger *logging.Logger) *Limiter {
	if maxPerTenant <= 0 {
		maxPerTenant = 5
	}
	return &Limiter{
		client:  client,
		max:     maxPerTenant,
		slotTTL: 5 * time.Minute,
		logger:  logger,
		local:   make(map[string]int),
	}
}

// Acquire claims a slot for one query. The returned release function must
// be called exactly once when the query finishes.
func (l *Limiter) Acquire(ctx context.Context, tenantID string) (func(), error) {
	if l.client == nil {
		return l.acquireLocal(tenantID)
	}

	key := "huntql:inflight:" + tenantID
	ok, err := acquireScript.Run(ctx, l.client, []string{key}, l.max, l.slotTTL.Milliseconds()).Int()
	if err != nil {
		l.logger.WarnContext(ctx, "concurrency limiter falling back to local counting", "error", err)
		return l.acquireLocal(tenantID)
	}
	if ok == 0 {
		return nil, apperr.SafetyRejected(GuardConcurrency,
			"tenant %q already has %d queries in flight", tenantID, l.max)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.Decr(rctx, key).Err(); err != nil {
				l.logger.Warn("failed to release query slot", "tenant_id", tenantID, "error", err)
			}
		})
	}
	return release, nil
}

func (l *Limiter) acquireLocal(tenantID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local[tenantID] >= l.max {
		return nil, apperr.SafetyRejected(GuardConcurrency,
			"tenant %q already has %d queries in flight", tenantID, l.max)
	}
	l.local[tenantID]++

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.local[tenantID] > 0 {
				l.local[tenantID]--
			}
		})
	}
	return release, nil
}
