package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseTimeCache persists measured response times in Redis so a client
// restarted mid-session can still synthesize degraded standings.
// Samples are appended as: RPUSH roundsync:rt:{sessionID} "{userUID}|{ms}"
type ResponseTimeCache struct {
	client *redis.Client
	ttl    time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewResponseTimeCache(client *redis.Client, ttl time.Duration) *ResponseTimeCache {
	return &ResponseTimeCache{
		client: client,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *ResponseTimeCache) Record(ctx context.Context, sessionID, userUID string, responseTimeMs int64) error {
	key := c.key(sessionID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, userUID+"|"+strconv.FormatInt(responseTimeMs, 10))
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record response time: %w", err)
	}
	return nil
}

// Best returns the lowest recorded time per user. Malformed samples are
// skipped.
func (c *ResponseTimeCache) Best(ctx context.Context, sessionID string) (map[string]int64, error) {
	samples, err := c.client.LRange(ctx, c.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read response times: %w", err)
	}
	best := make(map[string]int64)
	for _, raw := range samples {
		idx := strings.LastIndexByte(raw, '|')
		if idx <= 0 {
			continue
		}
		ms, err := strconv.ParseInt(raw[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		uid := raw[:idx]
		if cur, ok := best[uid]; !ok || ms < cur {
			best[uid] = ms
		}
	}
	return best, nil
}

// Forget deletes the session's samples.
func (c *ResponseTimeCache) Forget(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, c.key(sessionID)).Err()
}

func (c *ResponseTimeCache) key(sessionID string) string {
	return "roundsync:rt:" + sessionID
}

func (c *ResponseTimeCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
