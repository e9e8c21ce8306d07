package memory

import (
	"context"
	"sync"
)

type sample struct {
	userUID string
	ms      int64
}

// ResponseTimeCache keeps an append-only list of measured response times
// per session in process memory.
type ResponseTimeCache struct {
	mu       sync.RWMutex
	sessions map[string][]sample
}

func NewResponseTimeCache() *ResponseTimeCache {
	return &ResponseTimeCache{
		sessions: make(map[string][]sample),
	}
}

func (c *ResponseTimeCache) Record(_ context.Context, sessionID, userUID string, responseTimeMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = append(c.sessions[sessionID], sample{userUID: userUID, ms: responseTimeMs})
	return nil
}

// Best returns the lowest recorded time per user.
func (c *ResponseTimeCache) Best(_ context.Context, sessionID string) (map[string]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best := make(map[string]int64)
	for _, s := range c.sessions[sessionID] {
		if cur, ok := best[s.userUID]; !ok || s.ms < cur {
			best[s.userUID] = s.ms
		}
	}
	return best, nil
}

// Forget drops everything recorded for sessionID.
func (c *ResponseTimeCache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}
