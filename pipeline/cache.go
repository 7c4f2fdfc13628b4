package pipeline

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// analysisCache memoizes per-task analysis verdicts across cycles. It is a
// plain FIFO: when full the oldest tenth of the entries is evicted, so
// long-running tasks keep their most recent judgements warm.
type analysisCache struct {
	mu    sync.Mutex
	cap   int
	order []uint64
	items map[uint64]AnalysisResult
}

func newAnalysisCache(capacity int) *analysisCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &analysisCache{
		cap:   capacity,
		items: make(map[uint64]AnalysisResult),
	}
}

func cacheKey(taskQuery, sourceID string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", taskQuery, sourceID)
	return h.Sum64()
}

func (c *analysisCache) get(key uint64) (AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	return r, ok
}

func (c *analysisCache) put(key uint64, r AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		c.items[key] = r
		return
	}
	if len(c.items) >= c.cap {
		drop := c.cap / 10
		if drop < 1 {
			drop = 1
		}
		for _, k := range c.order[:drop] {
			delete(c.items, k)
		}
		c.order = c.order[drop:]
	}
	c.items[key] = r
	c.order = append(c.order, key)
}

func (c *analysisCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
