package lockstep

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// SnapshotCache keeps compressed world downloads so several peers joining
// between the same two rounds share one encoding.
type SnapshotCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func NewSnapshotCache(maxCost int64, ttl time.Duration) (*SnapshotCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1000,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	return &SnapshotCache{cache: c, ttl: ttl}, nil
}

func snapshotKey(round int64, sum [32]byte) string {
	return fmt.Sprintf("%d|%x", round, sum)
}

func (c *SnapshotCache) Get(key string) ([]byte, bool) {
	return c.cache.Get(key)
}

// Put stores blob and waits until it is visible to Get.
func (c *SnapshotCache) Put(key string, blob []byte) {
	c.cache.SetWithTTL(key, blob, int64(len(blob)), c.ttl)
	c.cache.Wait()
}

// Hits is the number of downloads served from the cache.
func (c *SnapshotCache) Hits() uint64 { return c.cache.Metrics.Hits() }

func (c *SnapshotCache) Close() { c.cache.Close() }
