package aggregation

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 256

// keyMutex provides per-key locking over a fixed set of stripes. Two keys may
// share a stripe; that costs contention, never correctness.
type keyMutex struct {
	stripes [stripeCount]sync.Mutex
}

func (m *keyMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &m.stripes[h.Sum32()%stripeCount]
	mu.Lock()
	return mu
}
