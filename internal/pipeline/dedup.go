package pipeline

import (
	"container/list"

	"github.com/zw834675966/ems/internal/domain"
)

// signature is the exact identity of a point value used for duplicate
// suppression. False positives are not acceptable, so the value component
// is bit-exact for floats.
type signature struct {
	tsMs    int64
	value   string
	quality string
}

func signatureOf(value domain.PointValue) signature {
	return signature{
		tsMs:    value.TsMs,
		value:   value.Value.SignatureKey(),
		quality: value.Quality,
	}
}

func dedupKey(value domain.PointValue) string {
	return value.TenantID + "/" + value.ProjectID + "/" + value.PointID
}

// dedupCache remembers the most recent signature per point, bounded by
// capacity with least-recently-seen eviction. Evictions cause false
// negatives, never false positives.
type dedupCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type dedupEntry struct {
	key string
	sig signature
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// isDuplicate reports whether the signature matches the point's last known
// one, recording it otherwise.
func (c *dedupCache) isDuplicate(value domain.PointValue) bool {
	if c.capacity <= 0 {
		return false
	}
	key := dedupKey(value)
	sig := signatureOf(value)
	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*dedupEntry)
		if entry.sig == sig {
			c.order.MoveToFront(element)
			return true
		}
		entry.sig = sig
		c.order.MoveToFront(element)
		return false
	}
	element := c.order.PushFront(&dedupEntry{key: key, sig: sig})
	c.entries[key] = element
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
	}
	return false
}
