package tilecache

import (
	"container/list"
	"time"

	"github.com/cespare/xxhash/v2"

	"pageview/internal/geometry"
)

// entry is a cached tile. Entries are owned exclusively by their tier; the
// hot and warm tiers may each hold their own copy of the same tile so their
// LRU orders stay independent.
type entry struct {
	key        geometry.TileCoordinate
	data       []byte
	size       int64
	sum        uint64
	lastAccess time.Time
}

// tier is one LRU cache level. maxEntries bounds the entry count;
// maxBytes, when non-zero, additionally bounds the total payload size.
// Not safe for concurrent use; the Manager serializes access.
type tier struct {
	maxEntries int
	maxBytes   int64
	curBytes   int64
	items      map[geometry.TileCoordinate]*list.Element
	lru        *list.List
}

func newTier(maxEntries int, maxBytes int64) *tier {
	return &tier{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[geometry.TileCoordinate]*list.Element),
		lru:        list.New(),
	}
}

func (t *tier) len() int { return t.lru.Len() }

func (t *tier) get(key geometry.TileCoordinate) (*entry, bool) {
	elem, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.lru.MoveToFront(elem)
	ent := elem.Value.(*entry)
	ent.lastAccess = time.Now()
	return ent, true
}

func (t *tier) has(key geometry.TileCoordinate) bool {
	_, ok := t.items[key]
	return ok
}

// set inserts or refreshes an entry and evicts from the LRU tail until both
// budgets hold again. Returns the number of entries evicted.
func (t *tier) set(key geometry.TileCoordinate, data []byte) int {
	if elem, ok := t.items[key]; ok {
		ent := elem.Value.(*entry)
		t.curBytes += int64(len(data)) - ent.size
		ent.data = data
		ent.size = int64(len(data))
		ent.sum = xxhash.Sum64(data)
		ent.lastAccess = time.Now()
		t.lru.MoveToFront(elem)
		return t.evictOver()
	}

	ent := &entry{
		key:        key,
		data:       data,
		size:       int64(len(data)),
		sum:        xxhash.Sum64(data),
		lastAccess: time.Now(),
	}
	t.items[key] = t.lru.PushFront(ent)
	t.curBytes += ent.size
	return t.evictOver()
}

func (t *tier) evictOver() int {
	evicted := 0
	for t.lru.Len() > t.maxEntries || (t.maxBytes > 0 && t.curBytes > t.maxBytes) {
		oldest := t.lru.Back()
		if oldest == nil {
			break
		}
		t.removeElement(oldest)
		evicted++
	}
	return evicted
}

func (t *tier) remove(key geometry.TileCoordinate) bool {
	elem, ok := t.items[key]
	if !ok {
		return false
	}
	t.removeElement(elem)
	return true
}

func (t *tier) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(t.items, ent.key)
	t.lru.Remove(elem)
	t.curBytes -= ent.size
}

func (t *tier) clear() {
	t.items = make(map[geometry.TileCoordinate]*list.Element)
	t.lru = list.New()
	t.curBytes = 0
}

// keys snapshots the tier's keys, most recent first.
func (t *tier) keys() []geometry.TileCoordinate {
	out := make([]geometry.TileCoordinate, 0, t.lru.Len())
	for elem := t.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*entry).key)
	}
	return out
}
