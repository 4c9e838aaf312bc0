// Package tilecache stores rendered tile bytes and page metadata across
// three tiers with independent eviction: a small hot tier for tiles near
// the viewport, a larger byte-budgeted warm tier for prefetched tiles, and
// an unbounded metadata tier scoped to the current document.
package tilecache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"pageview/internal/geometry"
)

// Defaults used by Config.withDefaults.
const (
	DefaultHotCapacity  = 50
	DefaultWarmCapacity = 200
	DefaultWarmMaxBytes = 200 << 20
)

type Config struct {
	// HotCapacity bounds the hot (L1) tier by entry count.
	HotCapacity int
	// WarmCapacity and WarmMaxBytes bound the warm (L2) tier; eviction
	// runs until both budgets are satisfied.
	WarmCapacity int
	WarmMaxBytes int64
}

func (c Config) withDefaults() Config {
	if c.HotCapacity <= 0 {
		c.HotCapacity = DefaultHotCapacity
	}
	if c.WarmCapacity <= 0 {
		c.WarmCapacity = DefaultWarmCapacity
	}
	if c.WarmMaxBytes <= 0 {
		c.WarmMaxBytes = DefaultWarmMaxBytes
	}
	return c
}

// PageMetadata is the per-page record kept in the metadata (L3) tier. It
// lives for the whole document session and is cleared only on document
// switch.
type PageMetadata struct {
	Page         int
	Width        float64
	Height       float64
	HasTextLayer bool
	TextLayer    string
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	HotEntries     int
	WarmEntries    int
	WarmBytes      int64
	Hits           int64
	Misses         int64
	Promotions     int64
	Evictions      int64
	CorruptEvicted int64
}

// Manager owns the three cache tiers. All methods are safe for concurrent
// use.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	hot      *tier
	warm     *tier
	meta     map[int]PageMetadata
	document string
	log      *zap.Logger

	hits           int64
	misses         int64
	promotions     int64
	evictions      int64
	corruptEvicted int64
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("Tile cache initialized",
		zap.Int("hot_tiles", cfg.HotCapacity),
		zap.Int("warm_tiles", cfg.WarmCapacity),
		zap.Int64("warm_max_bytes", cfg.WarmMaxBytes),
	)
	return &Manager{
		cfg:  cfg,
		hot:  newTier(cfg.HotCapacity, 0),
		warm: newTier(cfg.WarmCapacity, cfg.WarmMaxBytes),
		meta: make(map[int]PageMetadata),
		log:  log,
	}
}

// Get returns the cached bytes for a tile. A hot hit refreshes recency; a
// warm hit additionally promotes the tile into the hot tier so that
// recently-prefetched tiles stay cheap to reach.
func (m *Manager) Get(t geometry.TileCoordinate) ([]byte, bool) {
	key := t.Normalized()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ent, ok := m.hot.get(key); ok {
		if m.verify(m.hot, ent) {
			m.hits++
			return ent.data, true
		}
		// fall through to the warm tier; the hot copy was corrupt
	}
	if ent, ok := m.warm.get(key); ok {
		if m.verify(m.warm, ent) {
			m.hits++
			m.promotions++
			m.evictions += int64(m.hot.set(key, ent.data))
			return ent.data, true
		}
	}
	m.misses++
	return nil, false
}

// verify rechecks the entry's checksum. A mismatch means the bytes were
// corrupted after caching; the entry is evicted and treated as a miss.
func (m *Manager) verify(t *tier, ent *entry) bool {
	if xxhash.Sum64(ent.data) == ent.sum {
		return true
	}
	t.remove(ent.key)
	m.corruptEvicted++
	m.log.Warn("Evicted corrupt cache entry",
		zap.Int("page", ent.key.Page),
		zap.Int("tile_x", ent.key.X),
		zap.Int("tile_y", ent.key.Y),
		zap.Float64("scale", ent.key.Scale),
	)
	return false
}

// Has reports whether a tile is cached in either tile tier, without
// refreshing recency.
func (m *Manager) Has(t geometry.TileCoordinate) bool {
	key := t.Normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hot.has(key) || m.warm.has(key)
}

// Set stores rendered bytes. Every tile goes to the warm tier; hot marks
// it additionally into the hot tier (callers pass hot for critical-priority
// renders). Re-setting an existing key refreshes recency and replaces the
// bytes.
func (m *Manager) Set(t geometry.TileCoordinate, data []byte, hot bool) {
	key := t.Normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions += int64(m.warm.set(key, data))
	if hot {
		m.evictions += int64(m.hot.set(key, data))
	}
}

// Evict drops a tile from both tile tiers. Callers use this when cached
// bytes fail to decode downstream.
func (m *Manager) Evict(t geometry.TileCoordinate) {
	key := t.Normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hot.remove(key) {
		m.evictions++
	}
	if m.warm.remove(key) {
		m.evictions++
	}
}

// GetFallback returns the same tile at scale 1 when the requested scale is
// not cached, so callers can show a low-fidelity placeholder while the
// high-resolution render is in flight.
func (m *Manager) GetFallback(t geometry.TileCoordinate) ([]byte, bool) {
	fallback := t.Normalized()
	if fallback.Scale == 1 {
		return nil, false
	}
	fallback.Scale = 1
	return m.Get(fallback)
}

// SetDocument switches the manager to a new document, clearing all three
// tiers atomically. Switching to the already-tracked id is a no-op, which
// lets callers invoke it defensively on every load without losing state.
func (m *Manager) SetDocument(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.document {
		return
	}
	m.hot.clear()
	m.warm.clear()
	m.meta = make(map[int]PageMetadata)
	m.document = id
	m.log.Info("Document switched, caches cleared", zap.String("document", id))
}

// Document returns the currently tracked document id.
func (m *Manager) Document() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.document
}

// OnModeTransition clears only the hot tier. A navigation-mode change
// invalidates which tiles are near the viewport, not the rendered bytes,
// which stay reusable from the warm tier.
func (m *Manager) OnModeTransition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := m.hot.len()
	m.hot.clear()
	m.log.Debug("Mode transition, hot tier cleared", zap.Int("cleared", cleared))
}

// EvictDistant removes hot-tier entries whose page lies farther than
// keepRadius from currentPage. Used during fast navigation to bound memory
// ahead of natural LRU pressure.
func (m *Manager) EvictDistant(currentPage, keepRadius int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.hot.keys() {
		d := key.Page - currentPage
		if d < 0 {
			d = -d
		}
		if d > keepRadius {
			m.hot.remove(key)
			removed++
		}
	}
	m.evictions += int64(removed)
	if removed > 0 {
		m.log.Debug("Evicted distant tiles",
			zap.Int("current_page", currentPage),
			zap.Int("keep_radius", keepRadius),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// SetPageMetadata stores a page's metadata record in the L3 tier.
func (m *Manager) SetPageMetadata(md PageMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[md.Page] = md
}

// PageMetadata returns the stored metadata for a page, if any.
func (m *Manager) PageMetadata(page int) (PageMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.meta[page]
	return md, ok
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		HotEntries:     m.hot.len(),
		WarmEntries:    m.warm.len(),
		WarmBytes:      m.warm.curBytes,
		Hits:           m.hits,
		Misses:         m.misses,
		Promotions:     m.promotions,
		Evictions:      m.evictions,
		CorruptEvicted: m.corruptEvicted,
	}
}
