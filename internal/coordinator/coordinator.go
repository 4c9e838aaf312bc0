// Package coordinator is the single entry point for turning render
// requests into pixel bytes. It owns the render concurrency budget,
// coalesces concurrent identical requests, consults the tile cache before
// rendering, and stores successful results back by priority tier.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pageview/internal/geometry"
	"pageview/internal/strategy"
	"pageview/internal/tilecache"
)

const (
	// DefaultMaxConcurrent bounds simultaneous rasterizer invocations.
	DefaultMaxConcurrent = 8

	// defaultMaxFullPageZoom is the zoom above which whole-page bitmaps
	// are refused regardless of what the active strategy says; a full
	// page above 4x is too large to render in one piece.
	defaultMaxFullPageZoom = 4.0
)

type Config struct {
	MaxConcurrent   int
	MaxFullPageZoom float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxFullPageZoom <= 0 {
		c.MaxFullPageZoom = defaultMaxFullPageZoom
	}
	return c
}

// Stats is a point-in-time snapshot of coordinator activity, merged with
// the cache's counters.
type Stats struct {
	Requests        int64
	CacheHits       int64
	Coalesced       int64
	Rendered        int64
	Failures        int64
	Aborted         int64
	InFlight        int
	Mode            string
	ModeTransitions int64
	LastTransition  time.Duration
	Cache           tilecache.Stats
}

// Coordinator orchestrates cache lookup, request coalescing, bounded
// concurrency and cancellation around an injected Rasterizer. Safe for
// concurrent use.
type Coordinator struct {
	cfg   Config
	ras   Rasterizer
	cache *tilecache.Manager
	log   *zap.Logger

	// sem bounds concurrent rasterizer calls. Waiters are granted permits
	// in FIFO order as releases occur.
	sem *semaphore.Weighted

	// group coalesces concurrent requests with equal keys into a single
	// rasterizer invocation whose result every caller shares.
	group singleflight.Group

	mu       sync.Mutex
	mode     strategy.Mode
	strat    strategy.Strategy
	document string
	cancels  map[string]context.CancelFunc

	requests        int64
	cacheHits       int64
	coalesced       int64
	rendered        int64
	failures        int64
	aborted         int64
	modeTransitions int64
	lastTransition  time.Duration
}

func New(ras Rasterizer, cache *tilecache.Manager, cfg Config, log *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		ras:     ras,
		cache:   cache,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		mode:    strategy.ModeScroll,
		strat:   strategy.ForMode(strategy.ModeScroll),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetDocument switches the active document. The cache decides whether
// anything actually clears, so calling this defensively on every load is
// free.
func (c *Coordinator) SetDocument(id string) {
	c.mu.Lock()
	c.document = id
	c.mu.Unlock()
	c.cache.SetDocument(id)
}

// RequestRender resolves one request to a Result. Cached tiles return
// immediately without touching the concurrency budget; otherwise the
// request is coalesced with any identical in-flight request, waits for a
// render permit, and runs the rasterizer.
func (c *Coordinator) RequestRender(req Request) Result {
	c.mu.Lock()
	c.requests++
	ras := c.ras
	doc := c.document
	c.mu.Unlock()

	if ras == nil {
		return c.fail(Result{Err: ErrNoRasterizer})
	}
	if doc == "" {
		return c.fail(Result{Err: ErrNoDocument})
	}

	if req.Kind == KindTile {
		if data, ok := c.cache.Get(req.Tile); ok {
			c.mu.Lock()
			c.cacheHits++
			c.mu.Unlock()
			return Result{Data: data, FromCache: true}
		}
	}

	key := req.Key()
	v, _, shared := c.group.Do(key, func() (interface{}, error) {
		return c.execute(key, req, ras, doc), nil
	})
	if shared {
		c.mu.Lock()
		c.coalesced++
		c.mu.Unlock()
	}
	return v.(Result)
}

// execute runs exactly once per in-flight key. The cancellation token is
// checked before acquiring a permit and again after: a request may be
// cancelled while queued. Once the rasterizer has been invoked,
// cancellation is cooperative only; a result that arrives after its token
// was aborted is still cached.
func (c *Coordinator) execute(key string, req Request, ras Rasterizer, doc string) Result {
	ctx, cancel := context.WithCancel(req.context())
	c.track(key, cancel)
	defer c.untrack(key)
	defer cancel()

	if ctx.Err() != nil {
		return c.fail(Result{Err: ErrAborted})
	}

	// Blocks without polling when no permit is free; a context abort
	// while queued unblocks with an error.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return c.fail(Result{Err: ErrAborted})
	}
	defer c.sem.Release(1)

	if ctx.Err() != nil {
		return c.fail(Result{Err: ErrAborted})
	}

	start := time.Now()
	var data []byte
	var err error
	switch req.Kind {
	case KindTile:
		data, err = ras.RenderTile(ctx, doc, req.Tile)
	default:
		data, err = ras.RenderPage(ctx, doc, req.Page, req.Scale)
	}
	if err != nil {
		c.log.Warn("Render failed",
			zap.String("key", key),
			zap.Error(err),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return c.fail(Result{Err: err})
	}
	if len(data) == 0 {
		return c.fail(Result{Err: ErrEmptyRender})
	}

	if req.Kind == KindTile {
		c.cache.Set(req.Tile, data, req.Priority == strategy.PriorityCritical)
	}

	c.mu.Lock()
	c.rendered++
	c.mu.Unlock()
	return Result{Data: data}
}

func (c *Coordinator) fail(r Result) Result {
	c.mu.Lock()
	if r.Err == ErrAborted {
		c.aborted++
	} else {
		c.failures++
	}
	c.mu.Unlock()
	return r
}

// RequestBatch issues all requests concurrently through the single-request
// path and waits for every one to settle. The semaphore still bounds each
// render, so batch size never bypasses the concurrency cap.
func (c *Coordinator) RequestBatch(reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = c.RequestRender(req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// CancelAll aborts every tracked in-flight request and clears the
// tracking set. Cancellation is cooperative: renders already handed to the
// rasterizer run to completion and their results are discarded by callers.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		c.log.Debug("Cancelled in-flight requests", zap.Int("count", len(cancels)))
	}
}

func (c *Coordinator) track(key string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) untrack(key string) {
	c.mu.Lock()
	delete(c.cancels, key)
	c.mu.Unlock()
}

// SetMode switches the navigation mode. Unchanged mode is a no-op.
// Otherwise the hot cache tier is dropped (rendered bytes stay reusable
// from the warm tier) and the active prefetch strategy is swapped.
// In-flight requests are not cancelled; callers that want that use their
// own tokens or CancelAll.
func (c *Coordinator) SetMode(m strategy.Mode) {
	c.mu.Lock()
	if m == c.mode {
		c.mu.Unlock()
		return
	}
	prev := c.mode
	c.mode = m
	c.strat = strategy.ForMode(m)
	c.modeTransitions++
	c.mu.Unlock()

	start := time.Now()
	c.cache.OnModeTransition()
	elapsed := time.Since(start)

	c.mu.Lock()
	c.lastTransition = elapsed
	c.mu.Unlock()

	c.log.Info("Mode transition",
		zap.String("from", prev.String()),
		zap.String("to", m.String()),
		zap.Int64("duration_us", elapsed.Microseconds()),
	)
}

func (c *Coordinator) GetMode() strategy.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) activeStrategy() strategy.Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strat
}

// VisibleTiles delegates to the active strategy.
func (c *Coordinator) VisibleTiles(viewport geometry.Rect, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom, pixelRatio float64) []geometry.TileCoordinate {
	return c.activeStrategy().VisibleTiles(viewport, layouts, sizes, zoom, pixelRatio)
}

// PrefetchTiles returns the active strategy's prioritized prefetch plan.
func (c *Coordinator) PrefetchTiles(viewport geometry.Rect, v strategy.Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []strategy.PrioritizedTile {
	return c.activeStrategy().PrefetchTiles(viewport, v, layouts, sizes, zoom)
}

// PrefetchTileList is PrefetchTiles stripped to bare coordinates, in
// priority order, for callers that feed requests straight into
// RequestBatch.
func (c *Coordinator) PrefetchTileList(viewport geometry.Rect, v strategy.Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []geometry.TileCoordinate {
	plan := c.PrefetchTiles(viewport, v, layouts, sizes, zoom)
	tiles := make([]geometry.TileCoordinate, len(plan))
	for i, pt := range plan {
		tiles[i] = pt.Tile
	}
	return tiles
}

// SpeedZone classifies a viewport velocity.
func (c *Coordinator) SpeedZone(v strategy.Velocity) strategy.SpeedZone {
	return strategy.ZoneFor(v)
}

// ShouldUseTiling consults the active strategy, but always forces tiling
// above the hard zoom threshold.
func (c *Coordinator) ShouldUseTiling(zoom float64) bool {
	if zoom > c.cfg.MaxFullPageZoom {
		return true
	}
	return c.activeStrategy().ShouldUseTiling(zoom)
}

// TileScale maps zoom and pixel ratio to a render scale, applying the
// velocity-based quality reduction multiplicatively.
func (c *Coordinator) TileScale(zoom, pixelRatio float64, v strategy.Velocity) float64 {
	s := c.activeStrategy().ScaleForZoom(zoom, pixelRatio) * strategy.QualityFor(v)
	if s < 0.25 {
		s = 0.25
	}
	return geometry.RoundScale(s)
}

// GetFallback exposes the cache's lower-fidelity placeholder lookup.
func (c *Coordinator) GetFallback(t geometry.TileCoordinate) ([]byte, bool) {
	return c.cache.GetFallback(t)
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Requests:        c.requests,
		CacheHits:       c.cacheHits,
		Coalesced:       c.coalesced,
		Rendered:        c.rendered,
		Failures:        c.failures,
		Aborted:         c.aborted,
		InFlight:        len(c.cancels),
		Mode:            c.mode.String(),
		ModeTransitions: c.modeTransitions,
		LastTransition:  c.lastTransition,
	}
	c.mu.Unlock()
	s.Cache = c.cache.Stats()
	return s
}
