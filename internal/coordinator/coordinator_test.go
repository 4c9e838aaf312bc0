package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pageview/internal/geometry"
	"pageview/internal/strategy"
	"pageview/internal/tilecache"
)

// stubRasterizer counts invocations and tracks concurrent callers; the
// optional gate blocks renders until released.
type stubRasterizer struct {
	tileCalls  atomic.Int64
	pageCalls  atomic.Int64
	concurrent atomic.Int64
	peak       atomic.Int64

	gate    chan struct{}
	started chan string

	tileFn func(ctx context.Context, documentID string, tile geometry.TileCoordinate) ([]byte, error)
}

func (s *stubRasterizer) RenderTile(ctx context.Context, documentID string, tile geometry.TileCoordinate) ([]byte, error) {
	s.tileCalls.Add(1)
	cur := s.concurrent.Add(1)
	defer s.concurrent.Add(-1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if s.started != nil {
		s.started <- tile.Key()
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.tileFn != nil {
		return s.tileFn(ctx, documentID, tile)
	}
	return []byte("tile:" + tile.Key()), nil
}

func (s *stubRasterizer) RenderPage(ctx context.Context, documentID string, page int, scale float64) ([]byte, error) {
	s.pageCalls.Add(1)
	return []byte(fmt.Sprintf("page:%d@%g", page, scale)), nil
}

func newTestCoordinator(ras Rasterizer, cfg Config) (*Coordinator, *tilecache.Manager) {
	cache := tilecache.NewManager(tilecache.Config{}, nil)
	co := New(ras, cache, cfg, nil)
	co.SetDocument("doc-1")
	return co, cache
}

func tile(page, x, y int, scale float64) geometry.TileCoordinate {
	return geometry.TileCoordinate{Page: page, X: x, Y: y, Scale: scale}
}

func TestRenderTileSuccess(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical))
	if !res.Ok() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.FromCache {
		t.Error("first render must not come from cache")
	}
	if got := ras.tileCalls.Load(); got != 1 {
		t.Errorf("tile calls = %d, want 1", got)
	}
}

func TestCachedTileBypassesRender(t *testing.T) {
	ras := &stubRasterizer{}
	co, cache := newTestCoordinator(ras, Config{})

	cache.Set(tile(1, 0, 0, 1), []byte("cached"), false)

	res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical))
	if !res.Ok() || !res.FromCache {
		t.Fatalf("expected cache hit, got %+v", res)
	}
	if string(res.Data) != "cached" {
		t.Errorf("got %q", res.Data)
	}
	if ras.tileCalls.Load() != 0 {
		t.Error("cache hit must not invoke the rasterizer")
	}
}

func TestCacheTierByPriority(t *testing.T) {
	ras := &stubRasterizer{}
	co, cache := newTestCoordinator(ras, Config{})

	co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical))
	co.RequestRender(TileRequest(tile(1, 1, 0, 1), strategy.PriorityLow))

	s := cache.Stats()
	if s.HotEntries != 1 {
		t.Errorf("only the critical render should be hot, hot=%d", s.HotEntries)
	}
	if s.WarmEntries != 2 {
		t.Errorf("every successful tile render should be warm, warm=%d", s.WarmEntries)
	}
}

func TestPageRenderNotCached(t *testing.T) {
	ras := &stubRasterizer{}
	co, cache := newTestCoordinator(ras, Config{})

	res := co.RequestRender(PageRequest(2, 1.5, strategy.PriorityHigh))
	if !res.Ok() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Data) != "page:2@1.5" {
		t.Errorf("got %q", res.Data)
	}
	if s := cache.Stats(); s.WarmEntries != 0 {
		t.Error("page renders are not tile-cached")
	}
}

// N concurrent requests for the same key reach the rasterizer exactly once
// and all receive the same result.
func TestDeduplication(t *testing.T) {
	ras := &stubRasterizer{
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}
	co, _ := newTestCoordinator(ras, Config{})

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
	}()
	<-ras.started // the leader is inside the rasterizer now

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
		}(i)
	}
	// Give the joiners time to reach the in-flight entry, then unblock.
	time.Sleep(50 * time.Millisecond)
	close(ras.gate)
	wg.Wait()

	if got := ras.tileCalls.Load(); got != 1 {
		t.Fatalf("rasterizer called %d times, want 1", got)
	}
	for i, res := range results {
		if !res.Ok() {
			t.Fatalf("result %d failed: %v", i, res.Err)
		}
		if string(res.Data) != string(results[0].Data) {
			t.Errorf("result %d differs from the shared result", i)
		}
	}
	if s := co.Stats(); s.Coalesced == 0 {
		t.Error("expected coalesced requests in stats")
	}
}

// With maxConcurrent = k, at no point do more than k renders run at once.
func TestConcurrencyBound(t *testing.T) {
	const k = 3
	ras := &stubRasterizer{
		tileFn: func(ctx context.Context, _ string, tile geometry.TileCoordinate) ([]byte, error) {
			time.Sleep(10 * time.Millisecond)
			return []byte("x"), nil
		},
	}
	co, _ := newTestCoordinator(ras, Config{MaxConcurrent: k})

	var reqs []Request
	for i := 0; i < 24; i++ {
		reqs = append(reqs, TileRequest(tile(1, i, 0, 1), strategy.PriorityMedium))
	}
	results := co.RequestBatch(reqs)

	for i, res := range results {
		if !res.Ok() {
			t.Fatalf("request %d failed: %v", i, res.Err)
		}
	}
	if peak := ras.peak.Load(); peak > k {
		t.Errorf("observed %d concurrent renders, cap is %d", peak, k)
	}
	if ras.tileCalls.Load() != 24 {
		t.Errorf("tile calls = %d, want 24", ras.tileCalls.Load())
	}
}

// With one permit held, queued requests are granted permits in arrival
// order.
func TestFIFOFairness(t *testing.T) {
	ras := &stubRasterizer{
		gate:    make(chan struct{}),
		started: make(chan string, 16),
	}
	co, _ := newTestCoordinator(ras, Config{MaxConcurrent: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
	}()
	first := <-ras.started // holder of the only permit

	want := []string{first}
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		tc := tile(1, i, 0, 1)
		want = append(want, tc.Key())
		go func(tc geometry.TileCoordinate) {
			defer wg.Done()
			co.RequestRender(TileRequest(tc, strategy.PriorityHigh))
		}(tc)
		// Let this waiter enqueue at the semaphore before the next arrives.
		time.Sleep(50 * time.Millisecond)
	}

	close(ras.gate)
	wg.Wait()

	var got []string
	got = append(got, first)
	for i := 0; i < 3; i++ {
		got = append(got, <-ras.started)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("render order %v, want FIFO %v", got, want)
		}
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	reqs := []Request{
		TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh),
		PageRequest(3, 1, strategy.PriorityLow),
		TileRequest(tile(1, 1, 0, 1), strategy.PriorityHigh),
	}
	results := co.RequestBatch(reqs)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if string(results[1].Data) != "page:3@1" {
		t.Errorf("result order not preserved: %q", results[1].Data)
	}
	for i, res := range results {
		if !res.Ok() {
			t.Errorf("result %d failed: %v", i, res.Err)
		}
	}
}

func TestCancelledBeforeAcquire(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh).WithContext(ctx))
	if !errors.Is(res.Err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", res.Err)
	}
	if ras.tileCalls.Load() != 0 {
		t.Error("cancelled request must not reach the rasterizer")
	}
	if s := co.Stats(); s.Aborted != 1 {
		t.Errorf("aborted = %d, want 1", s.Aborted)
	}
}

func TestCancelledWhileQueued(t *testing.T) {
	ras := &stubRasterizer{
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}
	co, _ := newTestCoordinator(ras, Config{MaxConcurrent: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
	}()
	<-ras.started

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan Result, 1)
	go func() {
		queued <- co.RequestRender(TileRequest(tile(1, 1, 0, 1), strategy.PriorityHigh).WithContext(ctx))
	}()
	time.Sleep(50 * time.Millisecond) // let it block at the semaphore
	cancel()

	res := <-queued
	if !errors.Is(res.Err, ErrAborted) {
		t.Fatalf("queued request err = %v, want ErrAborted", res.Err)
	}
	if ras.tileCalls.Load() != 1 {
		t.Error("the cancelled waiter must never render")
	}

	close(ras.gate)
	wg.Wait()
}

// CancelAll aborts queued work; a render already handed to the rasterizer
// completes and its result is still cached.
func TestCancelAll(t *testing.T) {
	ras := &stubRasterizer{
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}
	co, cache := newTestCoordinator(ras, Config{MaxConcurrent: 1})

	inFlight := make(chan Result, 1)
	go func() {
		inFlight <- co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
	}()
	<-ras.started

	queued := make(chan Result, 1)
	go func() {
		queued <- co.RequestRender(TileRequest(tile(1, 1, 0, 1), strategy.PriorityHigh))
	}()
	time.Sleep(50 * time.Millisecond)

	co.CancelAll()
	close(ras.gate)

	if res := <-queued; !errors.Is(res.Err, ErrAborted) {
		t.Errorf("queued request err = %v, want ErrAborted", res.Err)
	}
	// The in-flight render ignores the cooperative abort and settles; its
	// late result is cached by design.
	if res := <-inFlight; res.Ok() {
		if _, ok := cache.Get(tile(1, 0, 0, 1)); !ok {
			t.Error("late-arriving result should be cached")
		}
	}
	if s := co.Stats(); s.InFlight != 0 {
		t.Errorf("in-flight tracking not cleared, got %d", s.InFlight)
	}
}

func TestRenderFailure(t *testing.T) {
	renderErr := errors.New("decoder exploded")
	ras := &stubRasterizer{
		tileFn: func(context.Context, string, geometry.TileCoordinate) ([]byte, error) {
			return nil, renderErr
		},
	}
	co, cache := newTestCoordinator(ras, Config{})

	res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical))
	if res.Ok() {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, renderErr) {
		t.Errorf("err = %v", res.Err)
	}
	if cache.Has(tile(1, 0, 0, 1)) {
		t.Error("failed renders must never be cached")
	}
	if s := co.Stats(); s.Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Failures)
	}
}

func TestEmptyRenderIsFailure(t *testing.T) {
	ras := &stubRasterizer{
		tileFn: func(context.Context, string, geometry.TileCoordinate) ([]byte, error) {
			return nil, nil
		},
	}
	co, _ := newTestCoordinator(ras, Config{})

	res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh))
	if !errors.Is(res.Err, ErrEmptyRender) {
		t.Errorf("err = %v, want ErrEmptyRender", res.Err)
	}
}

func TestMisconfiguration(t *testing.T) {
	cache := tilecache.NewManager(tilecache.Config{}, nil)

	co := New(nil, cache, Config{}, nil)
	co.SetDocument("doc-1")
	if res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh)); !errors.Is(res.Err, ErrNoRasterizer) {
		t.Errorf("err = %v, want ErrNoRasterizer", res.Err)
	}

	co = New(&stubRasterizer{}, cache, Config{}, nil)
	if res := co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityHigh)); !errors.Is(res.Err, ErrNoDocument) {
		t.Errorf("err = %v, want ErrNoDocument", res.Err)
	}
}

func TestSetModeTransition(t *testing.T) {
	ras := &stubRasterizer{}
	co, cache := newTestCoordinator(ras, Config{})

	cache.Set(tile(1, 0, 0, 1), []byte("x"), true)

	co.SetMode(strategy.ModeScroll) // unchanged: no-op
	if s := co.Stats(); s.ModeTransitions != 0 {
		t.Error("same-mode SetMode must not count as a transition")
	}
	if s := cache.Stats(); s.HotEntries != 1 {
		t.Error("same-mode SetMode must not clear the hot tier")
	}

	co.SetMode(strategy.ModePaged)
	if co.GetMode() != strategy.ModePaged {
		t.Error("mode not updated")
	}
	s := cache.Stats()
	if s.HotEntries != 0 {
		t.Error("mode transition must clear the hot tier")
	}
	if s.WarmEntries != 1 {
		t.Error("mode transition must preserve the warm tier")
	}
	if cs := co.Stats(); cs.ModeTransitions != 1 {
		t.Errorf("transitions = %d, want 1", cs.ModeTransitions)
	}
}

func TestModeChangesStrategy(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	// Scroll tiles at zoom 1; paged does not.
	if !co.ShouldUseTiling(1) {
		t.Error("scroll mode should tile at zoom 1")
	}
	co.SetMode(strategy.ModePaged)
	if co.ShouldUseTiling(1) {
		t.Error("paged mode should not tile at zoom 1")
	}
}

func TestTilingOverrideAboveHardZoom(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	co.SetMode(strategy.ModeGrid) // never tiles at the strategy level
	if !co.ShouldUseTiling(5) {
		t.Error("zoom above the hard threshold must force tiling")
	}
}

func TestTileScaleAppliesQuality(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	if got := co.TileScale(2, 1, strategy.Velocity{}); got != 2 {
		t.Errorf("stationary TileScale = %g, want 2", got)
	}
	if got := co.TileScale(2, 1, strategy.Velocity{Y: 900}); got != 1 {
		t.Errorf("fast TileScale = %g, want 1 (0.5 quality)", got)
	}
	if got := co.TileScale(0.3, 1, strategy.Velocity{Y: 900}); got != 0.25 {
		t.Errorf("TileScale floor = %g, want 0.25", got)
	}
}

func TestSpeedZonePassthrough(t *testing.T) {
	co, _ := newTestCoordinator(&stubRasterizer{}, Config{})
	if z := co.SpeedZone(strategy.Velocity{Y: 600}); z != strategy.ZoneFast {
		t.Errorf("zone = %v, want fast", z)
	}
}

func TestPrefetchTilesDelegation(t *testing.T) {
	co, _ := newTestCoordinator(&stubRasterizer{}, Config{})

	layouts := []geometry.PageLayout{{Page: 1, X: 0, Y: 0, Width: 800, Height: 1000}}
	sizes := geometry.PageSizes{1: {Width: 800, Height: 1000}}
	viewport := geometry.Rect{X: 0, Y: 0, W: 800, H: 600}

	tiles := co.PrefetchTiles(viewport, strategy.Velocity{Y: 600}, layouts, sizes, 1)
	if len(tiles) == 0 {
		t.Fatal("expected prefetch plan from the active strategy")
	}
	visible := co.VisibleTiles(viewport, layouts, sizes, 1, 1)
	if len(visible) == 0 {
		t.Fatal("expected visible tiles from the active strategy")
	}

	flat := co.PrefetchTileList(viewport, strategy.Velocity{Y: 600}, layouts, sizes, 1)
	if len(flat) != len(tiles) {
		t.Errorf("flat list length %d != plan length %d", len(flat), len(tiles))
	}
	for i := range flat {
		if flat[i] != tiles[i].Tile {
			t.Fatal("flat list must preserve priority order")
		}
	}
}

func TestGetFallbackPassthrough(t *testing.T) {
	co, cache := newTestCoordinator(&stubRasterizer{}, Config{})
	cache.Set(tile(1, 0, 0, 1), []byte("low"), false)

	if data, ok := co.GetFallback(tile(1, 0, 0, 2)); !ok || string(data) != "low" {
		t.Errorf("fallback = %q, %v", data, ok)
	}
}

func TestStatsSnapshot(t *testing.T) {
	ras := &stubRasterizer{}
	co, _ := newTestCoordinator(ras, Config{})

	co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical))
	co.RequestRender(TileRequest(tile(1, 0, 0, 1), strategy.PriorityCritical)) // cache hit

	s := co.Stats()
	if s.Requests != 2 || s.Rendered != 1 || s.CacheHits != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Mode != "scroll" {
		t.Errorf("mode = %q", s.Mode)
	}
	if s.Cache.WarmEntries != 1 {
		t.Errorf("cache stats not merged: %+v", s.Cache)
	}
}
