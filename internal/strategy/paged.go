package strategy

import (
	"math"
	"sort"

	"pageview/internal/geometry"
)

// PagedStrategy serves single-page (book-like) navigation. Prefetch is
// page-granular: finish the current page first, then the neighbor in the
// direction of travel, then one further, and keep the opposite neighbor
// around at low priority for quick back-navigation.
type PagedStrategy struct{}

func (PagedStrategy) VisibleTiles(viewport geometry.Rect, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom, pixelRatio float64) []geometry.TileCoordinate {
	return geometry.VisibleTiles(viewport, layouts, sizes, zoom, scaleForZoom(zoom, pixelRatio))
}

// Paged display can afford whole-page bitmaps at modest zoom; the
// coordinator still forces tiling above its hard threshold.
func (PagedStrategy) ShouldUseTiling(zoom float64) bool {
	return zoom > 1.5
}

func (PagedStrategy) ScaleForZoom(zoom, pixelRatio float64) float64 {
	return scaleForZoom(zoom, pixelRatio)
}

func (s PagedStrategy) PrefetchTiles(viewport geometry.Rect, v Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []PrioritizedTile {
	if len(layouts) == 0 || zoom <= 0 {
		return nil
	}

	current, ok := currentPage(viewport, layouts)
	if !ok {
		return nil
	}

	scale := scaleForZoom(zoom, 1) * QualityFor(v)
	if scale < 0.25 {
		scale = 0.25
	}
	scale = geometry.RoundScale(scale)

	// Direction of travel decides which neighbor is likely next; an idle
	// viewport reads forward.
	step := 1
	if v.Y < 0 || (v.Y == 0 && v.X < 0) {
		step = -1
	}

	plan := []struct {
		page int
		prio Priority
	}{
		{current, PriorityCritical},
		{current + step, PriorityHigh},
		{current + 2*step, PriorityMedium},
		{current - step, PriorityLow},
	}

	var out []PrioritizedTile
	for _, p := range plan {
		if p.page < 1 {
			continue
		}
		native, ok := sizes.PageSize(p.page)
		if !ok {
			continue
		}
		dist := math.Abs(float64(p.page - current))
		for _, tile := range geometry.TileGridForPage(p.page, native, scale) {
			out = append(out, PrioritizedTile{Tile: tile, Priority: p.prio, Distance: dist})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}

// currentPage picks the page whose layout contains the viewport center, or
// failing that the layout nearest to it.
func currentPage(viewport geometry.Rect, layouts []geometry.PageLayout) (int, bool) {
	cx, cy := viewport.Center()
	best := -1
	bestDist := math.Inf(1)
	for _, l := range layouts {
		if cx >= l.X && cx <= l.X+l.Width && cy >= l.Y && cy <= l.Y+l.Height {
			return l.Page, true
		}
		lcx := l.X + l.Width/2
		lcy := l.Y + l.Height/2
		d := math.Hypot(lcx-cx, lcy-cy)
		if d < bestDist {
			bestDist = d
			best = l.Page
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
