package strategy

import (
	"math"
	"sort"

	"pageview/internal/geometry"
)

// GridStrategy serves the zoomed-out overview where many small page
// thumbnails are visible at once. Render scale is capped at thumbnail
// resolution and prefetch walks whole rows of pages above and below the
// viewport.
type GridStrategy struct{}

// thumbMaxScale caps the render scale in overview; thumbnails never need
// more than native resolution.
const thumbMaxScale = 1.0

func (g GridStrategy) VisibleTiles(viewport geometry.Rect, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom, pixelRatio float64) []geometry.TileCoordinate {
	return geometry.VisibleTiles(viewport, layouts, sizes, zoom, g.ScaleForZoom(zoom, pixelRatio))
}

// Thumbnails are rendered as whole-page bitmaps; the coordinator's hard
// zoom threshold still applies if the overview is somehow zoomed in.
func (GridStrategy) ShouldUseTiling(zoom float64) bool {
	return false
}

func (GridStrategy) ScaleForZoom(zoom, pixelRatio float64) float64 {
	s := scaleForZoom(zoom, pixelRatio)
	if s > thumbMaxScale {
		s = thumbMaxScale
	}
	return s
}

func (g GridStrategy) PrefetchTiles(viewport geometry.Rect, v Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []PrioritizedTile {
	if viewport.W <= 0 || viewport.H <= 0 || zoom <= 0 {
		return nil
	}

	scale := g.ScaleForZoom(zoom, 1) * QualityFor(v)
	if scale < 0.25 {
		scale = 0.25
	}
	scale = geometry.RoundScale(scale)

	lookahead := LookaheadFor(v)
	_, cy := viewport.Center()

	var out []PrioritizedTile
	for _, l := range layouts {
		native, ok := sizes.PageSize(l.Page)
		if !ok {
			continue
		}
		lcy := l.Y + l.Height/2
		// Row distance beyond the viewport edge, in viewport heights.
		edgeDist := math.Abs(lcy-cy)/viewport.H - 0.5
		if edgeDist > lookahead {
			continue
		}
		prio := classifyRing(edgeDist)
		dist := math.Abs(lcy - cy)
		for _, tile := range geometry.TileGridForPage(l.Page, native, scale) {
			out = append(out, PrioritizedTile{Tile: tile, Priority: prio, Distance: dist})
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
