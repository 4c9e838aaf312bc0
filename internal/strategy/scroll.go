package strategy

import (
	"math"
	"sort"

	"pageview/internal/geometry"
)

// ScrollStrategy serves continuous vertical/horizontal scrolling. It is the
// most elaborate strategy: prefetch reach and render quality adapt to the
// speed zone, and the predicted viewport is expanded asymmetrically so the
// budget goes to tiles ahead of the motion rather than ones already
// scrolled past.
type ScrollStrategy struct{}

// behindFactor is how much of a viewport is kept prefetched behind the
// direction of travel.
const behindFactor = 0.25

func (ScrollStrategy) VisibleTiles(viewport geometry.Rect, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom, pixelRatio float64) []geometry.TileCoordinate {
	return geometry.VisibleTiles(viewport, layouts, sizes, zoom, scaleForZoom(zoom, pixelRatio))
}

func (ScrollStrategy) ShouldUseTiling(zoom float64) bool {
	return zoom >= 1
}

func (ScrollStrategy) ScaleForZoom(zoom, pixelRatio float64) float64 {
	return scaleForZoom(zoom, pixelRatio)
}

func (s ScrollStrategy) PrefetchTiles(viewport geometry.Rect, v Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []PrioritizedTile {
	if viewport.W <= 0 || viewport.H <= 0 || zoom <= 0 {
		return nil
	}

	zone := zoneTable[ZoneFor(v)]

	// Faster motion renders farther ahead at reduced quality.
	scale := scaleForZoom(zoom, 1) * zone.quality
	if scale < 0.25 {
		scale = 0.25
	}
	scale = geometry.RoundScale(scale)

	predicted := predictViewport(viewport, v, zone.lookahead)
	tiles := geometry.VisibleTiles(predicted, layouts, sizes, zoom, scale)
	if len(tiles) == 0 {
		return nil
	}

	byPage := layoutsByPage(layouts)
	cx, cy := viewport.Center()
	mag := v.Magnitude()
	var ux, uy float64
	if mag > 0 {
		ux, uy = v.X/mag, v.Y/mag
	}

	out := make([]PrioritizedTile, 0, len(tiles))
	for _, tile := range tiles {
		tcx, tcy, ok := tileCenterInViewport(tile, byPage, sizes)
		if !ok {
			continue
		}
		dx := tcx - cx
		dy := tcy - cy
		dist := math.Hypot(dx, dy)

		var prio Priority
		if ZoneFor(v) == ZoneStationary {
			prio = classifyRing(ringDistance(dx, dy, viewport))
		} else {
			prio = classifyDirectional(dx, dy, ux, uy, viewport)
		}
		out = append(out, PrioritizedTile{Tile: tile, Priority: prio, Distance: dist})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}

// predictViewport expands the viewport by lookahead viewport-multiples in
// the direction of travel and by behindFactor against it. With no motion
// the expansion is symmetric at the lookahead radius.
func predictViewport(viewport geometry.Rect, v Velocity, lookahead float64) geometry.Rect {
	mag := v.Magnitude()
	if mag == 0 {
		return geometry.Rect{
			X: viewport.X - lookahead*viewport.W,
			Y: viewport.Y - lookahead*viewport.H,
			W: viewport.W * (1 + 2*lookahead),
			H: viewport.H * (1 + 2*lookahead),
		}
	}

	ux := v.X / mag
	uy := v.Y / mag

	aheadX := lookahead * viewport.W * math.Abs(ux)
	aheadY := lookahead * viewport.H * math.Abs(uy)
	behindX := behindFactor * viewport.W * math.Abs(ux)
	behindY := behindFactor * viewport.H * math.Abs(uy)

	out := viewport
	if ux >= 0 {
		out.X -= behindX
		out.W += behindX + aheadX
	} else {
		out.X -= aheadX
		out.W += behindX + aheadX
	}
	if uy >= 0 {
		out.Y -= behindY
		out.H += behindY + aheadY
	} else {
		out.Y -= aheadY
		out.H += behindY + aheadY
	}
	return out
}

// classifyDirectional buckets a tile by how far past the viewport's leading
// edge it sits, projected onto the direction of motion and measured in
// viewport multiples. Tiles behind the trailing edge are always low
// priority; tiles inside the viewport along the motion axis are critical.
func classifyDirectional(dx, dy, ux, uy float64, viewport geometry.Rect) Priority {
	proj := dx*ux + dy*uy
	extent := math.Abs(ux)*viewport.W + math.Abs(uy)*viewport.H
	if extent == 0 {
		return PriorityLow
	}
	if proj < -extent/2 {
		return PriorityLow
	}
	edgeDist := (proj - extent/2) / extent
	return classifyRing(edgeDist)
}

// ringDistance measures how far a point is beyond the viewport edge, in
// viewport multiples, for the stationary case. Points inside come out
// negative.
func ringDistance(dx, dy float64, viewport geometry.Rect) float64 {
	nx := math.Abs(dx)/viewport.W - 0.5
	ny := math.Abs(dy)/viewport.H - 0.5
	return math.Max(nx, ny)
}

// classifyRing maps a distance-past-the-edge (viewport multiples) to a
// priority class: within half a viewport is critical, then bands of one
// viewport each.
func classifyRing(edgeDist float64) Priority {
	switch {
	case edgeDist < 0.5:
		return PriorityCritical
	case edgeDist < 1.5:
		return PriorityHigh
	case edgeDist < 2.5:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func layoutsByPage(layouts []geometry.PageLayout) map[int]geometry.PageLayout {
	m := make(map[int]geometry.PageLayout, len(layouts))
	for _, l := range layouts {
		m[l.Page] = l
	}
	return m
}

// tileCenterInViewport converts a tile's center from page-local render
// pixels back into viewport space.
func tileCenterInViewport(t geometry.TileCoordinate, byPage map[int]geometry.PageLayout, sizes geometry.PageSizer) (float64, float64, bool) {
	layout, ok := byPage[t.Page]
	if !ok || layout.Width <= 0 {
		return 0, 0, false
	}
	native, ok := sizes.PageSize(t.Page)
	if !ok || native.Width <= 0 {
		return 0, 0, false
	}
	toRender := native.Width / layout.Width * t.Scale
	if toRender == 0 {
		return 0, 0, false
	}
	b := geometry.TileBounds(t, native)
	bcx, bcy := b.Center()
	return layout.X + bcx/toRender, layout.Y + bcy/toRender, true
}
