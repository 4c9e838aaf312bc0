// Package geometry maps between viewport space, page space and tile space.
// Everything here is pure: no state, no errors, degenerate input yields an
// empty result.
package geometry

import (
	"math"
	"sort"
	"strconv"
)

// TileSize is the edge length in render pixels of every tile. All
// components share this constant: the cache keys tiles by grid index, the
// rasterizer pads edge tiles up to this size, and strategies reason about
// viewport coverage in these units.
const TileSize = 256

// scalePrecision is the resolution step used when comparing render scales.
// Two scales that round to the same hundredth are the same tile plane.
const scalePrecision = 100

// RoundScale normalizes a render scale to the precision used for tile
// identity and cache keys.
func RoundScale(scale float64) float64 {
	return math.Round(scale*scalePrecision) / scalePrecision
}

// TileCoordinate identifies one tile of one page at one render scale.
// Identity is the full 4-tuple with Scale at RoundScale precision.
type TileCoordinate struct {
	Page  int
	X     int
	Y     int
	Scale float64
}

// Normalized returns the coordinate with its scale rounded to the identity
// precision. Cache and coordinator keys are always built from normalized
// coordinates.
func (t TileCoordinate) Normalized() TileCoordinate {
	t.Scale = RoundScale(t.Scale)
	return t
}

// Key returns the stable string form used for request deduplication,
// e.g. "tile-p3-t2x4-s1.5".
func (t TileCoordinate) Key() string {
	n := t.Normalized()
	return "tile-p" + strconv.Itoa(n.Page) +
		"-t" + strconv.Itoa(n.X) + "x" + strconv.Itoa(n.Y) +
		"-s" + strconv.FormatFloat(n.Scale, 'g', -1, 64)
}

// PageSize holds a page's native pixel dimensions, before any render scale
// is applied.
type PageSize struct {
	Width  float64
	Height float64
}

// PageSizer resolves a page number to its native dimensions. The document
// library implements this in production; tests use the PageSizes map.
type PageSizer interface {
	PageSize(page int) (PageSize, bool)
}

// PageSizes is a map-backed PageSizer.
type PageSizes map[int]PageSize

func (m PageSizes) PageSize(page int) (PageSize, bool) {
	s, ok := m[page]
	return s, ok
}

// Rect is an axis-aligned rectangle. Coordinates are in whatever space the
// caller is working in (viewport space for layouts, render pixels for tile
// bounds).
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Overlaps reports whether two rectangles share any area, using
// closed-interval semantics. A rectangle with zero width or height never
// overlaps anything.
func (r Rect) Overlaps(o Rect) bool {
	if r.W <= 0 || r.H <= 0 || o.W <= 0 || o.H <= 0 {
		return false
	}
	return r.X <= o.X+o.W && o.X <= r.X+r.W &&
		r.Y <= o.Y+o.H && o.Y <= r.Y+r.H
}

// Intersect returns the overlapping region of two rectangles, or a zero
// Rect when they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	if !r.Overlaps(o) {
		return Rect{}
	}
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.W, o.X+o.W)
	y1 := math.Min(r.Y+r.H, o.Y+o.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Center returns the rectangle's midpoint.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// PageLayout places a page in the shared viewport coordinate space. The
// layout width may differ from the page's native width (the layout engine
// fits pages to the canvas); the ratio between the two is the
// canvas-to-native conversion factor.
type PageLayout struct {
	Page   int
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func (l PageLayout) rect() Rect {
	return Rect{X: l.X, Y: l.Y, W: l.Width, H: l.Height}
}

// GridDimensions returns how many tile columns and rows cover a page at the
// given scale (ceiling division by the tile edge).
func GridDimensions(size PageSize, scale float64) (cols, rows int) {
	if size.Width <= 0 || size.Height <= 0 || scale <= 0 {
		return 0, 0
	}
	cols = int(math.Ceil(size.Width * scale / TileSize))
	rows = int(math.Ceil(size.Height * scale / TileSize))
	return cols, rows
}

// TileGridForPage enumerates every tile covering a page at the given scale,
// row-major. An unknown or zero-sized page yields nil.
func TileGridForPage(page int, size PageSize, scale float64) []TileCoordinate {
	cols, rows := GridDimensions(size, scale)
	if cols == 0 || rows == 0 {
		return nil
	}
	scale = RoundScale(scale)
	tiles := make([]TileCoordinate, 0, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			tiles = append(tiles, TileCoordinate{Page: page, X: x, Y: y, Scale: scale})
		}
	}
	return tiles
}

// TileBounds returns the tile's bounding box in render pixels (page-local,
// scaled by the tile's Scale). Edge tiles are clamped to the page extent so
// the union of all bounds exactly covers the scaled page.
func TileBounds(t TileCoordinate, size PageSize) Rect {
	w := size.Width * t.Scale
	h := size.Height * t.Scale
	x0 := float64(t.X * TileSize)
	y0 := float64(t.Y * TileSize)
	if x0 >= w || y0 >= h {
		return Rect{}
	}
	return Rect{
		X: x0,
		Y: y0,
		W: math.Min(TileSize, w-x0),
		H: math.Min(TileSize, h-y0),
	}
}

// VisibleTiles computes the tiles that must be rendered to cover the
// viewport, nearest to the viewport center first. Pages whose layout does
// not overlap the viewport are skipped; pages without a known native size
// are skipped. When scale is zero or negative the render scale defaults to
// the zoom level.
func VisibleTiles(viewport Rect, layouts []PageLayout, sizes PageSizer, zoom, scale float64) []TileCoordinate {
	if viewport.W <= 0 || viewport.H <= 0 || zoom <= 0 {
		return nil
	}
	if scale <= 0 {
		scale = zoom
	}
	scale = RoundScale(scale)

	cx, cy := viewport.Center()

	type candidate struct {
		tile TileCoordinate
		dist float64
	}
	var found []candidate

	for _, layout := range layouts {
		native, ok := sizes.PageSize(layout.Page)
		if !ok || native.Width <= 0 || native.Height <= 0 {
			continue
		}
		if layout.Width <= 0 || layout.Height <= 0 {
			continue
		}
		overlap := viewport.Intersect(layout.rect())
		if overlap.W <= 0 || overlap.H <= 0 {
			continue
		}

		// Viewport space -> page-local render pixels. The layout may be
		// displayed narrower or wider than the page's native width.
		toRender := native.Width / layout.Width * scale
		rx0 := (overlap.X - layout.X) * toRender
		ry0 := (overlap.Y - layout.Y) * toRender
		rx1 := (overlap.X + overlap.W - layout.X) * toRender
		ry1 := (overlap.Y + overlap.H - layout.Y) * toRender

		cols, rows := GridDimensions(native, scale)
		x0 := clampIndex(int(math.Floor(rx0/TileSize)), cols)
		x1 := clampIndex(int(math.Ceil(rx1/TileSize))-1, cols)
		y0 := clampIndex(int(math.Floor(ry0/TileSize)), rows)
		y1 := clampIndex(int(math.Ceil(ry1/TileSize))-1, rows)

		for ty := y0; ty <= y1; ty++ {
			for tx := x0; tx <= x1; tx++ {
				tile := TileCoordinate{Page: layout.Page, X: tx, Y: ty, Scale: scale}
				// Tile center back in viewport space, for center-out ordering.
				tcx := layout.X + (float64(tx)*TileSize+TileSize/2)/toRender
				tcy := layout.Y + (float64(ty)*TileSize+TileSize/2)/toRender
				dx := tcx - cx
				dy := tcy - cy
				found = append(found, candidate{tile: tile, dist: dx*dx + dy*dy})
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].dist < found[j].dist
	})

	tiles := make([]TileCoordinate, len(found))
	for i, c := range found {
		tiles[i] = c.tile
	}
	return tiles
}

// SortByDistance orders tiles by Euclidean distance of their render-pixel
// bounds' centers from a reference point, ascending. The reference point is
// in the same page-local render-pixel space as TileBounds.
func SortByDistance(tiles []TileCoordinate, sizes PageSizer, refX, refY float64) {
	sort.SliceStable(tiles, func(i, j int) bool {
		return tileCenterDist(tiles[i], sizes, refX, refY) < tileCenterDist(tiles[j], sizes, refX, refY)
	})
}

func tileCenterDist(t TileCoordinate, sizes PageSizer, refX, refY float64) float64 {
	size, ok := sizes.PageSize(t.Page)
	if !ok {
		return math.Inf(1)
	}
	b := TileBounds(t, size)
	cx, cy := b.Center()
	dx := cx - refX
	dy := cy - refY
	return dx*dx + dy*dy
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
