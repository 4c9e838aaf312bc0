// Package strategy decides which tiles to prefetch for each navigation
// mode. Strategies are pure: given the viewport, its velocity and the page
// layouts they return a prioritized tile list, and never touch the cache or
// the coordinator.
package strategy

import (
	"math"

	"pageview/internal/geometry"
)

// Mode is the active navigation/display mode.
type Mode int

const (
	ModeScroll Mode = iota
	ModePaged
	ModeGrid
)

func (m Mode) String() string {
	switch m {
	case ModeScroll:
		return "scroll"
	case ModePaged:
		return "paged"
	case ModeGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// Priority classes for render requests. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PrioritizedTile is a prefetch candidate with its priority class and the
// raw distance used to break ties within a class.
type PrioritizedTile struct {
	Tile     geometry.TileCoordinate
	Priority Priority
	Distance float64
}

// Velocity is the viewport's motion in viewport-space pixels per second.
type Velocity struct {
	X float64
	Y float64
}

func (v Velocity) Magnitude() float64 {
	return math.Hypot(v.X, v.Y)
}

// SpeedZone buckets velocity magnitude. Faster zones look farther ahead
// and accept lower render quality, trading fidelity for latency.
type SpeedZone int

const (
	ZoneStationary SpeedZone = iota
	ZoneSlow
	ZoneMedium
	ZoneFast
)

func (z SpeedZone) String() string {
	switch z {
	case ZoneStationary:
		return "stationary"
	case ZoneSlow:
		return "slow"
	case ZoneMedium:
		return "medium"
	default:
		return "fast"
	}
}

// zoneParams configures one speed zone: the magnitude below which it
// applies, how far ahead to prefetch in viewport multiples, and the
// render-scale quality multiplier.
type zoneParams struct {
	maxSpeed  float64
	lookahead float64
	quality   float64
}

var zoneTable = map[SpeedZone]zoneParams{
	ZoneStationary: {maxSpeed: 10, lookahead: 0.5, quality: 1.0},
	ZoneSlow:       {maxSpeed: 250, lookahead: 1.0, quality: 1.0},
	ZoneMedium:     {maxSpeed: 600, lookahead: 1.75, quality: 0.75},
	ZoneFast:       {maxSpeed: math.Inf(1), lookahead: 2.5, quality: 0.5},
}

// ZoneFor classifies a velocity into its speed zone.
func ZoneFor(v Velocity) SpeedZone {
	mag := v.Magnitude()
	switch {
	case mag < zoneTable[ZoneStationary].maxSpeed:
		return ZoneStationary
	case mag < zoneTable[ZoneSlow].maxSpeed:
		return ZoneSlow
	case mag < zoneTable[ZoneMedium].maxSpeed:
		return ZoneMedium
	default:
		return ZoneFast
	}
}

// QualityFor returns the render-scale multiplier for a velocity, 0.5 at
// fast motion up to 1.0 when slow or stationary.
func QualityFor(v Velocity) float64 {
	return zoneTable[ZoneFor(v)].quality
}

// LookaheadFor returns the prefetch lookahead distance in viewport
// multiples for a velocity.
func LookaheadFor(v Velocity) float64 {
	return zoneTable[ZoneFor(v)].lookahead
}

// Strategy is the per-mode prefetch contract.
type Strategy interface {
	// VisibleTiles returns what must be rendered for correctness right
	// now, nearest to the viewport center first.
	VisibleTiles(viewport geometry.Rect, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom, pixelRatio float64) []geometry.TileCoordinate

	// PrefetchTiles returns what should be rendered opportunistically,
	// ordered by ascending priority class then distance.
	PrefetchTiles(viewport geometry.Rect, v Velocity, layouts []geometry.PageLayout, sizes geometry.PageSizer, zoom float64) []PrioritizedTile

	// ShouldUseTiling reports whether pages should be rendered as tiles
	// rather than whole-page bitmaps at this zoom.
	ShouldUseTiling(zoom float64) bool

	// ScaleForZoom maps a zoom level and device pixel ratio to the render
	// scale tiles should be requested at.
	ScaleForZoom(zoom, pixelRatio float64) float64
}

// ForMode returns the strategy for a navigation mode.
func ForMode(m Mode) Strategy {
	switch m {
	case ModePaged:
		return PagedStrategy{}
	case ModeGrid:
		return GridStrategy{}
	default:
		return ScrollStrategy{}
	}
}

// scaleForZoom is the shared zoom-to-scale mapping: zoom times the device
// pixel ratio, clamped to a sane render range.
func scaleForZoom(zoom, pixelRatio float64) float64 {
	if pixelRatio <= 0 {
		pixelRatio = 1
	}
	s := zoom * pixelRatio
	if s < 0.25 {
		s = 0.25
	}
	if s > 8 {
		s = 8
	}
	return geometry.RoundScale(s)
}
