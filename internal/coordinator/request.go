package coordinator

import (
	"context"
	"errors"
	"strconv"

	"pageview/internal/geometry"
	"pageview/internal/strategy"
)

// Rasterizer turns tile/page coordinates into pixel bytes. The real
// implementation wraps libvips; tests inject doubles. Both calls may block
// arbitrarily long and must honor ctx cancellation where practical.
type Rasterizer interface {
	RenderTile(ctx context.Context, documentID string, tile geometry.TileCoordinate) ([]byte, error)
	RenderPage(ctx context.Context, documentID string, page int, scale float64) ([]byte, error)
}

// RequestKind discriminates the render request union.
type RequestKind int

const (
	KindTile RequestKind = iota
	KindPage
)

// Request asks for one tile or one whole page. Requests are transient; the
// optional Ctx is the caller's cancellation token.
type Request struct {
	Kind     RequestKind
	Tile     geometry.TileCoordinate
	Page     int
	Scale    float64
	Priority strategy.Priority
	Ctx      context.Context
}

// TileRequest builds a tile render request.
func TileRequest(tile geometry.TileCoordinate, prio strategy.Priority) Request {
	return Request{Kind: KindTile, Tile: tile.Normalized(), Priority: prio}
}

// PageRequest builds a whole-page render request.
func PageRequest(page int, scale float64, prio strategy.Priority) Request {
	return Request{Kind: KindPage, Page: page, Scale: geometry.RoundScale(scale), Priority: prio}
}

// WithContext attaches a cancellation token to the request.
func (r Request) WithContext(ctx context.Context) Request {
	r.Ctx = ctx
	return r
}

// Key returns the stable identity used for in-flight deduplication:
// concurrent requests with equal keys share one render.
func (r Request) Key() string {
	if r.Kind == KindTile {
		return r.Tile.Key()
	}
	return "page-" + strconv.Itoa(r.Page) +
		"-s" + strconv.FormatFloat(geometry.RoundScale(r.Scale), 'g', -1, 64)
}

func (r Request) context() context.Context {
	if r.Ctx != nil {
		return r.Ctx
	}
	return context.Background()
}

// Result is the settled outcome of a render request. Failures are carried
// in Err; nothing escapes the coordinator as a panic or a bare error
// return.
type Result struct {
	Data      []byte
	Err       error
	FromCache bool
}

// Ok reports whether the request produced data.
func (r Result) Ok() bool { return r.Err == nil }

// Coordinator failure taxonomy. ErrAborted marks deliberate cancellation
// so callers can skip retry/backoff; the others are misconfiguration or
// render failures.
var (
	ErrAborted      = errors.New("Aborted")
	ErrNoRasterizer = errors.New("no rasterizer registered")
	ErrNoDocument   = errors.New("no active document")
	ErrEmptyRender  = errors.New("render returned no data")
)
