// Package rasterizer produces tile and page bitmaps with libvips. It is
// the production implementation of the coordinator's Rasterizer interface;
// the engine itself never depends on it directly.
package rasterizer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"pageview/internal/geometry"
)

const (
	jpegQuality = 82
	// padGray is the background for edge-tile padding; JPEG has no alpha.
	padGray = 221
)

// Source resolves document pages to image files and native dimensions.
// The document library implements this.
type Source interface {
	PagePath(documentID string, page int) (string, error)
	PageSize(documentID string, page int) (geometry.PageSize, error)
}

// Vips renders through libvips. Page files are opened with random access
// so tile extraction never decodes the whole image.
type Vips struct {
	src Source
	log *zap.Logger
}

func NewVips(src Source, log *zap.Logger) *Vips {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vips{src: src, log: log}
}

// RenderTile extracts the tile's source region, resizes it to the render
// scale and pads edge tiles up to the full tile size.
func (r *Vips) RenderTile(ctx context.Context, documentID string, tile geometry.TileCoordinate) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size, err := r.src.PageSize(documentID, tile.Page)
	if err != nil {
		return nil, err
	}
	cols, rows := geometry.GridDimensions(size, tile.Scale)
	if tile.X < 0 || tile.X >= cols || tile.Y < 0 || tile.Y >= rows {
		return nil, fmt.Errorf("tile %dx%d outside %dx%d grid for page %d at scale %g",
			tile.X, tile.Y, cols, rows, tile.Page, tile.Scale)
	}

	path, err := r.src.PagePath(documentID, tile.Page)
	if err != nil {
		return nil, err
	}
	image, err := loadImage(path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open page image: %w", err)
	}
	defer image.Close()

	// Tile bounds in render pixels, mapped back to source pixels and
	// clamped so edge tiles never read past the page.
	bounds := geometry.TileBounds(tile, size)
	startX := int(math.Floor(bounds.X / tile.Scale))
	startY := int(math.Floor(bounds.Y / tile.Scale))
	endX := int(math.Min(math.Ceil((bounds.X+bounds.W)/tile.Scale), float64(image.Width())))
	endY := int(math.Min(math.Ceil((bounds.Y+bounds.H)/tile.Scale), float64(image.Height())))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid tile bounds")
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tile.Scale, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles come out short; pad to the full tile anchored top-left so
	// grid alignment holds.
	if image.Width() < geometry.TileSize || image.Height() < geometry.TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{padGray, padGray, padGray}
		if err := image.Embed(0, 0, geometry.TileSize, geometry.TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	return export(image)
}

// RenderPage renders a whole page at the given scale.
func (r *Vips) RenderPage(ctx context.Context, documentID string, page int, scale float64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, fmt.Errorf("invalid page scale %g", scale)
	}

	path, err := r.src.PagePath(documentID, page)
	if err != nil {
		return nil, err
	}
	image, err := loadImage(path, vips.AccessSequential)
	if err != nil {
		return nil, fmt.Errorf("failed to open page image: %w", err)
	}
	defer image.Close()

	if scale != 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	return export(image)
}

func export(image *vips.Image) ([]byte, error) {
	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = jpegQuality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}

// loadImage picks the loader for the file extension.
func loadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
