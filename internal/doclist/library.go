// Package doclist scans the data directory for documents. A document is a
// subdirectory whose image files, in lexical order, are its pages. Page
// dimensions are probed once with vips and persisted to a JSON sidecar so
// later startups skip the probe.
package doclist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pageview/internal/geometry"
)

const metadataFile = "document.json"

var pageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type PageInfo struct {
	Page   int    `json:"page"`
	File   string `json:"file"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type DocumentInfo struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	Pages []PageInfo `json:"pages"`

	dir string
}

// PageCount returns the number of pages in the document.
func (d *DocumentInfo) PageCount() int { return len(d.Pages) }

// Library is the scanned set of documents. Safe for concurrent use.
type Library struct {
	dataDir string
	log     *zap.Logger

	mu   sync.RWMutex
	docs []*DocumentInfo
	byID map[string]*DocumentInfo
}

func New(dataDir string, log *zap.Logger) *Library {
	if log == nil {
		log = zap.NewNop()
	}
	return &Library{
		dataDir: dataDir,
		log:     log,
		byID:    make(map[string]*DocumentInfo),
	}
}

// Scan walks the data directory and (re)builds the document list. Existing
// sidecars are trusted when their page files still exist; otherwise the
// document is probed again and the sidecar rewritten.
func (l *Library) Scan() error {
	entries, err := os.ReadDir(l.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var docs []*DocumentInfo
	byID := make(map[string]*DocumentInfo)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dataDir, entry.Name())

		doc, err := l.loadOrProbe(dir, entry.Name())
		if err != nil {
			l.log.Warn("Skipping document", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if len(doc.Pages) == 0 {
			continue
		}
		docs = append(docs, doc)
		byID[doc.ID] = doc
	}

	l.mu.Lock()
	l.docs = docs
	l.byID = byID
	l.mu.Unlock()

	l.log.Info("Library scanned", zap.Int("documents", len(docs)))
	return nil
}

func (l *Library) loadOrProbe(dir, title string) (*DocumentInfo, error) {
	metaPath := filepath.Join(dir, metadataFile)

	if doc, err := loadMetadata(metaPath); err == nil && l.pagesIntact(dir, doc) {
		doc.dir = dir
		return doc, nil
	} else if err == nil {
		l.log.Info("Stale document metadata, rescanning", zap.String("dir", dir))
	}

	doc, err := l.probe(dir, title)
	if err != nil {
		return nil, err
	}
	if err := saveMetadata(metaPath, doc); err != nil {
		l.log.Warn("Failed to save document metadata", zap.String("path", metaPath), zap.Error(err))
	}
	return doc, nil
}

func (l *Library) pagesIntact(dir string, doc *DocumentInfo) bool {
	for _, p := range doc.Pages {
		if _, err := os.Stat(filepath.Join(dir, p.File)); err != nil {
			return false
		}
	}
	return true
}

// probe builds fresh metadata: page files in lexical order, dimensions read
// through vips without decoding pixel data.
func (l *Library) probe(dir, title string) (*DocumentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read document directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	doc := &DocumentInfo{
		ID:    uuid.New().String(),
		Title: title,
		dir:   dir,
	}
	for i, file := range files {
		w, h, err := probeDimensions(filepath.Join(dir, file))
		if err != nil {
			l.log.Warn("Failed to probe page", zap.String("file", file), zap.Error(err))
			continue
		}
		doc.Pages = append(doc.Pages, PageInfo{
			Page:   i + 1,
			File:   file,
			Width:  w,
			Height: h,
		})
	}
	return doc, nil
}

func probeDimensions(path string) (int, int, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessSequential

	var image *vips.Image
	var err error
	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		image, err = vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		image, err = vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		image, err = vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		image, err = vips.NewWebpload(path, opts)
	default:
		return 0, 0, fmt.Errorf("unsupported image format: %s", ext)
	}
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

func loadMetadata(path string) (*DocumentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc DocumentInfo
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("metadata missing document id")
	}
	return &doc, nil
}

func saveMetadata(path string, doc *DocumentInfo) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Documents returns a snapshot of the scanned documents.
func (l *Library) Documents() []DocumentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DocumentInfo, len(l.docs))
	for i, d := range l.docs {
		out[i] = *d
	}
	return out
}

// Get returns a document by id.
func (l *Library) Get(id string) (*DocumentInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.byID[id]
	return d, ok
}

// PagePath implements rasterizer.Source.
func (l *Library) PagePath(documentID string, page int) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.byID[documentID]
	if !ok {
		return "", fmt.Errorf("document not found: %s", documentID)
	}
	if page < 1 || page > len(doc.Pages) {
		return "", fmt.Errorf("page %d out of range for document %s", page, documentID)
	}
	return filepath.Join(doc.dir, doc.Pages[page-1].File), nil
}

// PageSize implements rasterizer.Source.
func (l *Library) PageSize(documentID string, page int) (geometry.PageSize, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.byID[documentID]
	if !ok {
		return geometry.PageSize{}, fmt.Errorf("document not found: %s", documentID)
	}
	if page < 1 || page > len(doc.Pages) {
		return geometry.PageSize{}, fmt.Errorf("page %d out of range for document %s", page, documentID)
	}
	p := doc.Pages[page-1]
	return geometry.PageSize{Width: float64(p.Width), Height: float64(p.Height)}, nil
}

// Sizer adapts one document to geometry.PageSizer for the strategies.
func (l *Library) Sizer(documentID string) geometry.PageSizer {
	return docSizer{l: l, id: documentID}
}

type docSizer struct {
	l  *Library
	id string
}

func (s docSizer) PageSize(page int) (geometry.PageSize, bool) {
	size, err := s.l.PageSize(s.id, page)
	if err != nil {
		return geometry.PageSize{}, false
	}
	return size, true
}
