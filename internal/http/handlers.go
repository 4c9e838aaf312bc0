package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pageview/internal/config"
	"pageview/internal/coordinator"
	"pageview/internal/doclist"
	"pageview/internal/geometry"
	"pageview/internal/strategy"
	"pageview/internal/tilecache"
)

// Handlers serves the tile API. Each open document gets its own render
// session (cache manager + coordinator) sharing one rasterizer; sessions
// are created lazily on first access.
type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	library *doclist.Library
	ras     coordinator.Rasterizer

	mu       sync.Mutex
	sessions map[string]*coordinator.Coordinator
}

func New(cfg *config.Config, logger *zap.Logger, library *doclist.Library, ras coordinator.Rasterizer) *Handlers {
	return &Handlers{
		config:   cfg,
		logger:   logger,
		library:  library,
		ras:      ras,
		sessions: make(map[string]*coordinator.Coordinator),
	}
}

// Session returns (creating if needed) the render session for a document.
func (h *Handlers) Session(documentID string) *coordinator.Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	if co, ok := h.sessions[documentID]; ok {
		return co
	}
	cache := tilecache.NewManager(tilecache.Config{
		HotCapacity:  h.config.CacheHotTiles,
		WarmCapacity: h.config.CacheWarmTiles,
		WarmMaxBytes: int64(h.config.CacheWarmMB) << 20,
	}, h.logger)
	co := coordinator.New(h.ras, cache, coordinator.Config{
		MaxConcurrent:   h.config.MaxConcurrentRenders,
		MaxFullPageZoom: h.config.MaxFullPageZoom,
	}, h.logger)
	co.SetDocument(documentID)
	h.sessions[documentID] = co
	return co
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := h.config.AllowedOrigin
		if allowedOrigin == "" && origin == "" {
			allowedOrigin = "*"
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.library.Documents())
}

// HandleDocumentRoutes dispatches /api/documents/{id}[/...]:
//
//	{id}                          document metadata
//	{id}/stats                    render session stats
//	{id}/pages/{p}                whole-page render, ?scale=
//	{id}/pages/{p}/tiles/{x}/{y}  tile render, ?scale=
func (h *Handlers) HandleDocumentRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	documentID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleDocumentMeta(w, r, documentID)
	case len(parts) == 2 && parts[1] == "stats":
		h.handleStats(w, r, documentID)
	case len(parts) == 3 && parts[1] == "pages":
		h.handlePage(w, r, documentID, parts[2])
	case len(parts) == 6 && parts[1] == "pages" && parts[3] == "tiles":
		h.handleTile(w, r, documentID, parts[2], parts[4], parts[5])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleDocumentMeta(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, ok := h.library.Get(documentID)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":       doc.ID,
		"title":    doc.Title,
		"pages":    doc.Pages,
		"tileSize": geometry.TileSize,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.library.Get(documentID); !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.Session(documentID).Stats())
}

func (h *Handlers) handlePage(w http.ResponseWriter, r *http.Request, documentID, pageStr string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		http.Error(w, "Invalid page number", http.StatusBadRequest)
		return
	}
	scale, ok := parseScale(r)
	if !ok {
		http.Error(w, "Invalid scale", http.StatusBadRequest)
		return
	}
	if _, ok := h.library.Get(documentID); !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	co := h.Session(documentID)
	req := coordinator.PageRequest(page, scale, strategy.PriorityCritical).WithContext(r.Context())
	res := co.RequestRender(req)
	if !res.Ok() {
		h.renderError(w, r, res.Err)
		return
	}
	serveImage(w, r, res.Data, etag(req.Key()), res.FromCache)
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, documentID, pageStr, xStr, yStr string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page, err1 := strconv.Atoi(pageStr)
	x, err2 := strconv.Atoi(xStr)
	y, err3 := strconv.Atoi(yStr)
	if err1 != nil || err2 != nil || err3 != nil || page < 1 || x < 0 || y < 0 {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}
	scale, ok := parseScale(r)
	if !ok {
		http.Error(w, "Invalid scale", http.StatusBadRequest)
		return
	}

	size, err := h.library.PageSize(documentID, page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	cols, rows := geometry.GridDimensions(size, scale)
	if x >= cols || y >= rows {
		http.Error(w, "Tile outside page grid", http.StatusBadRequest)
		return
	}

	tile := geometry.TileCoordinate{Page: page, X: x, Y: y, Scale: scale}
	co := h.Session(documentID)
	req := coordinator.TileRequest(tile, strategy.PriorityCritical).WithContext(r.Context())
	res := co.RequestRender(req)
	if !res.Ok() {
		// Degrade to the scale-1 placeholder rather than a blank tile.
		if fallback, ok := co.GetFallback(tile); ok {
			w.Header().Set("X-Tile-Fallback", "1")
			serveImage(w, r, fallback, etag(tile.Key()+"-fb"), true)
			return
		}
		h.renderError(w, r, res.Err)
		return
	}
	serveImage(w, r, res.Data, etag(req.Key()), res.FromCache)
}

func (h *Handlers) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, coordinator.ErrAborted) {
		// Client went away; nothing useful to write.
		return
	}
	h.logger.Error("Render failed", zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseScale(r *http.Request) (float64, bool) {
	raw := r.URL.Query().Get("scale")
	if raw == "" {
		return 1, true
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil || scale <= 0 || scale > 16 {
		return 0, false
	}
	return geometry.RoundScale(scale), true
}

func serveImage(w http.ResponseWriter, r *http.Request, data []byte, etag string, fromCache bool) {
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if fromCache {
		w.Header().Set("X-Cache", "hit")
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func etag(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])[:16]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
