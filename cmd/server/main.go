package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"pageview/internal/config"
	"pageview/internal/coordinator"
	"pageview/internal/doclist"
	"pageview/internal/geometry"
	httphandlers "pageview/internal/http"
	"pageview/internal/logger"
	"pageview/internal/rasterizer"
	"pageview/internal/strategy"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("Starting pageview server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("max_concurrent_renders", cfg.MaxConcurrentRenders),
	)

	library := doclist.New(cfg.DataDir, log)
	if err := library.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	ras := rasterizer.NewVips(library, log)
	handlers := httphandlers.New(cfg, log, library, ras)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/documents", handlers.HandleDocuments)
	mux.HandleFunc("/api/documents/", handlers.HandleDocumentRoutes)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	if cfg.WarmupPages > 0 {
		go warmup(cfg.WarmupPages, library, handlers, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmup pre-renders the scale-1 tile grids of each document's first pages
// through the normal coordinator path, so first paint hits the warm cache.
// The coordinator's semaphore bounds the render load.
func warmup(pages int, library *doclist.Library, handlers *httphandlers.Handlers, log *zap.Logger) {
	docs := library.Documents()
	if len(docs) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("pages", pages), zap.Int("documents", len(docs)))

	rendered := 0
	for _, doc := range docs {
		co := handlers.Session(doc.ID)
		sizer := library.Sizer(doc.ID)

		limit := pages
		if limit > doc.PageCount() {
			limit = doc.PageCount()
		}
		for page := 1; page <= limit; page++ {
			size, ok := sizer.PageSize(page)
			if !ok {
				continue
			}
			var reqs []coordinator.Request
			for _, tile := range geometry.TileGridForPage(page, size, 1) {
				reqs = append(reqs, coordinator.TileRequest(tile, strategy.PriorityLow))
			}
			for _, res := range co.RequestBatch(reqs) {
				if res.Ok() {
					rendered++
				} else {
					log.Debug("Warmup tile failed", zap.String("document", doc.ID), zap.Int("page", page), zap.Error(res.Err))
				}
			}
		}
	}

	log.Info("Tile warmup completed", zap.Int("tiles", rendered))
}
