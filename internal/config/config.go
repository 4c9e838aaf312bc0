package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port    int
	DataDir string

	// Render engine
	MaxConcurrentRenders int
	MaxFullPageZoom      float64

	// Cache tiers
	CacheHotTiles  int
	CacheWarmTiles int
	CacheWarmMB    int

	// Startup prefetch
	WarmupPages int

	// libvips
	VipsMaxCacheMB  int
	VipsConcurrency int

	LogLevel      string
	LogFormat     string
	AllowedOrigin string
}

func Load() *Config {
	return &Config{
		Port:                 getEnvInt("PORT", 8080),
		DataDir:              getEnv("DATA_DIR", "/data"),
		MaxConcurrentRenders: getEnvInt("MAX_CONCURRENT_RENDERS", 8),
		MaxFullPageZoom:      getEnvFloat("MAX_FULL_PAGE_ZOOM", 4.0),
		CacheHotTiles:        getEnvInt("CACHE_HOT_TILES", 50),
		CacheWarmTiles:       getEnvInt("CACHE_WARM_TILES", 200),
		CacheWarmMB:          getEnvInt("CACHE_WARM_MB", 200),
		WarmupPages:          getEnvInt("WARMUP_PAGES", 2),
		VipsMaxCacheMB:       getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:      getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
