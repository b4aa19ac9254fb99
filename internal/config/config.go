package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	Port string

	// CORS
	// CORSOrigin は "*"（全オリジン許可）またはカンマ区切りの許可リスト。
	CORSOrigin string

	// Forward
	// ForwardURL が空の場合、承認時の転送は行わない。
	ForwardURL          string
	ForwardBlockPrivate bool

	// Ingest
	IngestStripHTML bool
	RateLimitIngest int // req/min/IP。0以下で無効

	// Observers
	ObserverBuffer  int
	StreamHeartbeat time.Duration
	WriteTimeout    time.Duration

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// すべての項目にデフォルト値があり、PORTが不正な場合のみエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvString("PORT", "4000")
	if n, err := strconv.Atoi(cfg.Port); err != nil || n < 0 || n > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", cfg.Port)
	}

	cfg.CORSOrigin = getEnvString("CORS_ORIGIN", "*")
	cfg.ForwardURL = strings.TrimSpace(os.Getenv("FORWARD_URL"))
	cfg.ForwardBlockPrivate = getEnvBool("FORWARD_BLOCK_PRIVATE", false)
	cfg.IngestStripHTML = getEnvBool("INGEST_STRIP_HTML", false)
	cfg.RateLimitIngest = getEnvInt("RATE_LIMIT_INGEST", 120)
	cfg.ObserverBuffer = getEnvInt("OBSERVER_BUFFER", 64)
	cfg.StreamHeartbeat = getEnvDuration("STREAM_HEARTBEAT", 25*time.Second)
	cfg.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	return cfg, nil
}

// ForwardEnabled は転送先が設定されているかを返す。
func (c *Config) ForwardEnabled() bool {
	return c.ForwardURL != ""
}

// AllowedOrigins はCORS許可リストを返す。"*" の場合はnilとtrueを返す。
func (c *Config) AllowedOrigins() (origins []string, allowAll bool) {
	if strings.TrimSpace(c.CORSOrigin) == "*" {
		return nil, true
	}
	for _, o := range strings.Split(c.CORSOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins, false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
