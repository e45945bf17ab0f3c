package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend API
	APIURL     string
	APITimeout time.Duration

	// Database（空ならクライアントストレージはメモリに置く）
	DatabaseURL string

	// Social
	SocialPollInterval   time.Duration
	SocialLinkStrategies string

	// Tips
	TipRefreshInterval time.Duration

	// Extension
	ExtensionRecheckDelay time.Duration
	BridgeCallTimeout     time.Duration

	// View
	ViewTTL time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Client storage
	StorageRetentionDays int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIURL = strings.TrimRight(os.Getenv("API_URL"), "/")
	if cfg.APIURL == "" {
		missing = append(missing, "API_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid API_URL: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BASE_URL: %w", err)
	}

	// Optional fields with defaults
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 10*time.Second)
	cfg.SocialPollInterval = getEnvDuration("SOCIAL_POLL_INTERVAL", 3*time.Second)
	cfg.SocialLinkStrategies = os.Getenv("SOCIAL_LINK_STRATEGIES")
	cfg.TipRefreshInterval = getEnvDuration("TIP_REFRESH_INTERVAL", 30*time.Second)
	cfg.ExtensionRecheckDelay = getEnvDuration("EXTENSION_RECHECK_DELAY", 500*time.Millisecond)
	cfg.BridgeCallTimeout = getEnvDuration("BRIDGE_CALL_TIMEOUT", 2*time.Minute)
	cfg.ViewTTL = getEnvDuration("VIEW_TTL", 30*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.StorageRetentionDays = getEnvInt("STORAGE_RETENTION_DAYS", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// StorageRetention はクライアントストレージの保持期間を返す。
func (c *Config) StorageRetention() time.Duration {
	return time.Duration(c.StorageRetentionDays) * 24 * time.Hour
}

// Origin はログインチャレンジに紐付けるサイトのオリジン（スキームとホスト）を返す。
func (c *Config) Origin() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return c.BaseURL
	}
	return u.Scheme + "://" + u.Host
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
