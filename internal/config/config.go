// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// キャッシュとレート制限の設定は初期値であり、起動後は
// 各コンポーネントが保持する値がPUT /api/configで更新される。
type Config struct {
	// Database
	DatabaseURL string

	// Queue (RabbitMQ)
	AMQPURL   string
	QueueName string

	// PubSubハブ
	HubURL      string
	CallbackURL string
	HubTimeout  time.Duration

	// Consumer
	ConsumerProcessDelay time.Duration
	ConsumerMaxAttempts  int
	ConsumerStopTimeout  time.Duration

	// リース更新ワーカー
	RenewalInterval    time.Duration
	RenewalWindow      time.Duration
	RenewalRatePerSec  float64

	// Cache（初期値）
	CacheEnabled    bool
	CacheHeapSize   int
	CacheTTLMinutes int

	// Rate Limit（初期値）
	RateLimitEnabled       bool
	RateLimitDefault       int
	RateLimitAPI           int
	RateLimitPubSub        int
	RateLimitWindowSeconds int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AMQPURL = os.Getenv("AMQP_URL")
	if cfg.AMQPURL == "" {
		missing = append(missing, "AMQP_URL")
	}

	// ハブに渡すコールバックURL。検証ハンドシェイクでもクライアント提供値ではなく
	// この値を使用する。
	cfg.CallbackURL = os.Getenv("CALLBACK_URL")
	if cfg.CallbackURL == "" {
		missing = append(missing, "CALLBACK_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.QueueName = getEnvString("QUEUE_NAME", "video_notifications")
	cfg.HubURL = getEnvString("HUB_URL", "https://pubsubhubbub.appspot.com/subscribe")
	cfg.HubTimeout = getEnvDuration("HUB_TIMEOUT", 30*time.Second)
	cfg.ConsumerProcessDelay = getEnvDuration("CONSUMER_PROCESS_DELAY", 100*time.Millisecond)
	cfg.ConsumerMaxAttempts = getEnvInt("CONSUMER_MAX_ATTEMPTS", 5)
	cfg.ConsumerStopTimeout = getEnvDuration("CONSUMER_STOP_TIMEOUT", 5*time.Second)
	cfg.RenewalInterval = getEnvDuration("RENEWAL_INTERVAL", 10*time.Minute)
	cfg.RenewalWindow = getEnvDuration("RENEWAL_WINDOW", 1*time.Hour)
	cfg.RenewalRatePerSec = getEnvFloat("RENEWAL_RATE_PER_SEC", 1.0)
	cfg.CacheEnabled = getEnvBool("CACHE_ENABLED", true)
	cfg.CacheHeapSize = getEnvInt("CACHE_HEAP_SIZE", 1000)
	cfg.CacheTTLMinutes = getEnvInt("CACHE_TTL_MINUTES", 10)
	cfg.RateLimitEnabled = getEnvBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitDefault = getEnvInt("RATE_LIMIT_DEFAULT", 60)
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 30)
	cfg.RateLimitPubSub = getEnvInt("RATE_LIMIT_PUBSUB", 120)
	cfg.RateLimitWindowSeconds = getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
	if err != nil {
		return defaultVal
	}
	return d
}
