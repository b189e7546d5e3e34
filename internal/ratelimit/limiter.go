// Package ratelimit は(クライアントIP, パス)単位の固定ウィンドウ型
// リクエスト許可制御を提供する。カウンタはキャッシュのrate_limitsリージョンに
// 保存され、TTLにより自然に消滅する。
package ratelimit

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/ytrelay/internal/cache"
)

// Region はカウンタを保存するキャッシュリージョン名。
const Region = "rate_limits"

// Config はレート制限の設定を保持する。
// PUT /api/config により1単位としてアトミックに差し替えられる。
type Config struct {
	Enabled       bool
	DefaultLimit  int // その他パスの上限（req/window）
	APILimit      int // /api/ プレフィックスの上限
	PubSubLimit   int // /pubsub/ プレフィックスの上限（ハブは高頻度の信頼された呼び出し元）
	WindowSeconds int // ウィンドウ幅（秒）
}

// DefaultConfig はデフォルトのレート制限設定を返す。
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		DefaultLimit:  60,
		APILimit:      30,
		PubSubLimit:   120,
		WindowSeconds: 60,
	}
}

// record は1つの(クライアントIP, パス)キーに対するウィンドウ内カウンタ。
type record struct {
	Count       int
	WindowStart int64 // epoch秒
}

// Limiter は固定ウィンドウ型のレートリミッター。
// 上限超過後もカウンタは更新・保存され続け、ウィンドウがリセットされるまで
// カウントは上限を超えて増加する。
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time // テスト用に差し替え可能
}

// New は新しいLimiterを生成する。
func New(cfg Config, c *cache.Cache, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:    cfg,
		cache:  c,
		logger: logger,
		now:    time.Now,
	}
}

// Allow は指定クライアントIPとパスのリクエストを許可するかを返す。
// グローバルに無効化されている場合は常にtrueを返す。
// カウンタの読み書きはミューテックスで直列化され、キーごとの更新はアトミックになる。
func (l *Limiter) Allow(clientIP, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return true
	}

	limit := l.limitForPath(path)
	key := clientIP + ":" + path
	now := l.now().Unix()

	rec := record{Count: 0, WindowStart: now}
	if v, ok := l.cache.Get(Region, key); ok {
		if stored, ok := v.(record); ok {
			rec = stored
		}
	}

	// ウィンドウが経過していればリセットして許可
	if now-rec.WindowStart > int64(l.cfg.WindowSeconds) {
		rec.Count = 1
		rec.WindowStart = now
		l.cache.Put(Region, key, rec)
		return true
	}

	// 上限超過後もカウンタは保存し続ける
	rec.Count++
	l.cache.Put(Region, key, rec)

	if rec.Count > limit {
		l.logger.Warn("レート制限を超過しました",
			slog.String("client_ip", clientIP),
			slog.String("path", path),
			slog.Int("count", rec.Count),
			slog.Int("limit", limit),
		)
		return false
	}
	return true
}

// Snapshot は現在の設定のコピーを返す。
func (l *Limiter) Snapshot() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Reconfigure は設定全体を1単位としてアトミックに差し替える。
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cfg = cfg
	l.logger.Info("レート制限を再構成しました",
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("default_limit", cfg.DefaultLimit),
		slog.Int("api_limit", cfg.APILimit),
		slog.Int("pubsub_limit", cfg.PubSubLimit),
		slog.Int("window_seconds", cfg.WindowSeconds),
	)
}

// WindowSeconds は現在のウィンドウ幅（秒）を返す。Retry-Afterの算出用。
func (l *Limiter) WindowSeconds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.WindowSeconds
}

// limitForPath はパスのプレフィックスに応じた上限を返す。
func (l *Limiter) limitForPath(path string) int {
	switch {
	case strings.HasPrefix(path, "/api/"):
		return l.cfg.APILimit
	case strings.HasPrefix(path, "/pubsub/"):
		return l.cfg.PubSubLimit
	default:
		return l.cfg.DefaultLimit
	}
}
