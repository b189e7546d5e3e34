package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/ytrelay/internal/cache"
	"github.com/hitoshi/ytrelay/internal/middleware"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/ratelimit"
)

// CacheConfigDoc はキャッシュ設定のAPI表現。
type CacheConfigDoc struct {
	Enabled    bool `json:"enabled"`
	HeapSize   int  `json:"heap_size"`
	TTLMinutes int  `json:"ttl_minutes"`
}

// RateLimitConfigDoc はレート制限設定のAPI表現。
type RateLimitConfigDoc struct {
	Enabled       bool `json:"enabled"`
	DefaultLimit  int  `json:"default_limit"`
	APILimit      int  `json:"api_limit"`
	PubSubLimit   int  `json:"pubsub_limit"`
	WindowSeconds int  `json:"window_seconds"`
}

// ConfigDoc はキャッシュとレート制限の設定をまとめた結合ドキュメント。
// GET/PUT /api/config で1単位として読み書きされる。
type ConfigDoc struct {
	Cache     CacheConfigDoc     `json:"cache"`
	RateLimit RateLimitConfigDoc `json:"rate_limit"`
}

// ConfigHandler はランタイム設定APIのハンドラー。
type ConfigHandler struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
}

// NewConfigHandler はConfigHandlerを生成する。
func NewConfigHandler(c *cache.Cache, limiter *ratelimit.Limiter) *ConfigHandler {
	return &ConfigHandler{cache: c, limiter: limiter}
}

// Get はGET /api/configを処理する。
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Update はPUT /api/configを処理する。
// 検証を通過した場合のみキャッシュとレートリミッターを再構成し、
// 適用後の設定を返す。キャッシュの再構築中は短時間キャッシュミスが発生する。
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var doc ConfigDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONボディを解析できません"))
		return
	}

	if err := validateConfigDoc(doc); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	h.cache.Reconfigure(cache.Config{
		Enabled:    doc.Cache.Enabled,
		HeapSize:   doc.Cache.HeapSize,
		TTLMinutes: doc.Cache.TTLMinutes,
	})
	h.limiter.Reconfigure(ratelimit.Config{
		Enabled:       doc.RateLimit.Enabled,
		DefaultLimit:  doc.RateLimit.DefaultLimit,
		APILimit:      doc.RateLimit.APILimit,
		PubSubLimit:   doc.RateLimit.PubSubLimit,
		WindowSeconds: doc.RateLimit.WindowSeconds,
	})

	writeJSON(w, http.StatusOK, h.snapshot())
}

// snapshot は現在の設定を結合ドキュメントとして返す。
func (h *ConfigHandler) snapshot() ConfigDoc {
	cacheCfg := h.cache.Snapshot()
	limitCfg := h.limiter.Snapshot()
	return ConfigDoc{
		Cache: CacheConfigDoc{
			Enabled:    cacheCfg.Enabled,
			HeapSize:   cacheCfg.HeapSize,
			TTLMinutes: cacheCfg.TTLMinutes,
		},
		RateLimit: RateLimitConfigDoc{
			Enabled:       limitCfg.Enabled,
			DefaultLimit:  limitCfg.DefaultLimit,
			APILimit:      limitCfg.APILimit,
			PubSubLimit:   limitCfg.PubSubLimit,
			WindowSeconds: limitCfg.WindowSeconds,
		},
	}
}

// validateConfigDoc は設定ドキュメントの値を検証する。
func validateConfigDoc(doc ConfigDoc) error {
	if doc.Cache.HeapSize <= 0 {
		return model.NewInvalidRequestError("cache.heap_size には正の整数を指定してください")
	}
	if doc.Cache.TTLMinutes <= 0 {
		return model.NewInvalidRequestError("cache.ttl_minutes には正の整数を指定してください")
	}
	if doc.RateLimit.DefaultLimit <= 0 || doc.RateLimit.APILimit <= 0 || doc.RateLimit.PubSubLimit <= 0 {
		return model.NewInvalidRequestError("rate_limit の各上限には正の整数を指定してください")
	}
	if doc.RateLimit.WindowSeconds <= 0 {
		return model.NewInvalidRequestError("rate_limit.window_seconds には正の整数を指定してください")
	}
	return nil
}
