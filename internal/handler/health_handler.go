package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/ytrelay/internal/cache"
)

// Pinger はデータベース到達性チェックのインターフェース。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthPublisher はreadinessチェックが必要とするキューの到達性インターフェース。
// queue.Publisherが満たす。
type HealthPublisher interface {
	IsAvailable() bool
}

// HealthHandler はliveness/readinessエンドポイントのハンドラー。
type HealthHandler struct {
	db        Pinger
	publisher HealthPublisher
	cache     *cache.Cache
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db Pinger, publisher HealthPublisher, c *cache.Cache) *HealthHandler {
	return &HealthHandler{db: db, publisher: publisher, cache: c}
}

// Live はGET /healthを処理する。プロセスが応答できる限り常に200を返す。
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready はGET /health/readyを処理する。
// ストア・キュー・キャッシュがすべて到達可能な場合のみ200を返し、
// そうでない場合は失敗した依存先の名前を含む503を返す。
// 設定で無効化されたキャッシュは障害として扱わない。
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var failing []string

	if err := h.db.PingContext(ctx); err != nil {
		failing = append(failing, "database")
	}
	if !h.publisher.IsAvailable() {
		failing = append(failing, "queue")
	}
	if h.cache.Enabled() && !h.cache.IsAvailable() {
		failing = append(failing, "cache")
	}

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"failing": failing,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
