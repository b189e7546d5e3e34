package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ytrelay/internal/cache"
	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/middleware"
	"github.com/hitoshi/ytrelay/internal/ratelimit"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	Limiter           *ratelimit.Limiter
	Metrics           metrics.Recorder

	// ハブ向けインテーク
	PubSubService PubSubServiceInterface

	// 購読管理
	SubscriptionService SubscriptionServiceInterface

	// コンシューマ管理
	Consumer ConsumerController

	// ランタイム設定
	Cache *cache.Cache

	// ヘルスチェック
	DB        Pinger
	Publisher HealthPublisher

	// メトリクス公開（nilの場合は/metricsを配線しない）
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit
//
// レート制限はハブ向けパス（/pubsub/）にも適用される（上限はパスクラスごとに異なる）。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRateLimitMiddleware(deps.Limiter, deps.Metrics, deps.Logger))

	pubsubHandler := NewPubSubHandler(deps.PubSubService)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)
	consumerHandler := NewConsumerHandler(deps.Consumer)
	configHandler := NewConfigHandler(deps.Cache, deps.Limiter)
	healthHandler := NewHealthHandler(deps.DB, deps.Publisher, deps.Cache)

	// ハブ向けインテーク
	r.Route("/pubsub", func(r chi.Router) {
		r.Get("/youtube", pubsubHandler.Verify)
		r.Post("/youtube", pubsubHandler.Notify)
	})

	// 購読管理
	r.Route("/api/subscriptions", func(r chi.Router) {
		r.Get("/", subHandler.List)
		r.Get("/all", subHandler.ListAll)
		r.Post("/", subHandler.Create)

		r.Route("/{channelId}", func(r chi.Router) {
			r.Get("/", subHandler.Get)
			r.Put("/", subHandler.Update)
			r.Put("/status", subHandler.UpdateStatus)
			r.Delete("/", subHandler.Delete)
		})
	})

	// コンシューマ管理
	r.Route("/api/notifications/consumer", func(r chi.Router) {
		r.Get("/status", consumerHandler.Status)
		r.Post("/start", consumerHandler.Start)
		r.Post("/stop", consumerHandler.Stop)
	})

	// ランタイム設定
	r.Route("/api/config", func(r chi.Router) {
		r.Get("/", configHandler.Get)
		r.Put("/", configHandler.Update)
	})

	// ヘルスチェック
	r.Get("/health", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	// メトリクス公開
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return r
}
