// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ytrelay/internal/cache"
	"github.com/hitoshi/ytrelay/internal/config"
	"github.com/hitoshi/ytrelay/internal/database"
	"github.com/hitoshi/ytrelay/internal/feed"
	"github.com/hitoshi/ytrelay/internal/handler"
	"github.com/hitoshi/ytrelay/internal/hub"
	"github.com/hitoshi/ytrelay/internal/logger"
	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/pubsub"
	"github.com/hitoshi/ytrelay/internal/queue"
	"github.com/hitoshi/ytrelay/internal/ratelimit"
	"github.com/hitoshi/ytrelay/internal/repository"
	"github.com/hitoshi/ytrelay/internal/security"
	"github.com/hitoshi/ytrelay/internal/subscription"
	"github.com/hitoshi/ytrelay/internal/worker/renewal"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandConsumer:
		return runConsumer(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバー・コンシューマ・
// リース更新ワーカーを起動する。SIGINTまたはSIGTERMシグナルを受信すると
// グレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. キャッシュとレートリミッター
	appCache := cache.New(cache.Config{
		Enabled:    cfg.CacheEnabled,
		HeapSize:   cfg.CacheHeapSize,
		TTLMinutes: cfg.CacheTTLMinutes,
	}, slog.Default())
	defer appCache.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:       cfg.RateLimitEnabled,
		DefaultLimit:  cfg.RateLimitDefault,
		APILimit:      cfg.RateLimitAPI,
		PubSubLimit:   cfg.RateLimitPubSub,
		WindowSeconds: cfg.RateLimitWindowSeconds,
	}, appCache, slog.Default())

	// 3. リポジトリ（キャッシュ付きデコレータ）
	pgRepo := repository.NewPostgresSubscriptionRepo(db)
	subRepo := repository.NewCachedSubscriptionRepo(pgRepo, appCache)

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. キュー（パブリッシャーとコンシューマ）
	publisher := queue.NewAMQPPublisher(cfg.AMQPURL, cfg.QueueName, slog.Default())
	defer publisher.Close()

	processor := queue.NewLogProcessor(slog.Default(), cfg.ConsumerProcessDelay)
	consumer := queue.NewConsumer(cfg.AMQPURL, cfg.QueueName, queue.ConsumerConfig{
		MaxAttempts: cfg.ConsumerMaxAttempts,
		StopTimeout: cfg.ConsumerStopTimeout,
	}, processor, slog.Default(), collector)

	if err := consumer.Start(); err != nil {
		// ブローカー未起動でもAPIサーバーは上げる。コンシューマは
		// 管理APIから後で起動できる
		slog.Error("コンシューマの起動に失敗しました（APIサーバーは継続します）",
			slog.String("error", err.Error()),
		)
	}
	defer consumer.Stop()

	// 6. ハブクライアントとインテーク/管理サービス
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()
	parser := feed.NewParser()

	hubClient := hub.NewHTTPClient(
		&http.Client{Timeout: cfg.HubTimeout},
		cfg.HubURL,
		slog.Default(),
	)

	pubsubService := pubsub.NewService(
		subRepo, publisher, parser, sanitizer,
		cfg.CallbackURL, slog.Default(), collector,
	)
	subService := subscription.NewService(subRepo, hubClient, ssrfGuard, slog.Default())

	// 7. リース更新ワーカー
	renewalWorker := renewal.New(subRepo, hubClient, renewal.Config{
		Interval:   cfg.RenewalInterval,
		Window:     cfg.RenewalWindow,
		RatePerSec: cfg.RenewalRatePerSec,
	}, slog.Default())
	renewalWorker.Start()
	defer renewalWorker.Stop()

	// 8. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Limiter:           limiter,
		Metrics:           collector,

		PubSubService:       pubsubService,
		SubscriptionService: subService,
		Consumer:            consumer,
		Cache:               appCache,

		DB:        db,
		Publisher: publisher,

		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runConsumer はキューコンシューマのみを起動する。
// APIサーバーと別プロセスで通知処理をスケールさせるためのモード。
func runConsumer(cfg *config.Config) error {
	collector := metrics.NewCollector(prometheus.NewRegistry())

	processor := queue.NewLogProcessor(slog.Default(), cfg.ConsumerProcessDelay)
	consumer := queue.NewConsumer(cfg.AMQPURL, cfg.QueueName, queue.ConsumerConfig{
		MaxAttempts: cfg.ConsumerMaxAttempts,
		StopTimeout: cfg.ConsumerStopTimeout,
	}, processor, slog.Default(), collector)

	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	slog.Info("consumer starting",
		slog.String("queue", cfg.QueueName),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down consumer...")
	consumer.Stop()

	slog.Info("consumer stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
