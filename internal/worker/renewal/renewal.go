// Package renewal は期限の近い購読のリース更新を行うバックグラウンドワーカーを提供する。
// 定期的にストアを走査し、期限がウィンドウ以内に迫ったアクティブな購読について
// ハブへ購読リクエストを再送する。購読の削除は決して行わない。
package renewal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/ytrelay/internal/hub"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/repository"
)

// Config はリース更新ワーカーの設定を保持する。
type Config struct {
	// Interval はストア走査の間隔。
	Interval time.Duration
	// Window は「期限が近い」と判定する残り時間。
	Window time.Duration
	// RatePerSec はハブへのアウトバウンドリクエストのペース（req/sec）。
	RatePerSec float64
}

// DefaultConfig はデフォルトのワーカー設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Minute,
		Window:     time.Hour,
		RatePerSec: 1.0,
	}
}

// Worker は購読リースの更新ワーカー。
// ハブへの再購読はレートリミッターでペーシングされ、
// 走査1回あたりの対象件数が多くてもハブに負荷をかけない。
type Worker struct {
	repo    repository.SubscriptionRepository
	hub     hub.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New はWorkerを生成する。
func New(repo repository.SubscriptionRepository, hubClient hub.Client, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1.0
	}
	return &Worker{
		repo:    repo,
		hub:     hubClient,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		logger:  logger,
	}
}

// Start はバックグラウンドでの定期走査を開始する。すでに稼働中の場合は何もしない。
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)

	w.logger.Info("リース更新ワーカーを開始しました",
		slog.Duration("interval", w.cfg.Interval),
		slog.Duration("window", w.cfg.Window),
	)
}

// Stop はワーカーを停止し、実行中の走査の終了を待つ。停止済みの場合は何もしない。
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("リース更新ワーカーを停止しました")
}

// run は定期的にSweepを実行するループ。
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep は期限の近い購読を1回走査して更新を試みる。
// ハブ成功時はリースを延長して保存し、失敗時はpendingに遷移させる
// （オペレーターまたは次回走査の再試行対象として可視化する）。
func (w *Worker) Sweep(ctx context.Context) {
	subs, err := w.repo.ListExpiring(ctx, w.cfg.Window)
	if err != nil {
		w.logger.Error("期限の近い購読の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	w.logger.Info("リース更新の走査を開始します",
		slog.Int("count", len(subs)),
	)

	for _, sub := range subs {
		if err := w.limiter.Wait(ctx); err != nil {
			// 停止によるキャンセル。残りは次回走査に持ち越す
			return
		}
		w.renew(ctx, sub)
	}
}

// renew は1件の購読についてハブへ再購読を試みる。
func (w *Worker) renew(ctx context.Context, sub *model.Subscription) {
	if ok := w.hub.Subscribe(ctx, sub.Topic, sub.CallbackURL, sub.LeaseSeconds); !ok {
		w.logger.Warn("リース更新のハブリクエストが失敗しました",
			slog.String("channel_id", sub.ChannelID),
		)
		if err := w.repo.UpdateStatus(ctx, sub.ChannelID, model.StatusPending); err != nil {
			w.logger.Error("pendingへの遷移に失敗しました",
				slog.String("channel_id", sub.ChannelID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	renewed := model.NewSubscription(sub.ChannelID, sub.Topic, sub.CallbackURL, sub.LeaseSeconds)
	if err := w.repo.Upsert(ctx, renewed); err != nil {
		w.logger.Error("リース延長の保存に失敗しました",
			slog.String("channel_id", sub.ChannelID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("リースを更新しました",
		slog.String("channel_id", sub.ChannelID),
		slog.Time("expires_at", renewed.ExpiresAt),
	)
}
