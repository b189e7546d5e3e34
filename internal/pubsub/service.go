// Package pubsub はPubSubHubbubプロトコルの購読者側状態遷移を実装する。
// 検証ハンドシェイクとコンテンツ通知のバリデーション/キュー投入を担い、
// 購読ストア・キューと連携する。
package pubsub

import (
	"context"
	"io"
	"log/slog"

	"github.com/hitoshi/ytrelay/internal/feed"
	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/queue"
	"github.com/hitoshi/ytrelay/internal/repository"
	"github.com/hitoshi/ytrelay/internal/security"
)

// VerifyParams は検証ハンドシェイクのクエリパラメータを表す。
// HasChallengeはパラメータ自体の有無を示す。値が空文字列でも
// パラメータが存在すればチャレンジとして有効である。
type VerifyParams struct {
	Challenge    string
	HasChallenge bool
	Mode         string
	Topic        string
	LeaseSeconds int
}

// Service はインテークパイプラインのサービス層。
//
// ハブ向けパスの契約: チャレンジが存在する限り、ストアやキューの失敗が
// レスポンスを変えてはならない。依存先の失敗はログに記録して吸収する
// （そうしないとハブ側のリトライストームを誘発する）。
type Service struct {
	repo        repository.SubscriptionRepository
	publisher   queue.Publisher
	parser      *feed.Parser
	sanitizer   security.TextSanitizerService
	callbackURL string
	logger      *slog.Logger
	metrics     metrics.Recorder
}

// NewService はServiceを生成する。
// callbackURLには外部設定されたこのサービスの通知エンドポイントを渡す。
// クライアント提供のコールバックは信頼しない。
func NewService(
	repo repository.SubscriptionRepository,
	publisher queue.Publisher,
	parser *feed.Parser,
	sanitizer security.TextSanitizerService,
	callbackURL string,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Service {
	return &Service{
		repo:        repo,
		publisher:   publisher,
		parser:      parser,
		sanitizer:   sanitizer,
		callbackURL: callbackURL,
		logger:      logger,
		metrics:     rec,
	}
}

// Verify は検証ハンドシェイクを処理してエコーすべきチャレンジ文字列を返す。
// チャレンジパラメータが欠落している場合のみ*model.APIErrorを返す。
// 購読ストアの失敗はチャレンジのエコーを妨げない。
func (s *Service) Verify(ctx context.Context, p VerifyParams) (string, error) {
	if !p.HasChallenge {
		return "", model.NewMissingChallengeError()
	}

	s.metrics.RecordVerification(p.Mode)

	switch {
	case p.Mode == "subscribe" && p.Topic != "" && p.LeaseSeconds > 0:
		s.recordSubscribe(ctx, p)
	case p.Mode == "unsubscribe" && p.Topic != "":
		s.recordUnsubscribe(ctx, p)
	}

	// プロトコル契約: 送られてきたチャレンジをそのままエコーする
	return p.Challenge, nil
}

// recordSubscribe は検証済みのsubscribeハンドシェイクを購読ストアに反映する。
// ストアエラーはログに記録して吸収する。
func (s *Service) recordSubscribe(ctx context.Context, p VerifyParams) {
	channelID := feed.ChannelIDFromTopic(p.Topic)
	if channelID == "" {
		s.logger.Warn("トピックURLからチャンネルIDを抽出できませんでした",
			slog.String("topic", p.Topic),
		)
		return
	}

	sub := model.NewSubscription(channelID, p.Topic, s.callbackURL, p.LeaseSeconds)
	if err := s.repo.Upsert(ctx, sub); err != nil {
		s.logger.Error("検証ハンドシェイクの購読保存に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("購読を確認しました",
		slog.String("channel_id", channelID),
		slog.Int("lease_seconds", p.LeaseSeconds),
	)
}

// recordUnsubscribe は検証済みのunsubscribeハンドシェイクを購読ストアに反映する。
// ストアエラー（未登録チャンネルを含む）はログに記録して吸収する。
func (s *Service) recordUnsubscribe(ctx context.Context, p VerifyParams) {
	channelID := feed.ChannelIDFromTopic(p.Topic)
	if channelID == "" {
		s.logger.Warn("トピックURLからチャンネルIDを抽出できませんでした",
			slog.String("topic", p.Topic),
		)
		return
	}

	if err := s.repo.UpdateStatus(ctx, channelID, model.StatusInactive); err != nil {
		s.logger.Error("購読解除の反映に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("購読解除を確認しました",
		slog.String("channel_id", channelID),
	)
}

// Notify はコンテンツ通知を検証してキューに投入する。
// 戻り値のエラーはバリデーション/フォーマット失敗（4xx相当）のみ。
// キュー投入の失敗はログに記録するだけで、HTTPの結果には影響しない。
// ハブの観点ではバリデーションを通過した通知は正しく処理済みであり、
// 内部配送の失敗はこのサービス自身が再試行すべき問題である。
func (s *Service) Notify(ctx context.Context, body io.Reader) error {
	s.metrics.RecordNotificationReceived()

	entry, err := s.parser.ParseNotification(body)
	if err != nil {
		s.logger.Warn("通知ボディを解析できませんでした",
			slog.String("error", err.Error()),
		)
		s.metrics.RecordValidationFailure(model.ErrCodeParseFailed)
		return model.NewParseFailedError()
	}
	if entry == nil {
		s.metrics.RecordValidationFailure(model.ErrCodeMissingEntry)
		return model.NewMissingEntryError()
	}
	if entry.Title == "" {
		s.metrics.RecordValidationFailure(model.ErrCodeMissingTitle)
		return model.NewMissingTitleError()
	}
	if entry.VideoID == "" {
		s.metrics.RecordValidationFailure(model.ErrCodeMissingVideoID)
		return model.NewMissingVideoIDError()
	}

	entry.Title = s.sanitizer.Sanitize(entry.Title)
	entry.ChannelName = s.sanitizer.Sanitize(entry.ChannelName)

	// 購読ストアとの突き合わせは観測目的のみ。
	// 署名検証が存在しないためセキュリティゲートとしては使えず、
	// 未登録/非アクティブでも通知は拒否しない。
	if entry.ChannelID != "" {
		s.checkSubscription(ctx, entry.ChannelID)
	}

	n := model.NewNotification(entry)
	ok := s.publisher.Publish(ctx, n)
	s.metrics.RecordEnqueue(ok)
	if !ok {
		s.logger.Error("通知のキュー投入に失敗しました（レスポンスには影響しません）",
			slog.String("notification_id", n.ID),
			slog.String("video_id", n.VideoID),
		)
	}

	return nil
}

// checkSubscription は通知元チャンネルの購読状態を確認し、
// 未登録または非アクティブの場合は警告ログを出す。結果は通知の受理に影響しない。
func (s *Service) checkSubscription(ctx context.Context, channelID string) {
	sub, err := s.repo.FindByChannelID(ctx, channelID)
	if err != nil {
		s.logger.Error("購読の照会に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sub == nil {
		s.logger.Warn("未登録チャンネルからの通知を受信しました",
			slog.String("channel_id", channelID),
		)
		return
	}
	if sub.Status != model.StatusActive {
		s.logger.Warn("非アクティブな購読のチャンネルから通知を受信しました",
			slog.String("channel_id", channelID),
			slog.String("status", string(sub.Status)),
		)
	}
}
