// Package subscription は購読ライフサイクルの管理操作を提供する。
// 管理API（オペレーター向け）から利用され、ハブへの購読リクエスト送信と
// 購読ストアの更新を調停する。
package subscription

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/ytrelay/internal/hub"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/repository"
	"github.com/hitoshi/ytrelay/internal/security"
)

// UpsertRequest は購読の作成/更新リクエストボディを表す。
type UpsertRequest struct {
	ChannelID    string `json:"channel_id"`
	Topic        string `json:"topic"`
	CallbackURL  string `json:"callback_url"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// Service は購読管理のサービス層。
//
// ハブリクエストの失敗は例外的な状況ではなく回復可能な状態として扱う。
// 失敗時は購読をpendingとして保存し、呼び出し元には202で返す
// （更新ワーカーまたはオペレーターが後続の再試行を行う）。
type Service struct {
	repo   repository.SubscriptionRepository
	hub    hub.Client
	guard  security.SSRFGuardService
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(repo repository.SubscriptionRepository, hubClient hub.Client, guard security.SSRFGuardService, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		hub:    hubClient,
		guard:  guard,
		logger: logger,
	}
}

// validate はリクエストの全フィールドを検証する。
// 空フィールド、非正のリース、危険なURLを*model.APIErrorとして返す。
func (s *Service) validate(req UpsertRequest) error {
	if strings.TrimSpace(req.ChannelID) == "" {
		return model.NewInvalidRequestError("channel_id は必須です")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return model.NewInvalidRequestError("topic は必須です")
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return model.NewInvalidRequestError("callback_url は必須です")
	}
	if req.LeaseSeconds <= 0 {
		return model.NewInvalidLeaseError(req.LeaseSeconds)
	}

	// オペレーター入力のURLもSSRF検証の対象とする。
	// このURLはハブへの送信と将来のアウトバウンドリクエストに使われる。
	if err := s.guard.ValidateURL(req.Topic); err != nil {
		s.logger.Warn("topicのURL検証に失敗しました",
			slog.String("topic", req.Topic),
			slog.String("error", err.Error()),
		)
		return model.NewSSRFBlockedError()
	}
	if err := s.guard.ValidateURL(req.CallbackURL); err != nil {
		s.logger.Warn("callback_urlのURL検証に失敗しました",
			slog.String("callback_url", req.CallbackURL),
			slog.String("error", err.Error()),
		)
		return model.NewSSRFBlockedError()
	}

	return nil
}

// Create は購読を作成（既存チャンネルの場合は更新）し、ハブに購読リクエストを送る。
// 戻り値のhubOKがfalseの場合、購読はpendingとして保存されている。
// バリデーション失敗は*model.APIError、ストア失敗はupstreamエラーとして返す。
func (s *Service) Create(ctx context.Context, req UpsertRequest) (*model.Subscription, bool, error) {
	if err := s.validate(req); err != nil {
		return nil, false, err
	}

	sub := model.NewSubscription(req.ChannelID, req.Topic, req.CallbackURL, req.LeaseSeconds)

	hubOK := s.hub.Subscribe(ctx, req.Topic, req.CallbackURL, req.LeaseSeconds)
	if !hubOK {
		sub.Status = model.StatusPending
		s.logger.Warn("ハブへの購読リクエストが失敗したため、購読をpendingとして保存します",
			slog.String("channel_id", req.ChannelID),
		)
	}

	if err := s.repo.Upsert(ctx, sub); err != nil {
		s.logger.Error("購読の保存に失敗しました",
			slog.String("channel_id", req.ChannelID),
			slog.String("error", err.Error()),
		)
		return nil, hubOK, model.NewUpstreamError("subscription store")
	}

	return sub, hubOK, nil
}

// Update は既存購読を更新し、ハブに購読リクエストを再送する。
// 対象が存在しない場合はSUBSCRIPTION_NOT_FOUNDを返す。
// パスパラメータのchannelIDがボディより優先される。
func (s *Service) Update(ctx context.Context, channelID string, req UpsertRequest) (*model.Subscription, bool, error) {
	existing, err := s.repo.FindByChannelID(ctx, channelID)
	if err != nil {
		s.logger.Error("購読の照会に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil, false, model.NewUpstreamError("subscription store")
	}
	if existing == nil {
		return nil, false, model.NewSubscriptionNotFoundError(channelID)
	}

	req.ChannelID = channelID
	return s.Create(ctx, req)
}

// UpdateStatus は購読ステータスを変更する。
// 管理APIからはactive/inactiveのみ受け付ける（pendingはハブ失敗時の内部遷移）。
func (s *Service) UpdateStatus(ctx context.Context, channelID, status string) error {
	if status != string(model.StatusActive) && status != string(model.StatusInactive) {
		return model.NewInvalidStatusError(status)
	}

	if err := s.repo.UpdateStatus(ctx, channelID, model.SubscriptionStatus(status)); err != nil {
		if apiErr, ok := err.(*model.APIError); ok {
			return apiErr
		}
		s.logger.Error("購読ステータスの更新に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamError("subscription store")
	}
	return nil
}

// Delete は購読を削除する。ハブへの購読解除リクエストはベストエフォートで送信し、
// 失敗してもストアからの削除は実行する（削除はオペレーターの明示的な意思決定のため）。
func (s *Service) Delete(ctx context.Context, channelID string) error {
	existing, err := s.repo.FindByChannelID(ctx, channelID)
	if err != nil {
		s.logger.Error("購読の照会に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamError("subscription store")
	}
	if existing == nil {
		return model.NewSubscriptionNotFoundError(channelID)
	}

	if ok := s.hub.Unsubscribe(ctx, existing.Topic, existing.CallbackURL); !ok {
		s.logger.Warn("ハブへの購読解除リクエストが失敗しました（削除は続行します）",
			slog.String("channel_id", channelID),
		)
	}

	if err := s.repo.Delete(ctx, channelID); err != nil {
		if apiErr, ok := err.(*model.APIError); ok {
			return apiErr
		}
		s.logger.Error("購読の削除に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamError("subscription store")
	}
	return nil
}

// Get は指定チャンネルの購読を返す。存在しない場合はSUBSCRIPTION_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, channelID string) (*model.Subscription, error) {
	sub, err := s.repo.FindByChannelID(ctx, channelID)
	if err != nil {
		return nil, model.NewUpstreamError("subscription store")
	}
	if sub == nil {
		return nil, model.NewSubscriptionNotFoundError(channelID)
	}
	return sub, nil
}

// List はアクティブな購読の一覧を返す。
func (s *Service) List(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, model.NewUpstreamError("subscription store")
	}
	return subs, nil
}

// ListAll はステータスを問わず全購読の一覧を返す。
func (s *Service) ListAll(ctx context.Context) ([]*model.Subscription, error) {
	subs, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, model.NewUpstreamError("subscription store")
	}
	return subs, nil
}
