// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/ytrelay/internal/model"
)

// SubscriptionRepository は購読データの永続化インターフェース。
//
// Upsertは楽観ロックを持たないlast-write-winsであり、同一ChannelIDへの
// 並行呼び出しは最後にコミットした書き込みが保存状態を決定する。
// これは許容された弱い一貫性のトレードオフである。
type SubscriptionRepository interface {
	// Upsert は購読を作成または上書きする。
	// 既存レコードがある場合はtopic/callback/lease/expiry/statusを上書きし、
	// created_atは維持する。
	Upsert(ctx context.Context, sub *model.Subscription) error

	// FindByChannelID は指定チャンネルIDの購読を取得する。見つからない場合はnilを返す。
	FindByChannelID(ctx context.Context, channelID string) (*model.Subscription, error)

	// ListActive はstatus=activeの購読一覧を返す。
	ListActive(ctx context.Context) ([]*model.Subscription, error)

	// ListAll はステータスを問わず全購読を返す。
	ListAll(ctx context.Context) ([]*model.Subscription, error)

	// ListExpiring はstatus=activeかつ期限がwithin以内に切れる購読を返す。
	// 期限切れの検出はこのクエリとして提供され、自動的な状態遷移は行わない。
	ListExpiring(ctx context.Context, within time.Duration) ([]*model.Subscription, error)

	// UpdateStatus は購読のステータスを更新する。
	// 購読が存在しない場合は*model.APIError（SUBSCRIPTION_NOT_FOUND）を返す。
	UpdateStatus(ctx context.Context, channelID string, status model.SubscriptionStatus) error

	// Delete は指定チャンネルIDの購読を削除する。
	// 購読が存在しない場合は*model.APIError（SUBSCRIPTION_NOT_FOUND）を返す。
	Delete(ctx context.Context, channelID string) error
}
