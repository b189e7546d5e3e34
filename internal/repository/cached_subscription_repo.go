package repository

import (
	"context"
	"time"

	"github.com/hitoshi/ytrelay/internal/cache"
	"github.com/hitoshi/ytrelay/internal/model"
)

// Region は購読エントリを保存するキャッシュリージョン名。
const Region = "subscriptions"

// activeListKey はアクティブ購読一覧の集約キャッシュキー。
const activeListKey = "all_active"

// CachedSubscriptionRepo はSubscriptionRepositoryのリードスルーキャッシュデコレータ。
// ストアが信頼できる唯一の情報源であり、キャッシュは性能最適化に過ぎない。
// すべての更新系操作では該当チャンネルのエントリとアクティブ一覧の集約エントリを
// 上書きではなく無効化する。
type CachedSubscriptionRepo struct {
	inner SubscriptionRepository
	cache *cache.Cache
}

// NewCachedSubscriptionRepo はCachedSubscriptionRepoを生成する。
func NewCachedSubscriptionRepo(inner SubscriptionRepository, c *cache.Cache) *CachedSubscriptionRepo {
	return &CachedSubscriptionRepo{inner: inner, cache: c}
}

// channelKey はチャンネル単位のキャッシュキーを返す。
func channelKey(channelID string) string {
	return "channel:" + channelID
}

// Upsert は購読を作成または上書きし、関連キャッシュを無効化する。
func (r *CachedSubscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	if err := r.inner.Upsert(ctx, sub); err != nil {
		return err
	}
	r.invalidate(sub.ChannelID)
	return nil
}

// FindByChannelID はキャッシュを参照してから購読を取得する。
func (r *CachedSubscriptionRepo) FindByChannelID(ctx context.Context, channelID string) (*model.Subscription, error) {
	if v, ok := r.cache.Get(Region, channelKey(channelID)); ok {
		if sub, ok := v.(*model.Subscription); ok {
			return sub, nil
		}
	}

	sub, err := r.inner.FindByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		r.cache.Put(Region, channelKey(channelID), sub)
	}
	return sub, nil
}

// ListActive はキャッシュを参照してからアクティブ購読一覧を取得する。
func (r *CachedSubscriptionRepo) ListActive(ctx context.Context) ([]*model.Subscription, error) {
	if v, ok := r.cache.Get(Region, activeListKey); ok {
		if subs, ok := v.([]*model.Subscription); ok {
			return subs, nil
		}
	}

	subs, err := r.inner.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Put(Region, activeListKey, subs)
	return subs, nil
}

// ListAll は全購読一覧を返す。管理API専用の低頻度操作のためキャッシュしない。
func (r *CachedSubscriptionRepo) ListAll(ctx context.Context) ([]*model.Subscription, error) {
	return r.inner.ListAll(ctx)
}

// ListExpiring は期限切れ間近の購読一覧を返す。
// 更新ワーカーが直近の状態を必要とするためキャッシュしない。
func (r *CachedSubscriptionRepo) ListExpiring(ctx context.Context, within time.Duration) ([]*model.Subscription, error) {
	return r.inner.ListExpiring(ctx, within)
}

// UpdateStatus は購読ステータスを更新し、関連キャッシュを無効化する。
func (r *CachedSubscriptionRepo) UpdateStatus(ctx context.Context, channelID string, status model.SubscriptionStatus) error {
	if err := r.inner.UpdateStatus(ctx, channelID, status); err != nil {
		return err
	}
	r.invalidate(channelID)
	return nil
}

// Delete は購読を削除し、関連キャッシュを無効化する。
func (r *CachedSubscriptionRepo) Delete(ctx context.Context, channelID string) error {
	if err := r.inner.Delete(ctx, channelID); err != nil {
		return err
	}
	r.invalidate(channelID)
	return nil
}

// invalidate はチャンネル単位のエントリとアクティブ一覧の集約エントリを削除する。
func (r *CachedSubscriptionRepo) invalidate(channelID string) {
	r.cache.Remove(Region, channelKey(channelID))
	r.cache.Remove(Region, activeListKey)
}

// compile-time interface check
var _ SubscriptionRepository = (*CachedSubscriptionRepo)(nil)
