package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/ytrelay/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `channel_id, topic, callback_url, lease_seconds, expires_at, status, created_at, updated_at`

// Upsert は購読を作成または上書きする。
// ON CONFLICTによりcreated_atは維持され、その他のフィールドは上書きされる。
func (r *PostgresSubscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (channel_id, topic, callback_url, lease_seconds, expires_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (channel_id) DO UPDATE SET
		     topic = EXCLUDED.topic,
		     callback_url = EXCLUDED.callback_url,
		     lease_seconds = EXCLUDED.lease_seconds,
		     expires_at = EXCLUDED.expires_at,
		     status = EXCLUDED.status,
		     updated_at = NOW()`,
		sub.ChannelID, sub.Topic, sub.CallbackURL, sub.LeaseSeconds, sub.ExpiresAt, sub.Status,
	)
	if err != nil {
		return fmt.Errorf("購読のUpsertに失敗しました: %w", err)
	}
	return nil
}

// FindByChannelID は指定チャンネルIDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByChannelID(ctx context.Context, channelID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE channel_id = $1`,
		channelID,
	).Scan(&sub.ChannelID, &sub.Topic, &sub.CallbackURL, &sub.LeaseSeconds, &sub.ExpiresAt, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}

	return sub, nil
}

// ListActive はstatus=activeの購読一覧を返す。
func (r *PostgresSubscriptionRepo) ListActive(ctx context.Context) ([]*model.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = 'active' ORDER BY created_at ASC`)
}

// ListAll はステータスを問わず全購読を返す。
func (r *PostgresSubscriptionRepo) ListAll(ctx context.Context) ([]*model.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at ASC`)
}

// ListExpiring はstatus=activeかつ期限がwithin以内に切れる購読を返す。
func (r *PostgresSubscriptionRepo) ListExpiring(ctx context.Context, within time.Duration) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = 'active' AND expires_at <= NOW() + $1 * INTERVAL '1 second'
		 ORDER BY expires_at ASC`,
		int64(within.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ間近の購読一覧の取得に失敗しました: %w", err)
	}
	return scanSubscriptions(rows)
}

// UpdateStatus は購読のステータスを更新する。
func (r *PostgresSubscriptionRepo) UpdateStatus(ctx context.Context, channelID string, status model.SubscriptionStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE channel_id = $1`,
		channelID, status,
	)
	if err != nil {
		return fmt.Errorf("購読ステータスの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewSubscriptionNotFoundError(channelID)
	}
	return nil
}

// Delete は指定チャンネルIDの購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, channelID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE channel_id = $1`,
		channelID,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewSubscriptionNotFoundError(channelID)
	}
	return nil
}

// list は共通のSELECTクエリを実行して購読スライスを返す。
func (r *PostgresSubscriptionRepo) list(ctx context.Context, query string) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	return scanSubscriptions(rows)
}

// scanSubscriptions は結果行を購読スライスに変換する。
func scanSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub := &model.Subscription{}
		if err := rows.Scan(&sub.ChannelID, &sub.Topic, &sub.CallbackURL, &sub.LeaseSeconds, &sub.ExpiresAt, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
