// Package model はドメインモデルを定義する。
package model

import "time"

// SubscriptionStatus は購読の状態を表す。
type SubscriptionStatus string

const (
	// StatusActive はハブに購読が確認された状態。
	StatusActive SubscriptionStatus = "active"
	// StatusInactive は購読解除済みの状態。
	StatusInactive SubscriptionStatus = "inactive"
	// StatusPending はハブへの購読リクエストが失敗し、再試行待ちの状態。
	StatusPending SubscriptionStatus = "pending"
)

// IsValidSubscriptionStatus はステータス文字列が有効かを検証する。
func IsValidSubscriptionStatus(s string) bool {
	switch SubscriptionStatus(s) {
	case StatusActive, StatusInactive, StatusPending:
		return true
	}
	return false
}

// Subscription は監視対象チャンネルごとの購読レコードを表す。
// ChannelIDが一意キーとなり、同一ChannelIDへのUpsertは
// topic/callback/lease/expiryを上書きしてstatusをactiveに戻す
// （CreatedAtは維持される）。
type Subscription struct {
	ChannelID    string             `json:"channel_id"`
	Topic        string             `json:"topic"`
	CallbackURL  string             `json:"callback_url"`
	LeaseSeconds int                `json:"lease_seconds"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Status       SubscriptionStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NewSubscription は新しい購読レコードを生成する。
// ExpiresAtは現在時刻 + LeaseSecondsで計算される。
func NewSubscription(channelID, topic, callbackURL string, leaseSeconds int) *Subscription {
	now := time.Now()
	return &Subscription{
		ChannelID:    channelID,
		Topic:        topic,
		CallbackURL:  callbackURL,
		LeaseSeconds: leaseSeconds,
		ExpiresAt:    now.Add(time.Duration(leaseSeconds) * time.Second),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsExpired は購読の有効期限が切れているかを返す。
// 有効期限切れの検出はクエリとして提供され、
// バックグラウンドでの自動的な状態遷移は行わない。
func (s *Subscription) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
