package model

import (
	"time"

	"github.com/google/uuid"
)

// Notification はハブから受領した1件の動画通知を表す。
// 検証済みのフィードエントリ（タイトルと動画IDが非空）からのみ構築され、
// 構築後は不変として扱う。キューへのJSONシリアライズに使用される。
type Notification struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"video_id"`
	Title       string    `json:"title"`
	ChannelID   string    `json:"channel_id,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	// PublishedとUpdatedはハブが送信したタイムスタンプ文字列を
	// パースせずにそのまま保持する。
	Published  string    `json:"published,omitempty"`
	Updated    string    `json:"updated,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Status     string    `json:"status"`
}

// FeedEntry は通知ボディからパースされた1件のフィードエントリ。
// 検証前の中間表現であり、Notificationの構築材料となる。
type FeedEntry struct {
	VideoID     string
	Title       string
	ChannelID   string
	ChannelName string
	Published   string
	Updated     string
}

// NewNotification は検証済みのフィードエントリから通知を生成する。
// IDはUUIDで採番し、ReceivedAtに現在時刻を設定する。
func NewNotification(entry *FeedEntry) *Notification {
	return &Notification{
		ID:          uuid.NewString(),
		VideoID:     entry.VideoID,
		Title:       entry.Title,
		ChannelID:   entry.ChannelID,
		ChannelName: entry.ChannelName,
		Published:   entry.Published,
		Updated:     entry.Updated,
		ReceivedAt:  time.Now(),
		Status:      "pending",
	}
}
