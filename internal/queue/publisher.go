// Package queue はRabbitMQを介した通知の永続的な受け渡しを提供する。
// インテークと処理を分離するat-least-onceキューであり、
// メッセージはブローカーの再起動後も保持される（durable宣言）。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/ytrelay/internal/model"
)

// Publisher は通知キューへの投入インターフェース。
// 失敗は例外ではなくfalseで返す。呼び出し側（インテークパス）は
// 投入失敗をログに記録するだけで、ハブ向けレスポンスを変えてはならない。
type Publisher interface {
	// Publish は通知をシリアライズしてキューに投入する。
	// トランスポートが閉じている場合は1回だけ遅延再接続を試みる。
	Publish(ctx context.Context, n *model.Notification) bool
	// IsAvailable は閉じている場合に遅延再接続を試みた上で、
	// トランスポートが開いているかを返す。
	IsAvailable() bool
	// Close はトランスポートリソースを解放する。冪等であり、決してpanicしない。
	Close()
}

// AMQPPublisher はRabbitMQを使用したPublisher実装。
// 接続は最初のPublish/IsAvailableで遅延確立される。
type AMQPPublisher struct {
	mu        sync.Mutex
	url       string
	queueName string
	conn      *amqp.Connection
	ch        *amqp.Channel
	closed    bool
	logger    *slog.Logger
}

// NewAMQPPublisher はAMQPPublisherを生成する。この時点では接続しない。
func NewAMQPPublisher(url, queueName string, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:       url,
		queueName: queueName,
		logger:    logger,
	}
}

// Publish は通知をJSONにシリアライズしてキューに投入する。
// あらゆるトランスポート失敗はログに記録した上でfalseを返す。
func (p *AMQPPublisher) Publish(ctx context.Context, n *model.Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if err := p.ensureOpenLocked(); err != nil {
		p.logger.Error("キューへの接続に失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}

	body, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("通知のシリアライズに失敗しました",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	err = p.ch.PublishWithContext(ctx,
		"",          // デフォルトexchange
		p.queueName, // routing key = キュー名
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("通知のキュー投入に失敗しました",
			slog.String("notification_id", n.ID),
			slog.String("video_id", n.VideoID),
			slog.String("error", err.Error()),
		)
		// 次回のPublishで再接続できるよう接続を破棄する
		p.teardownLocked()
		return false
	}

	p.logger.Info("通知をキューに投入しました",
		slog.String("notification_id", n.ID),
		slog.String("video_id", n.VideoID),
		slog.String("channel_id", n.ChannelID),
	)
	return true
}

// IsAvailable はトランスポートが開いているかを返す。
// 閉じている場合は遅延再接続を試みる。
func (p *AMQPPublisher) IsAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if err := p.ensureOpenLocked(); err != nil {
		return false
	}
	return true
}

// Close はトランスポートリソースを解放する。冪等であり、決してpanicしない。
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.teardownLocked()
	p.closed = true
}

// ensureOpenLocked は接続とチャネルを必要に応じて確立する。p.muを保持して呼ぶこと。
func (p *AMQPPublisher) ensureOpenLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.teardownLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("AMQP接続に失敗しました: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("AMQPチャネルの作成に失敗しました: %w", err)
	}

	// durable宣言: メッセージはブローカー再起動後も保持される
	if _, err := ch.QueueDeclare(p.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("キューの宣言に失敗しました: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// teardownLocked は接続とチャネルを閉じて破棄する。p.muを保持して呼ぶこと。
func (p *AMQPPublisher) teardownLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// compile-time interface check
var _ Publisher = (*AMQPPublisher)(nil)
