package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/model"
)

// Processor はデシリアライズ済み通知の処理フック。
// エラーを返すとメッセージはrequeue=trueで否定応答され、再配達される。
type Processor interface {
	Process(ctx context.Context, n *model.Notification) error
}

// ConsumerConfig はコンシューマの設定を保持する。
type ConsumerConfig struct {
	// MaxAttempts は同一メッセージの最大処理試行回数。
	// 超過したメッセージはrequeueせずに破棄する（ポイズンメッセージ対策）。
	MaxAttempts int
	// StopTimeout はStop時に処理中タスクの完了を待つ上限。
	StopTimeout time.Duration
}

// DefaultConsumerConfig はデフォルトのコンシューマ設定を返す。
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxAttempts: 5,
		StopTimeout: 5 * time.Second,
	}
}

// Consumer はキューから通知を取り出して処理するバックグラウンドコンシューマ。
//
// 状態遷移は Stopped → Running（Start）→ Stopped（Stop）で、
// どちらの操作も冪等である。prefetch=1により未応答メッセージの
// 同時処理数は常に1に制限される（スループットよりバックプレッシャ安全性を優先）。
// 処理成功でack、デシリアライズ失敗を含むあらゆる処理失敗で
// requeue=trueのnackを行う（at-least-once再配達）。
type Consumer struct {
	mu      sync.Mutex
	running bool
	conn    *amqp.Connection
	ch      *amqp.Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	url       string
	queueName string
	cfg       ConsumerConfig
	processor Processor
	logger    *slog.Logger
	metrics   metrics.Recorder

	// attemptsMu はメッセージごとの失敗回数カウンタを保護する。
	attemptsMu sync.Mutex
	attempts   map[string]int
}

// NewConsumer はConsumerを生成する。この時点では接続しない。
func NewConsumer(url, queueName string, cfg ConsumerConfig, processor Processor, logger *slog.Logger, rec metrics.Recorder) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Consumer{
		url:       url,
		queueName: queueName,
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		metrics:   rec,
		attempts:  make(map[string]int),
	}
}

// Running はコンシューマが稼働中かを返す。
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start はキューの消費を開始する。すでに稼働中の場合は何もしない（冪等）。
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Info("コンシューマはすでに稼働中です")
		return nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("AMQP接続に失敗しました: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("AMQPチャネルの作成に失敗しました: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("キューの宣言に失敗しました: %w", err)
	}

	// prefetch=1: 未応答メッセージを同時に1件までに制限する
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("QoSの設定に失敗しました: %w", err)
	}

	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("キューの購読に失敗しました: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.ch = ch
	c.cancel = cancel
	c.running = true

	go c.consumeLoop(ctx, deliveries)

	c.logger.Info("コンシューマを開始しました",
		slog.String("queue", c.queueName),
	)
	return nil
}

// Stop はキューの消費を停止する。停止済みの場合は何もしない（冪等）。
// トランスポートを閉じ、処理中タスクをキャンセルした上で、
// StopTimeoutを上限にタスクの完了を待つ。タイムアウト後は待機しない。
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil

	// チャネル/接続を閉じるとdeliveriesチャネルが閉じ、consumeLoopが終了する
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		c.logger.Info("コンシューマを停止しました")
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Warn("処理中タスクの完了待ちがタイムアウトしました",
			slog.Duration("timeout", c.cfg.StopTimeout),
		)
	}
}

// consumeLoop は配達ごとにgoroutineを起動して処理する。
// prefetch=1が同時処理数を制限しているため、ここでは追加の制御を行わず、
// 配達チャネルが閉じるまでループする。
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.wg.Add(1)
		go func(d amqp.Delivery) {
			defer c.wg.Done()
			c.handleDelivery(ctx, d)
		}(d)
	}
}

// handleDelivery は1件のメッセージを処理する。
// 成功時はack、デシリアライズ失敗を含む処理失敗時はrequeue=trueのnackを行う。
// 同一メッセージの失敗がMaxAttemptsに達した場合はackして破棄する。
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	key := deliveryKey(d.Body)

	var n model.Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		c.logger.Error("通知のデシリアライズに失敗しました",
			slog.String("error", err.Error()),
		)
		c.handleFailure(d, key)
		return
	}

	if err := c.processor.Process(ctx, &n); err != nil {
		c.logger.Error("通知の処理に失敗しました",
			slog.String("notification_id", n.ID),
			slog.String("video_id", n.VideoID),
			slog.String("error", err.Error()),
		)
		c.handleFailure(d, key)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("メッセージの応答に失敗しました",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.clearAttempts(key)
	c.metrics.RecordConsumerProcessed()
	c.metrics.RecordConsumerLatency(time.Since(start))
}

// handleFailure は失敗カウンタを進め、上限未満ならrequeue、上限到達なら破棄する。
func (c *Consumer) handleFailure(d amqp.Delivery, key string) {
	c.attemptsMu.Lock()
	c.attempts[key]++
	count := c.attempts[key]
	c.attemptsMu.Unlock()

	if count >= c.cfg.MaxAttempts {
		// ポイズンメッセージ: これ以上再配達しても成功しないためackして破棄する
		c.logger.Error("再配達上限に達したためメッセージを破棄します",
			slog.Int("attempts", count),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
		)
		if err := d.Ack(false); err != nil {
			c.logger.Error("破棄時の応答に失敗しました", slog.String("error", err.Error()))
		}
		c.clearAttempts(key)
		c.metrics.RecordConsumerDropped()
		return
	}

	if err := d.Nack(false, true); err != nil {
		c.logger.Error("メッセージの否定応答に失敗しました", slog.String("error", err.Error()))
		return
	}
	c.metrics.RecordConsumerFailure()
}

// clearAttempts はメッセージの失敗カウンタを削除する。
func (c *Consumer) clearAttempts(key string) {
	c.attemptsMu.Lock()
	delete(c.attempts, key)
	c.attemptsMu.Unlock()
}

// deliveryKey はメッセージボディから失敗カウンタ用のキーを導出する。
// デシリアライズできないボディも同一メッセージとして追跡できるよう、
// 通知IDではなくボディのハッシュを使用する。
func deliveryKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// LogProcessor は通知を構造化ログに出力するProcessor実装。
// 後段の配信先が決まるまでのデフォルト処理であり、模擬的な処理遅延を含む。
type LogProcessor struct {
	logger *slog.Logger
	delay  time.Duration
}

// NewLogProcessor はLogProcessorを生成する。
func NewLogProcessor(logger *slog.Logger, delay time.Duration) *LogProcessor {
	return &LogProcessor{logger: logger, delay: delay}
}

// Process は通知をログに出力する。
// delayが設定されている場合は処理時間を模擬するために待機する。
// コンテキストのキャンセルはエラーとして返し、メッセージを再配達に回す。
func (p *LogProcessor) Process(ctx context.Context, n *model.Notification) error {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.logger.Info("通知を処理しました",
		slog.String("notification_id", n.ID),
		slog.String("video_id", n.VideoID),
		slog.String("title", n.Title),
		slog.String("channel_id", n.ChannelID),
		slog.String("channel_name", n.ChannelName),
		slog.String("published", n.Published),
	)
	return nil
}

// compile-time interface check
var _ Processor = (*LogProcessor)(nil)
