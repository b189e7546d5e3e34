package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeAcknowledger はack/nackの呼び出しを記録するamqp.Acknowledger実装。
type fakeAcknowledger struct {
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}

// failingProcessor は常にエラーを返すProcessor。
type failingProcessor struct {
	calls int
}

func (p *failingProcessor) Process(ctx context.Context, n *model.Notification) error {
	p.calls++
	return errors.New("processing failed")
}

// okProcessor は処理した通知を記録するProcessor。
type okProcessor struct {
	processed []*model.Notification
}

func (p *okProcessor) Process(ctx context.Context, n *model.Notification) error {
	p.processed = append(p.processed, n)
	return nil
}

func notificationBody(t *testing.T) []byte {
	t.Helper()
	n := model.NewNotification(&model.FeedEntry{
		VideoID:     "yt:video:ABC",
		Title:       "Test Video Title",
		ChannelID:   "UC1",
		ChannelName: "Test Channel",
	})
	body, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return body
}

func newTestConsumer(processor Processor, maxAttempts int) *Consumer {
	return NewConsumer("amqp://unused", "test_queue", ConsumerConfig{
		MaxAttempts: maxAttempts,
		StopTimeout: time.Second,
	}, processor, testLogger(), metrics.NopRecorder{})
}

func TestConsumer_HandleDeliverySuccessAcks(t *testing.T) {
	processor := &okProcessor{}
	c := newTestConsumer(processor, 5)

	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: notificationBody(t)}

	c.handleDelivery(context.Background(), d)

	if len(processor.processed) != 1 {
		t.Fatalf("processed = %d, want 1", len(processor.processed))
	}
	if processor.processed[0].VideoID != "yt:video:ABC" {
		t.Errorf("VideoID = %q", processor.processed[0].VideoID)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
	if ack.nacks != 0 {
		t.Errorf("nacks = %d, want 0", ack.nacks)
	}
}

func TestConsumer_ProcessingFailureNacksWithRequeue(t *testing.T) {
	c := newTestConsumer(&failingProcessor{}, 5)

	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: notificationBody(t)}

	c.handleDelivery(context.Background(), d)

	if ack.nacks != 1 {
		t.Fatalf("nacks = %d, want 1", ack.nacks)
	}
	if !ack.requeued {
		t.Error("requeue = false, want true (at-least-once redelivery)")
	}
	if ack.acks != 0 {
		t.Errorf("acks = %d, want 0", ack.acks)
	}
}

func TestConsumer_DeserializeFailureNacksWithRequeue(t *testing.T) {
	processor := &okProcessor{}
	c := newTestConsumer(processor, 5)

	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")}

	c.handleDelivery(context.Background(), d)

	if len(processor.processed) != 0 {
		t.Error("processor invoked for undeserializable body")
	}
	if ack.nacks != 1 || !ack.requeued {
		t.Errorf("nacks = %d requeued = %v, want nack with requeue", ack.nacks, ack.requeued)
	}
}

func TestConsumer_PoisonMessageDroppedAfterMaxAttempts(t *testing.T) {
	const maxAttempts = 3
	processor := &failingProcessor{}
	c := newTestConsumer(processor, maxAttempts)

	body := notificationBody(t)

	// 上限未満の失敗はすべてrequeue付きnack
	for i := 0; i < maxAttempts-1; i++ {
		ack := &fakeAcknowledger{}
		c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: body})
		if ack.nacks != 1 || !ack.requeued {
			t.Fatalf("attempt %d: nacks = %d requeued = %v", i+1, ack.nacks, ack.requeued)
		}
	}

	// 上限到達でackして破棄（ポイズンメッセージの無限ループ防止）
	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: maxAttempts, Body: body})
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1 (drop)", ack.acks)
	}
	if ack.nacks != 0 {
		t.Errorf("nacks = %d, want 0", ack.nacks)
	}

	// 破棄後はカウンタがクリアされ、同じボディの再出現は再び1回目として扱われる
	ack = &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: maxAttempts + 1, Body: body})
	if ack.nacks != 1 || !ack.requeued {
		t.Errorf("after drop: nacks = %d requeued = %v, want nack with requeue", ack.nacks, ack.requeued)
	}
}

func TestConsumer_SuccessClearsAttemptCounter(t *testing.T) {
	// 1回失敗した後に成功したら、カウンタはリセットされる
	processor := &okProcessor{}
	c := newTestConsumer(processor, 2)

	body := notificationBody(t)
	key := deliveryKey(body)

	c.attempts[key] = 1

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	c.attemptsMu.Lock()
	_, exists := c.attempts[key]
	c.attemptsMu.Unlock()
	if exists {
		t.Error("attempt counter not cleared after success")
	}
}

func TestConsumer_RunningInitiallyFalse(t *testing.T) {
	c := newTestConsumer(&okProcessor{}, 5)
	if c.Running() {
		t.Error("Running = true before Start")
	}

	// 停止済みコンシューマのStopはno-op
	c.Stop()
	if c.Running() {
		t.Error("Running = true after Stop")
	}
}

func TestLogProcessor_Process(t *testing.T) {
	p := NewLogProcessor(testLogger(), 0)

	n := model.NewNotification(&model.FeedEntry{VideoID: "v", Title: "t"})
	if err := p.Process(context.Background(), n); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestLogProcessor_CancellationDuringDelay(t *testing.T) {
	p := NewLogProcessor(testLogger(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := model.NewNotification(&model.FeedEntry{VideoID: "v", Title: "t"})
	if err := p.Process(ctx, n); err == nil {
		t.Error("Process: err = nil for cancelled context, want context error")
	}
}

func TestDeliveryKey_StableAndDistinct(t *testing.T) {
	a := deliveryKey([]byte("body-a"))
	if a != deliveryKey([]byte("body-a")) {
		t.Error("deliveryKey is not stable for identical bodies")
	}
	if a == deliveryKey([]byte("body-b")) {
		t.Error("deliveryKey collision for different bodies")
	}
}
