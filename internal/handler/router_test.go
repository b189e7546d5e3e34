package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/ytrelay/internal/cache"
	"github.com/hitoshi/ytrelay/internal/feed"
	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/pubsub"
	"github.com/hitoshi/ytrelay/internal/ratelimit"
	"github.com/hitoshi/ytrelay/internal/security"
	"github.com/hitoshi/ytrelay/internal/subscription"
)

const testCallbackURL = "https://relay.example.com/pubsub/youtube"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// --- テストダブル ---

// mockRepo はインメモリのSubscriptionRepository実装。
type mockRepo struct {
	subs map[string]*model.Subscription
}

func newMockRepo() *mockRepo {
	return &mockRepo{subs: make(map[string]*model.Subscription)}
}

func (m *mockRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	if existing, ok := m.subs[sub.ChannelID]; ok {
		sub.CreatedAt = existing.CreatedAt
	}
	m.subs[sub.ChannelID] = sub
	return nil
}

func (m *mockRepo) FindByChannelID(ctx context.Context, channelID string) (*model.Subscription, error) {
	return m.subs[channelID], nil
}

func (m *mockRepo) ListActive(ctx context.Context) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, s := range m.subs {
		if s.Status == model.StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockRepo) ListAll(ctx context.Context) ([]*model.Subscription, error) {
	var out []*model.Subscription
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockRepo) ListExpiring(ctx context.Context, within time.Duration) ([]*model.Subscription, error) {
	return nil, nil
}

func (m *mockRepo) UpdateStatus(ctx context.Context, channelID string, status model.SubscriptionStatus) error {
	sub, ok := m.subs[channelID]
	if !ok {
		return model.NewSubscriptionNotFoundError(channelID)
	}
	sub.Status = status
	return nil
}

func (m *mockRepo) Delete(ctx context.Context, channelID string) error {
	if _, ok := m.subs[channelID]; !ok {
		return model.NewSubscriptionNotFoundError(channelID)
	}
	delete(m.subs, channelID)
	return nil
}

// mockHub は常に固定の結果を返すhub.Client実装。
type mockHub struct {
	subscribeOK bool
}

func (m *mockHub) Subscribe(ctx context.Context, topic, callbackURL string, leaseSeconds int) bool {
	return m.subscribeOK
}

func (m *mockHub) Unsubscribe(ctx context.Context, topic, callbackURL string) bool {
	return true
}

// allowAllGuard はすべてのURLを許可するSSRFGuardService実装。
type allowAllGuard struct{}

func (allowAllGuard) NewSafeClient(timeout time.Duration) *http.Client { return &http.Client{} }
func (allowAllGuard) ValidateURL(rawURL string) error                  { return nil }

// mockPublisher はキュー投入を記録するPublisher実装。
type mockPublisher struct {
	published []*model.Notification
	available bool
}

func (m *mockPublisher) Publish(ctx context.Context, n *model.Notification) bool {
	m.published = append(m.published, n)
	return true
}

func (m *mockPublisher) IsAvailable() bool { return m.available }
func (m *mockPublisher) Close()            {}

// fakeConsumer は状態のみを持つConsumerController実装。
type fakeConsumer struct {
	running  bool
	startErr error
}

func (f *fakeConsumer) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeConsumer) Stop()         { f.running = false }
func (f *fakeConsumer) Running() bool { return f.running }

// fakePinger は固定の結果を返すPinger実装。
type fakePinger struct {
	err error
}

func (f *fakePinger) PingContext(ctx context.Context) error { return f.err }

// testEnv はルーターテストの共有フィクスチャ。
type testEnv struct {
	router    http.Handler
	repo      *mockRepo
	publisher *mockPublisher
	consumer  *fakeConsumer
	pinger    *fakePinger
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	hub       *mockHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	appCache := cache.New(cache.DefaultConfig(), logger)
	t.Cleanup(appCache.Close)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  1000,
		APILimit:      1000,
		PubSubLimit:   1000,
		WindowSeconds: 60,
	}, appCache, logger)

	repo := newMockRepo()
	publisher := &mockPublisher{available: true}
	consumer := &fakeConsumer{}
	pinger := &fakePinger{}
	h := &mockHub{subscribeOK: true}

	pubsubService := pubsub.NewService(
		repo, publisher, feed.NewParser(), security.NewTextSanitizer(),
		testCallbackURL, logger, metrics.NopRecorder{},
	)
	subService := subscription.NewService(repo, h, allowAllGuard{}, logger)

	registry := prometheus.NewRegistry()

	env := &testEnv{
		repo:      repo,
		publisher: publisher,
		consumer:  consumer,
		pinger:    pinger,
		cache:     appCache,
		limiter:   limiter,
		hub:       h,
	}
	env.router = NewRouter(&RouterDeps{
		Logger:              logger,
		CORSAllowedOrigin:   "http://localhost:3000",
		Limiter:             limiter,
		Metrics:             metrics.NopRecorder{},
		PubSubService:       pubsubService,
		SubscriptionService: subService,
		Consumer:            consumer,
		Cache:               appCache,
		DB:                  pinger,
		Publisher:           publisher,
		MetricsHandler:      metrics.Handler(registry),
	})
	return env
}

func (e *testEnv) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// --- 検証ハンドシェイク ---

func TestVerifyEndpoint_EchoesChallenge(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/pubsub/youtube?hub.challenge=token-xyz", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "token-xyz" {
		t.Errorf("body = %q, want token-xyz (byte-exact echo)", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestVerifyEndpoint_EmptyChallengeValueEchoesEmpty(t *testing.T) {
	// パラメータ自体が存在すれば値が空でも有効
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/pubsub/youtube?hub.challenge=", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "" {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestVerifyEndpoint_MissingChallengeReturns400(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/pubsub/youtube", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "challenge") {
		t.Errorf("body = %q, want mention of challenge", w.Body.String())
	}
}

func TestVerifyEndpoint_UnparsableLeaseStillEchoes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/pubsub/youtube?hub.challenge=abc&hub.mode=subscribe&hub.topic=t&hub.lease_seconds=bogus", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "abc" {
		t.Errorf("body = %q, want abc", w.Body.String())
	}
}

// --- エンドツーエンドシナリオ ---

func TestEndToEnd_SubscribeHandshakeThenList(t *testing.T) {
	env := newTestEnv(t)

	topic := "https://www.youtube.com/xml/feeds/videos.xml?channel_id=UC1"
	before := time.Now()

	w := env.do(http.MethodGet,
		"/pubsub/youtube?hub.challenge=abc&hub.mode=subscribe&hub.lease_seconds=3600&hub.topic="+
			strings.ReplaceAll(topic, "&", "%26"), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", w.Code)
	}
	if w.Body.String() != "abc" {
		t.Fatalf("verify body = %q, want abc", w.Body.String())
	}

	// アクティブ購読一覧にUC1が現れる
	w = env.do(http.MethodGet, "/api/subscriptions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}

	var subs []model.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &subs); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("list = %d subs, want 1", len(subs))
	}
	if subs[0].ChannelID != "UC1" {
		t.Errorf("ChannelID = %q, want UC1", subs[0].ChannelID)
	}
	if subs[0].Status != model.StatusActive {
		t.Errorf("Status = %q, want active", subs[0].Status)
	}
	wantExpiry := before.Add(3600 * time.Second)
	if subs[0].ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || subs[0].ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want ≈ %v", subs[0].ExpiresAt, wantExpiry)
	}
}

// --- 通知 ---

const validNotifyBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>yt:video:ABC12345678</id>
    <title>Test Video Title</title>
    <author>
      <name>Test Channel</name>
      <uri>https://www.youtube.com/channel/UC1</uri>
    </author>
  </entry>
</feed>`

func TestNotifyEndpoint_ValidBodyEnqueues(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/pubsub/youtube", strings.NewReader(validNotifyBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(env.publisher.published) != 1 {
		t.Fatalf("published = %d notifications, want 1", len(env.publisher.published))
	}
	n := env.publisher.published[0]
	if n.Title != "Test Video Title" || n.VideoID != "yt:video:ABC12345678" || n.ChannelName != "Test Channel" {
		t.Errorf("notification = %+v", n)
	}
}

func TestNotifyEndpoint_ValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantKeyword string
	}{
		{
			name:        "entryなし",
			body:        `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><title>f</title></feed>`,
			wantKeyword: "entry",
		},
		{
			name:        "titleなし",
			body:        `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><entry><id>yt:video:ABC</id></entry></feed>`,
			wantKeyword: "title",
		},
		{
			name:        "video idなし",
			body:        `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><entry><title>Some Title</title></entry></feed>`,
			wantKeyword: "video",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(http.MethodPost, "/pubsub/youtube", strings.NewReader(tt.body))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantKeyword) {
				t.Errorf("body = %q, want mention of %q", w.Body.String(), tt.wantKeyword)
			}
		})
	}
}

// --- 購読管理API ---

func TestSubscriptionEndpoints_CreateReturns201(t *testing.T) {
	env := newTestEnv(t)

	body := `{"channel_id":"UC1","topic":"https://example.com/feed?channel_id=UC1","callback_url":"https://cb.example.com","lease_seconds":3600}`
	w := env.do(http.MethodPost, "/api/subscriptions", strings.NewReader(body))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var sub model.Subscription
	json.Unmarshal(w.Body.Bytes(), &sub)
	if sub.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", sub.Status)
	}
}

func TestSubscriptionEndpoints_CreateHubFailureReturns202Pending(t *testing.T) {
	env := newTestEnv(t)
	env.hub.subscribeOK = false

	body := `{"channel_id":"UC1","topic":"https://example.com/feed?channel_id=UC1","callback_url":"https://cb.example.com","lease_seconds":3600}`
	w := env.do(http.MethodPost, "/api/subscriptions", strings.NewReader(body))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	var sub model.Subscription
	json.Unmarshal(w.Body.Bytes(), &sub)
	if sub.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", sub.Status)
	}
}

func TestSubscriptionEndpoints_CreateInvalidBodyReturns400(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/subscriptions", strings.NewReader(`{"channel_id":""}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank fields: status = %d, want 400", w.Code)
	}

	w = env.do(http.MethodPost, "/api/subscriptions", strings.NewReader("{broken"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken JSON: status = %d, want 400", w.Code)
	}
}

func TestSubscriptionEndpoints_GetNotFoundReturns404(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/subscriptions/UCmissing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSubscriptionEndpoints_GetAndListAll(t *testing.T) {
	env := newTestEnv(t)
	sub := model.NewSubscription("UC1", "topic", "cb", 3600)
	sub.Status = model.StatusInactive
	env.repo.subs["UC1"] = sub

	w := env.do(http.MethodGet, "/api/subscriptions/UC1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}

	// inactiveはアクティブ一覧に出ないが、/allには出る
	w = env.do(http.MethodGet, "/api/subscriptions", nil)
	var active []model.Subscription
	json.Unmarshal(w.Body.Bytes(), &active)
	if len(active) != 0 {
		t.Errorf("active list = %d, want 0", len(active))
	}

	w = env.do(http.MethodGet, "/api/subscriptions/all", nil)
	var all []model.Subscription
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 1 {
		t.Errorf("all list = %d, want 1", len(all))
	}
}

func TestSubscriptionEndpoints_UpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	env.repo.subs["UC1"] = model.NewSubscription("UC1", "topic", "cb", 3600)

	w := env.do(http.MethodPut, "/api/subscriptions/UC1/status", strings.NewReader(`{"status":"inactive"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if env.repo.subs["UC1"].Status != model.StatusInactive {
		t.Errorf("stored status = %q, want inactive", env.repo.subs["UC1"].Status)
	}

	// 無効なステータス値は400
	w = env.do(http.MethodPut, "/api/subscriptions/UC1/status", strings.NewReader(`{"status":"bogus"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid status: status = %d, want 400", w.Code)
	}

	// 未登録チャンネルは404
	w = env.do(http.MethodPut, "/api/subscriptions/UCmissing/status", strings.NewReader(`{"status":"active"}`))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing channel: status = %d, want 404", w.Code)
	}
}

func TestSubscriptionEndpoints_Delete(t *testing.T) {
	env := newTestEnv(t)
	env.repo.subs["UC1"] = model.NewSubscription("UC1", "topic", "cb", 3600)

	w := env.do(http.MethodDelete, "/api/subscriptions/UC1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = env.do(http.MethodDelete, "/api/subscriptions/UC1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
}

// --- コンシューマ管理API ---

func TestConsumerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/notifications/consumer/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", w.Code)
	}
	var status map[string]bool
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["running"] {
		t.Error("running = true before start")
	}

	w = env.do(http.MethodPost, "/api/notifications/consumer/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d, want 200", w.Code)
	}
	if !env.consumer.Running() {
		t.Error("consumer not running after start")
	}

	w = env.do(http.MethodPost, "/api/notifications/consumer/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d, want 200", w.Code)
	}
	if env.consumer.Running() {
		t.Error("consumer still running after stop")
	}
}

// --- ランタイム設定API ---

func TestConfigEndpoints_GetAndUpdate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d, want 200", w.Code)
	}
	var doc ConfigDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if !doc.Cache.Enabled {
		t.Error("cache.enabled = false in initial config")
	}

	// 更新して反映を確認
	update := `{
		"cache": {"enabled": true, "heap_size": 50, "ttl_minutes": 2},
		"rate_limit": {"enabled": false, "default_limit": 10, "api_limit": 20, "pubsub_limit": 30, "window_seconds": 120}
	}`
	w = env.do(http.MethodPut, "/api/config", strings.NewReader(update))
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d, want 200: %s", w.Code, w.Body.String())
	}

	got := env.cache.Snapshot()
	if got.HeapSize != 50 || got.TTLMinutes != 2 {
		t.Errorf("cache config = %+v", got)
	}
	limitCfg := env.limiter.Snapshot()
	if limitCfg.Enabled || limitCfg.WindowSeconds != 120 {
		t.Errorf("rate limit config = %+v", limitCfg)
	}
}

func TestConfigEndpoints_InvalidUpdateReturns400(t *testing.T) {
	env := newTestEnv(t)

	update := `{
		"cache": {"enabled": true, "heap_size": 0, "ttl_minutes": 2},
		"rate_limit": {"enabled": true, "default_limit": 10, "api_limit": 20, "pubsub_limit": 30, "window_seconds": 120}
	}`
	w := env.do(http.MethodPut, "/api/config", strings.NewReader(update))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- ヘルスチェック ---

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", w.Code)
	}

	w = env.do(http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readiness = %d, want 200", w.Code)
	}
}

func TestHealthReady_FailingDependencyReturns503(t *testing.T) {
	env := newTestEnv(t)
	env.pinger.err = context.DeadlineExceeded

	w := env.do(http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "database") {
		t.Errorf("body = %q, want mention of database", w.Body.String())
	}
}

func TestHealthReady_QueueDownReturns503(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.available = false

	w := env.do(http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "queue") {
		t.Errorf("body = %q, want mention of queue", w.Body.String())
	}
}

// --- メトリクスとミドルウェア ---

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.Reconfigure(ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  1,
		APILimit:      1,
		PubSubLimit:   1,
		WindowSeconds: 60,
	})

	w := env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", w.Code)
	}

	w = env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestCORSPreflightReturns204(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodOptions, "/api/subscriptions", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
