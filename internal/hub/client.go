// Package hub はPubSubHubbubハブへの購読/購読解除リクエストの送信を提供する。
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client はハブへの購読操作のインターフェース。
// 成功/失敗はブーリアンで返し、タイムアウトを含むあらゆる失敗を
// falseとして扱う。例外を呼び出し元へ伝播させてはならない。
type Client interface {
	// Subscribe はハブに購読リクエストを送信する。
	Subscribe(ctx context.Context, topic, callbackURL string, leaseSeconds int) bool
	// Unsubscribe はハブに購読解除リクエストを送信する。
	Unsubscribe(ctx context.Context, topic, callbackURL string) bool
}

// HTTPClient はHTTP経由でハブを呼び出すClient実装。
// リクエストタイムアウトはhttpClientに設定されたものを使用する（推奨30秒）。
type HTTPClient struct {
	httpClient *http.Client
	hubURL     string
	logger     *slog.Logger
}

// NewHTTPClient はHTTPClientを生成する。
func NewHTTPClient(httpClient *http.Client, hubURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		hubURL:     hubURL,
		logger:     logger,
	}
}

// Subscribe はハブに購読リクエストを送信する。
func (c *HTTPClient) Subscribe(ctx context.Context, topic, callbackURL string, leaseSeconds int) bool {
	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.topic", topic)
	form.Set("hub.callback", callbackURL)
	form.Set("hub.lease_seconds", strconv.Itoa(leaseSeconds))
	return c.send(ctx, "subscribe", topic, form)
}

// Unsubscribe はハブに購読解除リクエストを送信する。
func (c *HTTPClient) Unsubscribe(ctx context.Context, topic, callbackURL string) bool {
	form := url.Values{}
	form.Set("hub.mode", "unsubscribe")
	form.Set("hub.topic", topic)
	form.Set("hub.callback", callbackURL)
	return c.send(ctx, "unsubscribe", topic, form)
}

// send はフォームエンコードされたリクエストをハブにPOSTする。
// 2xx応答のみを成功とし、ネットワークエラー・タイムアウト・非2xxは
// すべてログに記録した上でfalseを返す。
func (c *HTTPClient) send(ctx context.Context, mode, topic string, form url.Values) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("ハブリクエストの作成に失敗しました",
			slog.String("mode", mode),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "ytrelay/1.0 WebSub Subscriber")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ハブリクエストの送信に失敗しました",
			slog.String("mode", mode),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("ハブがエラーステータスを返しました",
			slog.String("mode", mode),
			slog.String("topic", topic),
			slog.Int("http_status", resp.StatusCode),
		)
		return false
	}

	c.logger.Info("ハブリクエストが受理されました",
		slog.String("mode", mode),
		slog.String("topic", topic),
		slog.Int("http_status", resp.StatusCode),
	)
	return true
}

// compile-time interface check
var _ Client = (*HTTPClient)(nil)
