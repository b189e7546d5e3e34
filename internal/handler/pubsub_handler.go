// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/hitoshi/ytrelay/internal/middleware"
	"github.com/hitoshi/ytrelay/internal/pubsub"
)

// PubSubServiceInterface はインテークサービスのインターフェース。
type PubSubServiceInterface interface {
	Verify(ctx context.Context, p pubsub.VerifyParams) (string, error)
	Notify(ctx context.Context, body io.Reader) error
}

// PubSubHandler はハブ向けエンドポイントのハンドラー。
type PubSubHandler struct {
	service PubSubServiceInterface
}

// NewPubSubHandler はPubSubHandlerを生成する。
func NewPubSubHandler(service PubSubServiceInterface) *PubSubHandler {
	return &PubSubHandler{service: service}
}

// Verify はGET /pubsub/youtubeを処理する。
// hub.challengeの値をそのままtext/plainでエコーする。
// パラメータが存在する限り、値が空文字列でも有効なチャレンジとして扱う。
func (h *PubSubHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// lease_secondsの解析失敗は0として扱う（購読反映がスキップされるだけで、
	// チャレンジのエコーは行われる）
	leaseSeconds := 0
	if v := q.Get("hub.lease_seconds"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			leaseSeconds = parsed
		}
	}

	params := pubsub.VerifyParams{
		Challenge:    q.Get("hub.challenge"),
		HasChallenge: q.Has("hub.challenge"),
		Mode:         q.Get("hub.mode"),
		Topic:        q.Get("hub.topic"),
		LeaseSeconds: leaseSeconds,
	}

	challenge, err := h.service.Verify(r.Context(), params)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// Notify はPOST /pubsub/youtubeを処理する。
// バリデーションを通過した通知は、キュー投入の成否にかかわらず200を返す。
func (h *PubSubHandler) Notify(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Notify(r.Context(), r.Body); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
