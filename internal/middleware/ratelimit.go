package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/ytrelay/internal/metrics"
	"github.com/hitoshi/ytrelay/internal/ratelimit"
)

// NewRateLimitMiddleware は(クライアントIP, パス)単位の固定ウィンドウ
// レート制限ミドルウェアを返す。制限超過時は429を返し、
// Retry-Afterヘッダーにウィンドウ長（秒）を設定する。
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, rec metrics.Recorder, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)

			if !limiter.Allow(clientIP, r.URL.Path) {
				rec.RecordRateLimitRejected(r.URL.Path)
				logger.Warn("rate limit exceeded",
					slog.String("client_ip", clientIP),
					slog.String("path", r.URL.Path),
				)
				writeRateLimitResponse(w, limiter.WindowSeconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterにはウィンドウがリセットされるまでの上限秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, windowSeconds int) {
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(windowSeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "RATE_LIMIT_EXCEEDED",
		"message":  "リクエスト数が制限を超えました。",
		"category": "system",
		"action":   "しばらく待ってから再度お試しください。",
	})
}
