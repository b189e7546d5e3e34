package handler

import (
	"net/http"

	"github.com/hitoshi/ytrelay/internal/middleware"
)

// ConsumerController はコンシューマの起動/停止/状態照会のインターフェース。
type ConsumerController interface {
	Start() error
	Stop()
	Running() bool
}

// ConsumerHandler はコンシューマ管理APIのハンドラー。
type ConsumerHandler struct {
	consumer ConsumerController
}

// NewConsumerHandler はConsumerHandlerを生成する。
func NewConsumerHandler(consumer ConsumerController) *ConsumerHandler {
	return &ConsumerHandler{consumer: consumer}
}

// Status はGET /api/notifications/consumer/statusを処理する。
func (h *ConsumerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"running": h.consumer.Running(),
	})
}

// Start はPOST /api/notifications/consumer/startを処理する。
// すでに稼働中の場合も200を返す（冪等）。
func (h *ConsumerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Start(); err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "コンシューマを開始しました。",
	})
}

// Stop はPOST /api/notifications/consumer/stopを処理する。
// 停止済みの場合も200を返す（冪等）。
func (h *ConsumerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.consumer.Stop()
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "コンシューマを停止しました。",
	})
}
