package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ytrelay/internal/middleware"
	"github.com/hitoshi/ytrelay/internal/model"
	"github.com/hitoshi/ytrelay/internal/subscription"
)

// SubscriptionServiceInterface は購読管理サービスのインターフェース。
type SubscriptionServiceInterface interface {
	Create(ctx context.Context, req subscription.UpsertRequest) (*model.Subscription, bool, error)
	Update(ctx context.Context, channelID string, req subscription.UpsertRequest) (*model.Subscription, bool, error)
	UpdateStatus(ctx context.Context, channelID, status string) error
	Delete(ctx context.Context, channelID string) error
	Get(ctx context.Context, channelID string) (*model.Subscription, error)
	List(ctx context.Context) ([]*model.Subscription, error)
	ListAll(ctx context.Context) ([]*model.Subscription, error)
}

// SubscriptionHandler は購読管理APIのハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// List はGET /api/subscriptionsを処理し、アクティブな購読一覧を返す。
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.List(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeSubscriptionList(w, subs)
}

// ListAll はGET /api/subscriptions/allを処理し、全購読一覧を返す。
func (h *SubscriptionHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.ListAll(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeSubscriptionList(w, subs)
}

// Get はGET /api/subscriptions/{channelId}を処理する。
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	sub, err := h.service.Get(r.Context(), channelID)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Create はPOST /api/subscriptionsを処理する。
// ハブへの購読リクエストが成功した場合は201、失敗した場合は
// pendingステータスの購読とともに202を返す。
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req subscription.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONボディを解析できません"))
		return
	}

	sub, hubOK, err := h.service.Create(r.Context(), req)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	status := http.StatusCreated
	if !hubOK {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sub)
}

// Update はPUT /api/subscriptions/{channelId}を処理する。
// 200、ハブ失敗時は202、対象が存在しない場合は404を返す。
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	var req subscription.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONボディを解析できません"))
		return
	}

	sub, hubOK, err := h.service.Update(r.Context(), channelID, req)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	status := http.StatusOK
	if !hubOK {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sub)
}

// statusUpdateRequest はステータス変更リクエストのボディ。
type statusUpdateRequest struct {
	Status string `json:"status"`
}

// UpdateStatus はPUT /api/subscriptions/{channelId}/statusを処理する。
func (h *SubscriptionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("JSONボディを解析できません"))
		return
	}

	if err := h.service.UpdateStatus(r.Context(), channelID, req.Status); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"channel_id": channelID,
		"status":     req.Status,
	})
}

// Delete はDELETE /api/subscriptions/{channelId}を処理する。
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	if err := h.service.Delete(r.Context(), channelID); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"channel_id": channelID,
		"message":    "購読を削除しました。",
	})
}

// writeSubscriptionList は購読一覧をJSONで書き込む。nilは空配列として返す。
func writeSubscriptionList(w http.ResponseWriter, subs []*model.Subscription) {
	if subs == nil {
		subs = []*model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
