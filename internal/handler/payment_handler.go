package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/payment"
)

// PaymentServiceInterface は支払いハンドラーが必要とするサービスインターフェース。
type PaymentServiceInterface interface {
	History(ctx context.Context, userID string) ([]*model.Payment, error)
	Get(ctx context.Context, userID, paymentID string) (*model.Payment, error)
	Refund(ctx context.Context, userID, paymentID string) (*model.Payment, error)
	Transactions(ctx context.Context, userID string) ([]payment.Transaction, error)
	Methods(ctx context.Context, userID string) ([]model.PaymentMethod, error)
	Stats(ctx context.Context, userID string) (*payment.Stats, error)
}

// PaymentHandler は支払いのHTTPハンドラー。
type PaymentHandler struct {
	service PaymentServiceInterface
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service PaymentServiceInterface) *PaymentHandler {
	return &PaymentHandler{service: service}
}

type paymentStatusResponse struct {
	Status string `json:"status"`
}

type refundResponse struct {
	Message string          `json:"message"`
	Payment paymentResponse `json:"payment"`
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
}

type paymentStatsResponse struct {
	TotalSpent        float64 `json:"totalSpent"`
	MonthlyAverage    float64 `json:"monthlyAverage"`
	TotalTransactions int     `json:"totalTransactions"`
	ThisMonth         float64 `json:"thisMonth"`
}

// History は支払い履歴を新しい順に返す。
// GET /api/payments/history
func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.History(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Status は支払いステータスを返す。
// GET /api/payments/{id}/status
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	p, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{Status: p.Status})
}

// Refund は完了済みの支払いを返金する。
// POST /api/payments/{id}/refund
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	p, err := h.service.Refund(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{
		Message: "Refund processed successfully",
		Payment: toPaymentResponse(p),
	})
}

// Transactions は取引一覧を返す。
// GET /api/payments/transactions
func (h *PaymentHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	txs, err := h.service.Transactions(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

// Methods は登録済みの支払い手段を返す。
// GET /api/payments/methods
func (h *PaymentHandler) Methods(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	methods, err := h.service.Methods(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if methods == nil {
		methods = []model.PaymentMethod{}
	}
	writeJSON(w, http.StatusOK, methods)
}

// Stats は支払い統計を返す。
// GET /api/payments/stats
func (h *PaymentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	s, err := h.service.Stats(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatsResponse{
		TotalSpent:        s.TotalSpent,
		MonthlyAverage:    s.MonthlyAverage,
		TotalTransactions: s.TotalTransactions,
		ThisMonth:         s.ThisMonth,
	})
}
