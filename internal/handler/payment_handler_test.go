package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/payment"
)

// --- モック定義 ---

// mockPaymentService はPaymentServiceInterfaceのモック実装。
type mockPaymentService struct {
	historyFn      func(ctx context.Context, userID string) ([]*model.Payment, error)
	getFn          func(ctx context.Context, userID, paymentID string) (*model.Payment, error)
	refundFn       func(ctx context.Context, userID, paymentID string) (*model.Payment, error)
	transactionsFn func(ctx context.Context, userID string) ([]payment.Transaction, error)
	methodsFn      func(ctx context.Context, userID string) ([]model.PaymentMethod, error)
	statsFn        func(ctx context.Context, userID string) (*payment.Stats, error)
}

func (m *mockPaymentService) History(ctx context.Context, userID string) ([]*model.Payment, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockPaymentService) Get(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, paymentID)
	}
	return nil, model.NewPaymentNotFoundError(paymentID)
}

func (m *mockPaymentService) Refund(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
	if m.refundFn != nil {
		return m.refundFn(ctx, userID, paymentID)
	}
	return nil, model.NewPaymentNotFoundError(paymentID)
}

func (m *mockPaymentService) Transactions(ctx context.Context, userID string) ([]payment.Transaction, error) {
	if m.transactionsFn != nil {
		return m.transactionsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockPaymentService) Methods(ctx context.Context, userID string) ([]model.PaymentMethod, error) {
	if m.methodsFn != nil {
		return m.methodsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockPaymentService) Stats(ctx context.Context, userID string) (*payment.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx, userID)
	}
	return &payment.Stats{}, nil
}

func testPayment() *model.Payment {
	return &model.Payment{
		ID:          "pay-1",
		UserID:      "user-123",
		Amount:      100,
		Method:      model.PaymentMethodCard,
		Status:      model.PaymentCompleted,
		Type:        model.PaymentTypeParking,
		ReferenceID: "res-1",
	}
}

// --- GET /api/payments/history ---

func TestPaymentHandler_History(t *testing.T) {
	svc := &mockPaymentService{
		historyFn: func(ctx context.Context, userID string) ([]*model.Payment, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q", userID)
			}
			return []*model.Payment{testPayment()}, nil
		},
	}

	w := httptest.NewRecorder()
	NewPaymentHandler(svc).History(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/history", nil), "user-123"))

	assertStatus(t, w, http.StatusOK)
	var body []paymentResponse
	decodeBody(t, w, &body)
	if len(body) != 1 || body[0].ReferenceID != "res-1" || body[0].Method != model.PaymentMethodCard {
		t.Errorf("body = %+v", body)
	}
}

// --- GET /api/payments/{id}/status ---

func TestPaymentHandler_Status(t *testing.T) {
	svc := &mockPaymentService{
		getFn: func(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
			if paymentID != "pay-1" {
				return nil, model.NewPaymentNotFoundError(paymentID)
			}
			return testPayment(), nil
		},
	}
	h := NewPaymentHandler(svc)

	t.Run("成功", func(t *testing.T) {
		req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/pay-1/status", nil), "user-123"), "id", "pay-1")
		w := httptest.NewRecorder()
		h.Status(w, req)

		assertStatus(t, w, http.StatusOK)
		var body paymentStatusResponse
		decodeBody(t, w, &body)
		if body.Status != model.PaymentCompleted {
			t.Errorf("status = %q, want completed", body.Status)
		}
	})

	t.Run("他人の支払い", func(t *testing.T) {
		req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/pay-2/status", nil), "user-123"), "id", "pay-2")
		w := httptest.NewRecorder()
		h.Status(w, req)

		assertStatus(t, w, http.StatusNotFound)
	})
}

// --- POST /api/payments/{id}/refund ---

func TestPaymentHandler_Refund(t *testing.T) {
	tests := []struct {
		name     string
		svcErr   error
		wantCode int
	}{
		{"成功", nil, http.StatusOK},
		{"返金不可", model.NewPaymentNotRefundableError(), http.StatusBadRequest},
		{"存在しない", model.NewPaymentNotFoundError("pay-1"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPaymentService{
				refundFn: func(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					p := testPayment()
					p.Status = model.PaymentRefunded
					return p, nil
				},
			}
			req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPost, "/api/payments/pay-1/refund", nil), "user-123"), "id", "pay-1")
			w := httptest.NewRecorder()
			NewPaymentHandler(svc).Refund(w, req)

			assertStatus(t, w, tt.wantCode)
			if tt.svcErr == nil {
				var body refundResponse
				decodeBody(t, w, &body)
				if body.Message == "" || body.Payment.Status != model.PaymentRefunded {
					t.Errorf("body = %+v", body)
				}
			}
		})
	}
}

// --- GET /api/payments/transactions ---

func TestPaymentHandler_Transactions(t *testing.T) {
	date := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	svc := &mockPaymentService{
		transactionsFn: func(ctx context.Context, userID string) ([]payment.Transaction, error) {
			return []payment.Transaction{
				{ID: "pay-1", Type: model.PaymentTypeRide, Amount: 40, Status: model.PaymentCompleted, Date: date, Description: "Ride booking"},
			}, nil
		},
	}

	w := httptest.NewRecorder()
	NewPaymentHandler(svc).Transactions(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/transactions", nil), "user-123"))

	assertStatus(t, w, http.StatusOK)
	var body []map[string]any
	decodeBody(t, w, &body)
	if len(body) != 1 {
		t.Fatalf("len = %d, want 1", len(body))
	}
	if body[0]["description"] != "Ride booking" || body[0]["date"] != "2026-02-14T08:00:00Z" {
		t.Errorf("body[0] = %v", body[0])
	}
}

// --- GET /api/payments/methods ---

func TestPaymentHandler_Methods_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	NewPaymentHandler(&mockPaymentService{}).Methods(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/methods", nil), "user-123"))

	assertStatus(t, w, http.StatusOK)
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want []", got)
	}
}

// --- GET /api/payments/stats ---

func TestPaymentHandler_Stats(t *testing.T) {
	svc := &mockPaymentService{
		statsFn: func(ctx context.Context, userID string) (*payment.Stats, error) {
			return &payment.Stats{TotalSpent: 300, MonthlyAverage: 100, TotalTransactions: 4, ThisMonth: 50}, nil
		},
	}

	w := httptest.NewRecorder()
	NewPaymentHandler(svc).Stats(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/payments/stats", nil), "user-123"))

	assertStatus(t, w, http.StatusOK)
	var body paymentStatsResponse
	decodeBody(t, w, &body)
	want := paymentStatsResponse{TotalSpent: 300, MonthlyAverage: 100, TotalTransactions: 4, ThisMonth: 50}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestPaymentHandler_Unauthenticated(t *testing.T) {
	h := NewPaymentHandler(&mockPaymentService{})
	for name, handler := range map[string]http.HandlerFunc{
		"history":      h.History,
		"status":       h.Status,
		"refund":       h.Refund,
		"transactions": h.Transactions,
		"methods":      h.Methods,
		"stats":        h.Stats,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assertStatus(t, w, http.StatusUnauthorized)
		})
	}
}
