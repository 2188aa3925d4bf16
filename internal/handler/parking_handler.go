package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/parking"
)

// ParkingServiceInterface は駐車ハンドラーが必要とするサービスインターフェース。
type ParkingServiceInterface interface {
	ListSlots(ctx context.Context) ([]*model.ParkingSlot, error)
	ListAvailable(ctx context.Context, f model.SlotFilter) ([]*model.ParkingSlot, error)
	CreateSlot(ctx context.Context, in parking.CreateSlotInput) (*model.ParkingSlot, error)
	Reserve(ctx context.Context, userID string, in parking.ReserveInput) (*parking.Booking, error)
	ListReservations(ctx context.Context, userID string) ([]*model.Reservation, error)
	Cancel(ctx context.Context, userID, reservationID string) (*parking.Cancellation, error)
	CheckIn(ctx context.Context, userID, code string) (*model.ParkingSlot, error)
	CheckOut(ctx context.Context, userID, slotID string) (*model.ParkingSlot, error)
	Analytics(ctx context.Context, userID string) (*parking.Analytics, error)
}

// ParkingHandler は駐車スロットと予約のHTTPハンドラー。
type ParkingHandler struct {
	service ParkingServiceInterface
}

// NewParkingHandler はParkingHandlerを生成する。
func NewParkingHandler(service ParkingServiceInterface) *ParkingHandler {
	return &ParkingHandler{service: service}
}

type createSlotRequest struct {
	SlotNumber string  `json:"slotNumber"`
	Location   string  `json:"location"`
	Type       string  `json:"type"`
	HourlyRate float64 `json:"hourlyRate"`
}

type reserveRequest struct {
	SlotID    string `json:"slotId"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type reserveResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Payment     paymentSummary      `json:"payment"`
	QRCode      string              `json:"qrCode"`
}

type cancelReservationResponse struct {
	Message      string              `json:"message"`
	RefundAmount float64             `json:"refundAmount"`
	Reservation  reservationResponse `json:"reservation"`
}

type checkInRequest struct {
	QRCode string `json:"qrCode"`
}

type checkOutRequest struct {
	SlotID string `json:"slotId"`
}

type slotActionResponse struct {
	Message string        `json:"message"`
	Slot    *slotResponse `json:"slot"`
}

type parkingAnalyticsResponse struct {
	TotalReservations  int     `json:"totalReservations"`
	ActiveReservations int     `json:"activeReservations"`
	TotalSpent         float64 `json:"totalSpent"`
	AverageDuration    float64 `json:"averageDuration"`
}

// ListSlots は全スロットをスロット番号順に返す。
// GET /api/parking/slots
func (h *ParkingHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.service.ListSlots(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// ListAvailable は空きスロットを返す。
// GET /api/parking/slots/available?location=&type=
func (h *ParkingHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slots, err := h.service.ListAvailable(r.Context(), model.SlotFilter{
		Location: q.Get("location"),
		Type:     q.Get("type"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// CreateSlot はスロットを作成する。
// POST /api/parking/slots （管理者のみ）
func (h *ParkingHandler) CreateSlot(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slot, err := h.service.CreateSlot(r.Context(), parking.CreateSlotInput{
		SlotNumber: req.SlotNumber,
		Location:   req.Location,
		Type:       req.Type,
		HourlyRate: req.HourlyRate,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

// Reserve はスロットを予約する。
// POST /api/parking/reserve
func (h *ParkingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req reserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := parseTimestamp("startTime", req.StartTime)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	end, err := parseTimestamp("endTime", req.EndTime)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	booking, err := h.service.Reserve(r.Context(), userID, parking.ReserveInput{
		SlotID:    req.SlotID,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		Reservation: toReservationResponse(booking.Reservation),
		Payment:     paymentSummary{ID: booking.Payment.ID, Amount: booking.Payment.Amount},
		QRCode:      booking.QRCode,
	})
}

// ListReservations はログインユーザーの予約一覧を返す。
// GET /api/parking/reservations
func (h *ParkingHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListReservations(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelReservation は予約をキャンセルする。
// PUT /api/parking/reservations/{id}/cancel
func (h *ParkingHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelReservationResponse{
		Message:      "Reservation cancelled successfully",
		RefundAmount: result.RefundAmount,
		Reservation:  toReservationResponse(result.Reservation),
	})
}

// CheckIn はQRコードでチェックインする。
// POST /api/parking/checkin
func (h *ParkingHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req checkInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slot, err := h.service.CheckIn(r.Context(), userID, req.QRCode)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotActionResponse{Message: "Checked in successfully", Slot: toSlotResponse(slot)})
}

// CheckOut はチェックアウトし、予約を完了にする。
// POST /api/parking/checkout
func (h *ParkingHandler) CheckOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req checkOutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slot, err := h.service.CheckOut(r.Context(), userID, req.SlotID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotActionResponse{Message: "Checked out successfully", Slot: toSlotResponse(slot)})
}

// Analytics はログインユーザーの駐車利用状況を返す。
// GET /api/parking/analytics
func (h *ParkingHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Analytics(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parkingAnalyticsResponse{
		TotalReservations:  a.TotalReservations,
		ActiveReservations: a.ActiveReservations,
		TotalSpent:         a.TotalSpent,
		AverageDuration:    a.AverageDuration,
	})
}
