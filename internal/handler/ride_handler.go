package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/guregu/null.v4"

	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/ride"
)

// RideServiceInterface は乗車ハンドラーが必要とするサービスインターフェース。
type RideServiceInterface interface {
	Types() []model.RideType
	Book(ctx context.Context, userID string, in ride.BookInput) (*ride.Booking, error)
	MyRides(ctx context.Context, userID string) ([]*model.Ride, error)
	Cancel(ctx context.Context, userID, rideID string) (*model.Ride, error)
	UpdateStatus(ctx context.Context, rideID, status string) (*model.Ride, error)
	Pool(ctx context.Context, userID, pickup, drop string) ([]ride.PoolOption, error)
	Analytics(ctx context.Context, userID string) (*ride.Analytics, error)
}

// RideHandler は乗車予約のHTTPハンドラー。
type RideHandler struct {
	service RideServiceInterface
}

// NewRideHandler はRideHandlerを生成する。
func NewRideHandler(service RideServiceInterface) *RideHandler {
	return &RideHandler{service: service}
}

type rideTypeResponse struct {
	Type        string  `json:"type"`
	BasePrice   float64 `json:"basePrice"`
	Description string  `json:"description"`
}

type bookRideRequest struct {
	Type           string `json:"type"`
	PickupLocation string `json:"pickupLocation"`
	DropLocation   string `json:"dropLocation"`
	ScheduledTime  string `json:"scheduledTime"`
}

type bookRideResponse struct {
	Ride          rideResponse   `json:"ride"`
	Payment       paymentSummary `json:"payment"`
	EstimatedTime int            `json:"estimatedTime"`
}

type updateRideStatusRequest struct {
	Status string `json:"status"`
}

type poolRequest struct {
	PickupLocation string `json:"pickupLocation"`
	DropLocation   string `json:"dropLocation"`
}

type poolOptionResponse struct {
	RideID         string    `json:"rideId"`
	PickupLocation string    `json:"pickupLocation"`
	DropLocation   string    `json:"dropLocation"`
	ScheduledTime  null.Time `json:"scheduledTime"`
	SharedFare     float64   `json:"sharedFare"`
}

type rideTypeCountResponse struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type rideAnalyticsResponse struct {
	TotalRides     int                     `json:"totalRides"`
	CompletedRides int                     `json:"completedRides"`
	TotalSpent     float64                 `json:"totalSpent"`
	RideTypes      []rideTypeCountResponse `json:"rideTypes"`
	AverageFare    float64                 `json:"averageFare"`
}

// Types は乗車種別のカタログを返す。
// GET /api/rides/types
func (h *RideHandler) Types(w http.ResponseWriter, r *http.Request) {
	types := h.service.Types()
	out := make([]rideTypeResponse, 0, len(types))
	for _, t := range types {
		out = append(out, rideTypeResponse{Type: t.Type, BasePrice: t.BasePrice, Description: t.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

// Book は乗車を予約する。
// POST /api/rides/book
func (h *RideHandler) Book(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req bookRideRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var scheduled time.Time
	if strings.TrimSpace(req.ScheduledTime) != "" {
		t, err := parseTimestamp("scheduledTime", req.ScheduledTime)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		scheduled = t
	}

	booking, err := h.service.Book(r.Context(), userID, ride.BookInput{
		Type:           req.Type,
		PickupLocation: req.PickupLocation,
		DropLocation:   req.DropLocation,
		ScheduledTime:  scheduled,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bookRideResponse{
		Ride:          toRideResponse(booking.Ride),
		Payment:       paymentSummary{ID: booking.Payment.ID, Amount: booking.Payment.Amount},
		EstimatedTime: booking.EstimatedMinutes,
	})
}

// MyRides はログインユーザーの乗車履歴を返す。
// GET /api/rides/my-rides
func (h *RideHandler) MyRides(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	rides, err := h.service.MyRides(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]rideResponse, 0, len(rides))
	for _, rd := range rides {
		out = append(out, toRideResponse(rd))
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel は配車待ちの乗車をキャンセルする。
// PUT /api/rides/{id}/cancel
func (h *RideHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	rd, err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideResponse(rd))
}

// UpdateStatus は乗車ステータスを変更する。
// PUT /api/rides/{id}/status （管理者のみ）
func (h *RideHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateRideStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rd, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideResponse(rd))
}

// Pool は相乗り候補を返す。
// POST /api/rides/pool
func (h *RideHandler) Pool(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req poolRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	options, err := h.service.Pool(r.Context(), userID, req.PickupLocation, req.DropLocation)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]poolOptionResponse, 0, len(options))
	for _, o := range options {
		out = append(out, poolOptionResponse{
			RideID:         o.RideID,
			PickupLocation: o.PickupLocation,
			DropLocation:   o.DropLocation,
			ScheduledTime:  o.ScheduledTime,
			SharedFare:     o.SharedFare,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Analytics はログインユーザーの乗車利用状況を返す。
// GET /api/rides/analytics
func (h *RideHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Analytics(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	types := make([]rideTypeCountResponse, 0, len(a.RideTypes))
	for _, tc := range a.RideTypes {
		types = append(types, rideTypeCountResponse{Type: tc.Type, Count: tc.Count})
	}
	writeJSON(w, http.StatusOK, rideAnalyticsResponse{
		TotalRides:     a.TotalRides,
		CompletedRides: a.CompletedRides,
		TotalSpent:     a.TotalSpent,
		RideTypes:      types,
		AverageFare:    a.AverageFare,
	})
}
