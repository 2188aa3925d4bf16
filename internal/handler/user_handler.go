package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/user"
)

// dateLayout は生年月日の入出力形式。
const dateLayout = "2006-01-02"

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	UpdateProfile(ctx context.Context, userID string, in user.ProfileUpdate) (*model.User, error)
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	Analytics(ctx context.Context, userID string) (*user.Analytics, error)
	AddVehicle(ctx context.Context, userID string, in user.VehicleInput) (*model.Vehicle, error)
	DeleteVehicle(ctx context.Context, userID, vehicleID string) error
	SetDefaultVehicle(ctx context.Context, userID, vehicleID string) ([]model.Vehicle, error)
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) (model.Preferences, error)
	// Withdraw はユーザーの退会処理を実行する。
	// 有効な予約を解放し、通知・セッション・ユーザーを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateProfileRequest はプロフィール更新リクエスト。省略した項目は変更しない。
type updateProfileRequest struct {
	Name           *string                `json:"name"`
	Phone          *string                `json:"phone"`
	DateOfBirth    *string                `json:"dateOfBirth"`
	Address        *string                `json:"address"`
	Avatar         *string                `json:"avatar"`
	Preferences    *model.Preferences     `json:"preferences"`
	Vehicles       *[]model.Vehicle       `json:"vehicles"`
	PaymentMethods *[]model.PaymentMethod `json:"paymentMethods"`
}

type profileUpdatedResponse struct {
	Message string          `json:"message"`
	User    profileResponse `json:"user"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type userAnalyticsResponse struct {
	LoyaltyPoints int       `json:"loyaltyPoints"`
	Subscriptions []string  `json:"subscriptions"`
	CreatedAt     time.Time `json:"createdAt"`
}

type addVehicleRequest struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	Color        string `json:"color"`
	LicensePlate string `json:"licensePlate"`
}

// UpdateProfile はプロフィールを更新する。
// PUT /api/users/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := user.ProfileUpdate{
		Name:           req.Name,
		Phone:          req.Phone,
		Address:        req.Address,
		Avatar:         req.Avatar,
		Preferences:    req.Preferences,
		Vehicles:       req.Vehicles,
		PaymentMethods: req.PaymentMethods,
	}
	if req.DateOfBirth != nil {
		dob, err := parseDate(*req.DateOfBirth)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		in.DateOfBirth = &dob
	}

	updated, err := h.service.UpdateProfile(r.Context(), userID, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileUpdatedResponse{
		Message: "Profile updated successfully",
		User:    toProfileResponse(updated),
	})
}

// ChangePassword はパスワードを変更する。
// PUT /api/users/change-password
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

// Analytics は会員情報を返す。
// GET /api/users/analytics
func (h *UserHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Analytics(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	subs := a.Subscriptions
	if subs == nil {
		subs = []string{}
	}
	writeJSON(w, http.StatusOK, userAnalyticsResponse{
		LoyaltyPoints: a.LoyaltyPoints,
		Subscriptions: subs,
		CreatedAt:     a.CreatedAt,
	})
}

// AddVehicle は車両を登録する。
// POST /api/users/vehicles
func (h *UserHandler) AddVehicle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req addVehicleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	v, err := h.service.AddVehicle(r.Context(), userID, user.VehicleInput{
		Make:         req.Make,
		Model:        req.Model,
		Year:         req.Year,
		Color:        req.Color,
		LicensePlate: req.LicensePlate,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// DeleteVehicle は車両を削除する。
// DELETE /api/users/vehicles/{id}
func (h *UserHandler) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteVehicle(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Vehicle removed"})
}

// SetDefaultVehicle は既定の車両を切り替え、車両一覧を返す。
// PATCH /api/users/vehicles/{id}/default
func (h *UserHandler) SetDefaultVehicle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	vehicles, err := h.service.SetDefaultVehicle(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// UpdatePreferences は各種設定を置き換える。
// PUT /api/users/preferences
func (h *UserHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req model.Preferences
	if !decodeJSON(w, r, &req) {
		return
	}

	prefs, err := h.service.UpdatePreferences(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseDate は生年月日を解析する。日付のみとRFC3339の両方を受け付ける。
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, model.NewValidationError("dateOfBirth must be YYYY-MM-DD or an RFC3339 timestamp")
}
