package handler

import (
	"time"

	"gopkg.in/guregu/null.v4"

	"github.com/hitoshi/parkride/internal/model"
)

// userSummaryResponse は登録・ログイン時に返すユーザー情報。
type userSummaryResponse struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func toUserSummaryResponse(u *model.User) userSummaryResponse {
	return userSummaryResponse{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Role:      u.Role,
	}
}

// profileResponse はプロフィールの全項目。
type profileResponse struct {
	ID             string                `json:"id"`
	FirstName      string                `json:"firstName"`
	LastName       string                `json:"lastName"`
	Email          string                `json:"email"`
	Phone          null.String           `json:"phone"`
	DateOfBirth    null.String           `json:"dateOfBirth"`
	Address        null.String           `json:"address"`
	Avatar         null.String           `json:"avatar"`
	Role           string                `json:"role"`
	Rating         float64               `json:"rating"`
	TotalRides     int                   `json:"totalRides"`
	TotalParking   int                   `json:"totalParking"`
	MemberSince    time.Time             `json:"memberSince"`
	Preferences    model.Preferences     `json:"preferences"`
	Vehicles       []model.Vehicle       `json:"vehicles"`
	PaymentMethods []model.PaymentMethod `json:"paymentMethods"`
}

func toProfileResponse(u *model.User) profileResponse {
	resp := profileResponse{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		Phone:          null.NewString(u.Phone, u.Phone != ""),
		Address:        null.NewString(u.Address, u.Address != ""),
		Avatar:         null.NewString(u.Avatar, u.Avatar != ""),
		Role:           u.Role,
		Rating:         u.Rating,
		TotalRides:     u.TotalRides,
		TotalParking:   u.TotalParking,
		MemberSince:    u.CreatedAt,
		Preferences:    u.Preferences,
		Vehicles:       u.Vehicles,
		PaymentMethods: u.PaymentMethods,
	}
	if u.DateOfBirth != nil {
		resp.DateOfBirth = null.StringFrom(u.DateOfBirth.Format(dateLayout))
	}
	// 空配列はnullではなく[]で返す
	if resp.Vehicles == nil {
		resp.Vehicles = []model.Vehicle{}
	}
	if resp.PaymentMethods == nil {
		resp.PaymentMethods = []model.PaymentMethod{}
	}
	return resp
}

// slotResponse は駐車スロットのAPIレスポンス。
type slotResponse struct {
	ID          string      `json:"id"`
	SlotNumber  string      `json:"slotNumber"`
	Location    string      `json:"location"`
	Type        string      `json:"type"`
	HourlyRate  float64     `json:"hourlyRate"`
	IsOccupied  bool        `json:"isOccupied"`
	IsReserved  bool        `json:"isReserved"`
	AssignedTo  null.String `json:"assignedTo"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

func toSlotResponse(s *model.ParkingSlot) *slotResponse {
	if s == nil {
		return nil
	}
	return &slotResponse{
		ID:          s.ID,
		SlotNumber:  s.SlotNumber,
		Location:    s.Location,
		Type:        s.Type,
		HourlyRate:  s.HourlyRate,
		IsOccupied:  s.IsOccupied,
		IsReserved:  s.IsReserved,
		AssignedTo:  s.AssignedTo,
		LastUpdated: s.LastUpdated,
	}
}

func toSlotResponses(slots []*model.ParkingSlot) []*slotResponse {
	out := make([]*slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	return out
}

// reservationResponse は予約のAPIレスポンス。
type reservationResponse struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId"`
	SlotID      string        `json:"slotId"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Status      string        `json:"status"`
	CheckInCode string        `json:"checkInCode"`
	CheckedInAt null.Time     `json:"checkedInAt"`
	PaymentID   string        `json:"paymentId"`
	Amount      float64       `json:"amount"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	ParkingSlot *slotResponse `json:"parkingSlot,omitempty"`
}

func toReservationResponse(r *model.Reservation) reservationResponse {
	return reservationResponse{
		ID:          r.ID,
		UserID:      r.UserID,
		SlotID:      r.SlotID,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Status:      r.Status,
		CheckInCode: r.CheckInCode,
		CheckedInAt: r.CheckedInAt,
		PaymentID:   r.PaymentID,
		Amount:      r.Amount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ParkingSlot: toSlotResponse(r.Slot),
	}
}

// rideResponse は乗車予約のAPIレスポンス。
type rideResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	PickupLocation string    `json:"pickupLocation"`
	DropLocation   string    `json:"dropLocation"`
	ScheduledTime  null.Time `json:"scheduledTime"`
	Status         string    `json:"status"`
	Fare           float64   `json:"fare"`
	DistanceKm     float64   `json:"distanceKm"`
	PaymentID      string    `json:"paymentId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toRideResponse(r *model.Ride) rideResponse {
	return rideResponse{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           r.Type,
		PickupLocation: r.PickupLocation,
		DropLocation:   r.DropLocation,
		ScheduledTime:  r.ScheduledTime,
		Status:         r.Status,
		Fare:           r.Fare,
		DistanceKm:     r.DistanceKm,
		PaymentID:      r.PaymentID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// paymentResponse は支払いのAPIレスポンス。
type paymentResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      float64   `json:"amount"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	Type        string    `json:"type"`
	ReferenceID string    `json:"referenceId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		Method:      p.Method,
		Status:      p.Status,
		Type:        p.Type,
		ReferenceID: p.ReferenceID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// paymentSummary は予約・乗車作成時に返す支払いの要約。
type paymentSummary struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// notificationResponse は通知のAPIレスポンス。
type notificationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

func toNotificationResponse(n *model.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}
