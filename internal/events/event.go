// Package events はドメインイベントの定義と配送（プロセス内バス、RabbitMQ）を提供する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// イベント種別。AMQPではそのままルーティングキーとして使う。
const (
	TypeUserRegistered       = "user.registered"
	TypeSlotUpdated          = "slot.updated"
	TypeReservationCreated   = "reservation.created"
	TypeReservationCancelled = "reservation.cancelled"
	TypeReservationReminder  = "reservation.reminder"
	TypeReservationNoShow    = "reservation.no_show"
	TypeRideBooked           = "ride.booked"
	TypeRideStatusChanged    = "ride.status_changed"
	TypePaymentRefunded      = "payment.refunded"
	TypeNotificationCreated  = "notification.created"
)

// Event はサービス間で受け渡すドメインイベント。
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"userId,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New はペイロードをJSONに変換してイベントを生成する。
func New(typ, userID string, payload any) (Event, error) {
	e := Event{
		ID:         uuid.New().String(),
		Type:       typ,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		e.Payload = b
	}
	return e, nil
}

// Decode はペイロードをvに展開する。
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher はイベントの発行先。
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler はイベントの受信処理。エラーを返すとAMQPでは再配送される。
type Handler func(ctx context.Context, e Event) error

// Emit はイベントを生成して発行する。
// 発行失敗はログに記録するのみで、呼び出し元の処理結果には影響させない。
func Emit(ctx context.Context, pub Publisher, typ, userID string, payload any) {
	if pub == nil {
		return
	}
	e, err := New(typ, userID, payload)
	if err == nil {
		err = pub.Publish(ctx, e)
	}
	if err != nil {
		slog.Warn("イベントの発行に失敗しました",
			slog.String("event_type", typ),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// SlotPayload はslot.updatedのペイロード。
type SlotPayload struct {
	SlotID     string `json:"slotId"`
	SlotNumber string `json:"slotNumber"`
	Location   string `json:"location"`
	IsOccupied bool   `json:"isOccupied"`
	IsReserved bool   `json:"isReserved"`
}

// ReservationPayload は予約関連イベントのペイロード。
type ReservationPayload struct {
	ReservationID string    `json:"reservationId"`
	SlotID        string    `json:"slotId"`
	SlotNumber    string    `json:"slotNumber,omitempty"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Amount        float64   `json:"amount"`
	RefundAmount  float64   `json:"refundAmount,omitempty"`
}

// RidePayload は乗車関連イベントのペイロード。
type RidePayload struct {
	RideID         string  `json:"rideId"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	PickupLocation string  `json:"pickupLocation"`
	DropLocation   string  `json:"dropLocation"`
	Fare           float64 `json:"fare"`
}

// PaymentPayload はpayment.refundedのペイロード。
type PaymentPayload struct {
	PaymentID string  `json:"paymentId"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
}

// UserPayload はuser.registeredのペイロード。
type UserPayload struct {
	FirstName string `json:"firstName"`
	Email     string `json:"email"`
}

// NotificationPayload はnotification.createdのペイロード。
type NotificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}
