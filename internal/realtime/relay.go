package realtime

import (
	"context"
	"log/slog"

	"github.com/hitoshi/parkride/internal/events"
)

// Relay はドメインイベントをクライアント向けフレームに変換して配信する。events.Handlerとして購読される。
// スロットの更新は全員に、乗車と通知は所有者のルームにのみ送る。
func (h *Hub) Relay(_ context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeSlotUpdated:
		var p events.SlotPayload
		if !decode(e, &p) {
			return nil
		}
		h.Broadcast(Frame{Event: EventSlotUpdated, Data: p})

	case events.TypeRideBooked, events.TypeRideStatusChanged:
		var p events.RidePayload
		if e.UserID == "" || !decode(e, &p) {
			return nil
		}
		h.SendToRoom(UserRoom(e.UserID), Frame{Event: EventRideStatus, Data: p})

	case events.TypeNotificationCreated:
		var p events.NotificationPayload
		if e.UserID == "" || !decode(e, &p) {
			return nil
		}
		h.SendToRoom(UserRoom(e.UserID), Frame{Event: EventNewNotification, Data: p})
	}
	return nil
}

// RelayKeys はRelayが扱うイベント種別。AMQPのバインディングキーに使う。
func RelayKeys() []string {
	return []string{
		events.TypeSlotUpdated,
		events.TypeRideBooked,
		events.TypeRideStatusChanged,
		events.TypeNotificationCreated,
	}
}

func decode(e events.Event, v any) bool {
	if err := e.Decode(v); err != nil {
		slog.Warn("中継対象イベントのデコードに失敗しました",
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
