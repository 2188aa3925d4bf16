package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/model"
)

// content はイベントから生成する通知の本文。
type content struct {
	Type    string
	Title   string
	Message string
}

// compose はイベントを通知本文に変換する。通知対象外のイベントはok=falseを返す。
func compose(e events.Event) (c content, ok bool, err error) {
	switch e.Type {
	case events.TypeUserRegistered:
		var p events.UserPayload
		if err := e.Decode(&p); err != nil {
			return content{}, false, err
		}
		name := p.FirstName
		if name == "" {
			name = "there"
		}
		return content{
			Type:    model.NotificationTypeWelcome,
			Title:   "Welcome to Park & Ride",
			Message: fmt.Sprintf("Hi %s, thank you for joining Park & Ride! Enjoy your first ride.", name),
		}, true, nil

	case events.TypeReservationCreated, events.TypeReservationCancelled,
		events.TypeReservationReminder, events.TypeReservationNoShow:
		var p events.ReservationPayload
		if err := e.Decode(&p); err != nil {
			return content{}, false, err
		}
		return composeReservation(e.Type, p), true, nil

	case events.TypeRideBooked, events.TypeRideStatusChanged:
		var p events.RidePayload
		if err := e.Decode(&p); err != nil {
			return content{}, false, err
		}
		return composeRide(e.Type, p), true, nil

	case events.TypePaymentRefunded:
		var p events.PaymentPayload
		if err := e.Decode(&p); err != nil {
			return content{}, false, err
		}
		return content{
			Type:    model.NotificationTypePayment,
			Title:   "Refund Processed",
			Message: fmt.Sprintf("A refund of %s for your %s payment has been processed.", money(p.Amount), p.Type),
		}, true, nil
	}
	return content{}, false, nil
}

func composeReservation(typ string, p events.ReservationPayload) content {
	slot := p.SlotNumber
	if slot == "" {
		slot = "your slot"
	}
	c := content{Type: model.NotificationTypeParking}
	switch typ {
	case events.TypeReservationCreated:
		c.Title = "Parking Reserved"
		c.Message = fmt.Sprintf("Slot %s is reserved from %s to %s. Payment of %s completed.",
			slot, clock(p.StartTime), clock(p.EndTime), money(p.Amount))
	case events.TypeReservationCancelled:
		c.Title = "Reservation Cancelled"
		if p.RefundAmount > 0 {
			c.Message = fmt.Sprintf("Your reservation for slot %s was cancelled. %s will be refunded.", slot, money(p.RefundAmount))
		} else {
			c.Message = fmt.Sprintf("Your reservation for slot %s was cancelled. No refund applies.", slot)
		}
	case events.TypeReservationReminder:
		c.Title = "Parking Reminder"
		c.Message = fmt.Sprintf("Your reservation for slot %s starts at %s.", slot, clock(p.StartTime))
	case events.TypeReservationNoShow:
		c.Title = "Reservation Expired"
		c.Message = fmt.Sprintf("You did not check in to slot %s, so the reservation was released.", slot)
	}
	return c
}

func composeRide(typ string, p events.RidePayload) content {
	c := content{Type: model.NotificationTypeRide}
	route := fmt.Sprintf("from %s to %s", p.PickupLocation, p.DropLocation)
	if typ == events.TypeRideBooked {
		c.Title = "Ride Booked"
		c.Message = fmt.Sprintf("Your %s ride %s is booked. Fare: %s.", p.Type, route, money(p.Fare))
		return c
	}
	switch p.Status {
	case model.RideOngoing:
		c.Title = "Ride Started"
		c.Message = fmt.Sprintf("Your ride %s is on the way.", route)
	case model.RideCompleted:
		c.Title = "Ride Completed"
		c.Message = fmt.Sprintf("Your ride %s has been completed.", route)
	case model.RideCancelled:
		c.Title = "Ride Cancelled"
		c.Message = fmt.Sprintf("Your ride %s has been cancelled.", route)
	default:
		c.Title = "Ride Updated"
		c.Message = fmt.Sprintf("Your ride %s is now %s.", route, strings.ToLower(p.Status))
	}
	return c
}

// categoryEnabled は通知種別に対応するカテゴリ設定が有効かどうかを返す。
func categoryEnabled(typ string, s model.NotificationSettings) bool {
	switch typ {
	case model.NotificationTypeRide:
		return s.RideUpdates
	case model.NotificationTypeParking:
		return s.ParkingUpdates
	case model.NotificationTypePayment:
		return s.PaymentUpdates
	}
	return true
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("Jan 2 15:04 UTC")
}
