package model

import "time"

// 通知種別
const (
	NotificationTypeRide    = "ride"
	NotificationTypePayment = "payment"
	NotificationTypeParking = "parking"
	NotificationTypeWelcome = "welcome"
	NotificationTypeSystem  = "system"
)

// Notification はユーザー向けのアプリ内通知。
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	IsRead    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
