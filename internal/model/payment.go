package model

import "time"

// 支払い方法
const (
	PaymentMethodCard      = "card"
	PaymentMethodWallet    = "wallet"
	PaymentMethodMetroCard = "metro-card"
	PaymentMethodCash      = "cash"
)

// 支払いステータス
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// 支払い種別
const (
	PaymentTypeParking      = "parking"
	PaymentTypeRide         = "ride"
	PaymentTypeSubscription = "subscription"
)

// Payment は駐車・乗車に対する支払いを表す。
// ReferenceIDは支払い対象（予約または乗車）のID。
type Payment struct {
	ID          string
	UserID      string
	Amount      float64
	Method      string
	Status      string
	Type        string
	ReferenceID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
