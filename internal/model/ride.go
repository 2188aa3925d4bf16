package model

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// 乗車種別
const (
	RideTypeCab       = "cab"
	RideTypeShuttle   = "shuttle"
	RideTypeERickshaw = "e-rickshaw"
)

// 乗車ステータス
const (
	RidePending   = "pending"
	RideOngoing   = "ongoing"
	RideCompleted = "completed"
	RideCancelled = "cancelled"
)

// RideType は乗車種別のカタログ情報。
type RideType struct {
	Type        string
	BasePrice   float64
	Description string
}

// RideTypes は提供中の乗車種別一覧を返す。BasePriceはkmあたりの料金。
func RideTypes() []RideType {
	return []RideType{
		{Type: RideTypeCab, BasePrice: 15, Description: "Private cab service"},
		{Type: RideTypeShuttle, BasePrice: 8, Description: "Shared shuttle service"},
		{Type: RideTypeERickshaw, BasePrice: 5, Description: "Electric rickshaw"},
	}
}

// LookupRideType は種別名からカタログ情報を返す。
func LookupRideType(t string) (RideType, bool) {
	for _, rt := range RideTypes() {
		if rt.Type == t {
			return rt, true
		}
	}
	return RideType{}, false
}

// ValidRideStatus は乗車ステータスが定義済みかどうかを返す。
func ValidRideStatus(s string) bool {
	switch s {
	case RidePending, RideOngoing, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// IsTerminalRideStatus は以降の遷移を受け付けない終端ステータスかどうかを返す。
func IsTerminalRideStatus(s string) bool {
	return s == RideCompleted || s == RideCancelled
}

// Ride はラストワンマイルの乗車予約を表す。
type Ride struct {
	ID             string
	UserID         string
	Type           string
	PickupLocation string
	DropLocation   string
	ScheduledTime  null.Time
	Status         string
	Fare           float64
	DistanceKm     float64
	PaymentID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PoolQuery は相乗り候補検索の条件。
type PoolQuery struct {
	Pickup        string
	ExcludeUserID string
	CreatedAfter  time.Time
	Limit         int
}
