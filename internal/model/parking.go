package model

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// 駐車スロットの料金種別
const (
	SlotTypeHourly  = "hourly"
	SlotTypeDaily   = "daily"
	SlotTypeMonthly = "monthly"
)

// DefaultHourlyRate はスロット作成時に料金未指定の場合の時間単価。
const DefaultHourlyRate = 10.0

// 予約ステータス
const (
	ReservationActive    = "active"
	ReservationCancelled = "cancelled"
	ReservationCompleted = "completed"
	ReservationNoShow    = "no-show"
)

// ValidSlotType はスロット種別が定義済みかどうかを返す。
func ValidSlotType(t string) bool {
	switch t {
	case SlotTypeHourly, SlotTypeDaily, SlotTypeMonthly:
		return true
	}
	return false
}

// ParkingSlot は駐車スロットを表す。
type ParkingSlot struct {
	ID          string
	SlotNumber  string
	Location    string
	Type        string
	HourlyRate  float64
	IsOccupied  bool
	IsReserved  bool
	AssignedTo  null.String
	LastUpdated time.Time
	CreatedAt   time.Time
}

// IsAvailable は予約も占有もされていないかどうかを返す。
func (s *ParkingSlot) IsAvailable() bool {
	return !s.IsOccupied && !s.IsReserved
}

// Reservation は駐車スロットの予約を表す。
type Reservation struct {
	ID          string
	UserID      string
	SlotID      string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	CheckInCode string
	CheckedInAt null.Time
	RemindedAt  null.Time
	PaymentID   string
	Amount      float64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Slot は一覧取得時に結合されるスロット情報。結合しない場合はnil。
	Slot *ParkingSlot
}

// Duration は予約時間の長さを返す。
func (r *Reservation) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// SlotFilter は空きスロット検索の条件。空文字は条件なしを表す。
type SlotFilter struct {
	Location string
	Type     string
}
