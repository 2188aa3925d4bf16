package parking

import (
	"math"
	"time"
)

const (
	// peakMultiplier は朝の混雑時間帯に適用する料金倍率。
	peakMultiplier = 1.5
	peakStartHour  = 7
	peakEndHour    = 9
)

// IsPeakHour は時刻がlocにおける朝の混雑時間帯（7時台から9時台）かどうかを返す。
func IsPeakHour(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= peakStartHour && h <= peakEndHour
}

// BillableHours は予約時間を1時間単位に切り上げた課金時間数を返す。
func BillableHours(start, end time.Time) float64 {
	return math.Ceil(end.Sub(start).Hours())
}

// Price は予約料金を計算する。
// 時間単価×課金時間数に、開始時刻が混雑時間帯であれば1.5倍を掛け、小数点以下2桁に丸める。
func Price(hourlyRate float64, start, end time.Time, loc *time.Location) float64 {
	price := hourlyRate * BillableHours(start, end)
	if IsPeakHour(start, loc) {
		price *= peakMultiplier
	}
	return RoundAmount(price)
}

// RoundAmount は金額を小数点以下2桁に丸める。
func RoundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}
