package parking

import (
	"strings"
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name       string
		rate       float64
		start, end time.Time
		want       float64
	}{
		{"通常時間帯の1時間", 10, at(6, 0), at(7, 0), 10},
		{"混雑時間帯は1.5倍", 10, at(7, 0), at(8, 30), 30},
		{"9時台の開始も混雑時間帯", 10, at(9, 59), at(10, 30), 15},
		{"1分でも1時間に切り上げ", 10, at(10, 0), at(10, 1), 10},
		{"端数の時間単価", 12.5, at(6, 0), at(9, 0), 37.5},
		{"混雑時間帯の端数", 3.5, at(8, 0), at(9, 0), 5.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Price(tt.rate, tt.start, tt.end, time.UTC); got != tt.want {
				t.Errorf("Price() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrice_UsesLocationForPeakHours(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	start := at(23, 0) // 東京では8時
	end := start.Add(time.Hour)

	if got := Price(10, start, end, time.UTC); got != 10 {
		t.Errorf("UTC price = %v, want 10", got)
	}
	if got := Price(10, start, end, tokyo); got != 15 {
		t.Errorf("JST price = %v, want 15", got)
	}
}

func TestIsPeakHour_Boundaries(t *testing.T) {
	tests := []struct {
		t    time.Time
		want bool
	}{
		{at(6, 59), false},
		{at(7, 0), true},
		{at(9, 59), true},
		{at(10, 0), false},
		{at(18, 0), false},
	}
	for _, tt := range tests {
		if got := IsPeakHour(tt.t, time.UTC); got != tt.want {
			t.Errorf("IsPeakHour(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
		}
	}
}

func TestBillableHours(t *testing.T) {
	if got := BillableHours(at(10, 0), at(12, 0)); got != 2 {
		t.Errorf("BillableHours(2h) = %v, want 2", got)
	}
	if got := BillableHours(at(10, 0), at(12, 1)); got != 3 {
		t.Errorf("BillableHours(2h1m) = %v, want 3", got)
	}
}

func TestEncodeCheckInQR(t *testing.T) {
	url, err := EncodeCheckInQR("6f1c2a9e-2d1b-4a52-9a53-1f1e0c8e6b11")
	if err != nil {
		t.Fatalf("EncodeCheckInQR() error: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected data url prefix: %.40s", url)
	}
	if len(url) < 100 {
		t.Errorf("data url too short: %d", len(url))
	}
}
