package ride

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

const (
	surgeMultiplier = 1.3
	// poolDiscount は相乗り時の運賃倍率。
	poolDiscount = 0.7
	// minutesPerKm は所要時間の見積もりに使う1kmあたりの分数。
	minutesPerKm = 3
)

// DistanceEstimator は乗車地と降車地の距離（km）を見積もる。
type DistanceEstimator interface {
	Estimate(ctx context.Context, pickup, drop string) (float64, error)
}

// HashDistanceEstimator は地名の組み合わせから決定的に1〜11kmの距離を返す。
// 地図APIを持たない環境向けの既定実装。
type HashDistanceEstimator struct{}

// Estimate は正規化した地名の組をFNVハッシュし、1.00〜10.99kmに写像する。
func (HashDistanceEstimator) Estimate(_ context.Context, pickup, drop string) (float64, error) {
	h := fnv.New32a()
	h.Write([]byte(normalizePlace(pickup)))
	h.Write([]byte{0})
	h.Write([]byte(normalizePlace(drop)))
	return 1 + float64(h.Sum32()%1000)/100, nil
}

func normalizePlace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IsSurgeHour は時刻がlocにおける朝(7〜9時台)または夕方(17〜19時台)の混雑時間帯かどうかを返す。
func IsSurgeHour(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return (h >= 7 && h <= 9) || (h >= 17 && h <= 19)
}

// Fare は運賃を計算する。基本運賃×距離を丸め、混雑時間帯は1.3倍して再度丸める。
func Fare(basePrice, distanceKm float64, surge bool) float64 {
	fare := math.Round(basePrice * distanceKm)
	if surge {
		fare = math.Round(fare * surgeMultiplier)
	}
	return fare
}

// EstimatedMinutes は距離から所要時間（分）を見積もる。
func EstimatedMinutes(distanceKm float64) int {
	return int(math.Round(distanceKm * minutesPerKm))
}

// SharedFare は相乗り時の運賃を返す。
func SharedFare(fare float64) float64 {
	return math.Round(fare * poolDiscount)
}
