// Package ride はラストワンマイル乗車の予約、相乗り検索、ステータス管理を提供する。
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
	"github.com/hitoshi/parkride/internal/security"
)

const (
	poolLimit  = 5
	poolWindow = 30 * time.Minute
	// completionLoyaltyPoints は乗車完了1回あたりの付与ポイント。
	completionLoyaltyPoints = 10
)

// BookInput は乗車予約の入力。
type BookInput struct {
	Type           string
	PickupLocation string
	DropLocation   string
	// ScheduledTime は乗車予定時刻。ゼロ値は即時乗車を表す。
	ScheduledTime time.Time
}

// Booking は乗車予約の結果。
type Booking struct {
	Ride    *model.Ride
	Payment *model.Payment
	// EstimatedMinutes は所要時間の見積もり（分）。
	EstimatedMinutes int
}

// PoolOption は相乗り候補。
type PoolOption struct {
	RideID         string
	PickupLocation string
	DropLocation   string
	ScheduledTime  null.Time
	SharedFare     float64
}

// TypeCount は乗車種別ごとの件数。
type TypeCount struct {
	Type  string
	Count int
}

// Analytics はユーザーの乗車利用状況。
type Analytics struct {
	TotalRides     int
	CompletedRides int
	TotalSpent     float64
	RideTypes      []TypeCount
	AverageFare    float64
}

// Service は乗車に関するビジネスロジックを提供する。
type Service struct {
	rides     repository.RideRepository
	users     repository.UserRepository
	estimator DistanceEstimator
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	sanitizer security.TextSanitizer
	loc       *time.Location
	now       func() time.Time
}

// NewService はServiceを生成する。estimatorがnilの場合はHashDistanceEstimatorを使う。
func NewService(
	rides repository.RideRepository,
	users repository.UserRepository,
	estimator DistanceEstimator,
	publisher events.Publisher,
	m metrics.MetricsCollector,
	sanitizer security.TextSanitizer,
	loc *time.Location,
) *Service {
	if estimator == nil {
		estimator = HashDistanceEstimator{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		rides:     rides,
		users:     users,
		estimator: estimator,
		publisher: publisher,
		metrics:   m,
		sanitizer: sanitizer,
		loc:       loc,
		now:       time.Now,
	}
}

// Types は乗車種別のカタログを返す。
func (s *Service) Types() []model.RideType {
	return model.RideTypes()
}

// Book は乗車を予約し、配車待ちの支払いレコードを作成する。
func (s *Service) Book(ctx context.Context, userID string, in BookInput) (*Booking, error) {
	rt, ok := model.LookupRideType(in.Type)
	if !ok {
		return nil, model.NewValidationError("type must be one of cab, shuttle, e-rickshaw")
	}
	pickup := s.sanitizer.Sanitize(in.PickupLocation)
	drop := s.sanitizer.Sanitize(in.DropLocation)
	if pickup == "" || drop == "" {
		return nil, model.NewValidationError("pickupLocation and dropLocation are required")
	}

	distance, err := s.estimator.Estimate(ctx, pickup, drop)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate distance: %w", err)
	}
	distance = round2(distance)

	now := s.now()
	pickupAt := now
	var scheduled null.Time
	if !in.ScheduledTime.IsZero() {
		pickupAt = in.ScheduledTime
		scheduled = null.TimeFrom(in.ScheduledTime)
	}
	fare := Fare(rt.BasePrice, distance, IsSurgeHour(pickupAt, s.loc))

	ride := &model.Ride{
		ID:             uuid.New().String(),
		UserID:         userID,
		Type:           rt.Type,
		PickupLocation: pickup,
		DropLocation:   drop,
		ScheduledTime:  scheduled,
		Status:         model.RidePending,
		Fare:           fare,
		DistanceKm:     distance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payment := &model.Payment{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      fare,
		Method:      model.PaymentMethodCard,
		Status:      model.PaymentPending,
		Type:        model.PaymentTypeRide,
		ReferenceID: ride.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ride.PaymentID = payment.ID

	if err := s.rides.CreateWithPayment(ctx, ride, payment); err != nil {
		return nil, fmt.Errorf("failed to create ride: %w", err)
	}

	slog.Info("ride booked",
		slog.String("ride_id", ride.ID),
		slog.String("user_id", userID),
		slog.String("type", ride.Type),
		slog.Float64("fare", fare),
	)
	s.metrics.RecordRideBooked(ride.Type)
	events.Emit(ctx, s.publisher, events.TypeRideBooked, userID, ridePayload(ride))

	return &Booking{Ride: ride, Payment: payment, EstimatedMinutes: EstimatedMinutes(distance)}, nil
}

// MyRides はユーザーの乗車予約を新しい順に返す。
func (s *Service) MyRides(ctx context.Context, userID string) ([]*model.Ride, error) {
	rides, err := s.rides.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	return rides, nil
}

// Cancel は配車待ちの乗車予約をキャンセルし、支払いを失敗扱いにする。
func (s *Service) Cancel(ctx context.Context, userID, rideID string) (*model.Ride, error) {
	ride, err := s.findRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.UserID != userID {
		return nil, model.NewRideNotFoundError(rideID)
	}
	if ride.Status != model.RidePending {
		return nil, model.NewRideNotCancellableError()
	}

	now := s.now()
	err = s.rides.UpdateStatus(ctx, ride.ID, []string{model.RidePending}, model.RideCancelled, model.PaymentFailed, now)
	if errors.Is(err, repository.ErrStateConflict) {
		return nil, model.NewRideNotCancellableError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel ride: %w", err)
	}
	ride.Status = model.RideCancelled
	ride.UpdatedAt = now

	slog.Info("ride cancelled", slog.String("ride_id", ride.ID), slog.String("user_id", userID))
	s.statusChanged(ctx, ride)
	return ride, nil
}

// UpdateStatus は乗車ステータスを更新する。管理者のみが呼び出す。
// 完了時は支払いを完了にして利用実績を加算し、キャンセル時は配車待ちの支払いを失敗にする。
func (s *Service) UpdateStatus(ctx context.Context, rideID, status string) (*model.Ride, error) {
	if !model.ValidRideStatus(status) {
		return nil, model.NewInvalidRideStatusError(status)
	}
	ride, err := s.findRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalRideStatus(ride.Status) {
		return nil, model.NewInvalidRideStatusError(status)
	}

	paymentStatus := ""
	switch status {
	case model.RideCompleted:
		paymentStatus = model.PaymentCompleted
	case model.RideCancelled:
		paymentStatus = model.PaymentFailed
	}

	now := s.now()
	err = s.rides.UpdateStatus(ctx, ride.ID, []string{model.RidePending, model.RideOngoing}, status, paymentStatus, now)
	if errors.Is(err, repository.ErrStateConflict) {
		return nil, model.NewInvalidRideStatusError(status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update ride status: %w", err)
	}
	ride.Status = status
	ride.UpdatedAt = now

	if status == model.RideCompleted {
		if err := s.users.IncrementStats(ctx, ride.UserID, repository.UserStatsDelta{
			Rides:         1,
			LoyaltyPoints: completionLoyaltyPoints,
		}); err != nil {
			slog.Error("利用実績の加算に失敗しました",
				slog.String("user_id", ride.UserID),
				slog.String("ride_id", ride.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("ride status updated", slog.String("ride_id", ride.ID), slog.String("status", status))
	s.statusChanged(ctx, ride)
	return ride, nil
}

// Pool は乗車地が部分一致する他ユーザーの配車待ちシャトルを相乗り候補として返す。
func (s *Service) Pool(ctx context.Context, userID, pickup, drop string) ([]PoolOption, error) {
	pickup = s.sanitizer.Sanitize(pickup)
	if pickup == "" || s.sanitizer.Sanitize(drop) == "" {
		return nil, model.NewValidationError("pickupLocation and dropLocation are required")
	}

	rides, err := s.rides.ListPoolCandidates(ctx, model.PoolQuery{
		Pickup:        pickup,
		ExcludeUserID: userID,
		CreatedAfter:  s.now().Add(-poolWindow),
		Limit:         poolLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pool candidates: %w", err)
	}

	options := make([]PoolOption, 0, len(rides))
	for _, r := range rides {
		options = append(options, PoolOption{
			RideID:         r.ID,
			PickupLocation: r.PickupLocation,
			DropLocation:   r.DropLocation,
			ScheduledTime:  r.ScheduledTime,
			SharedFare:     SharedFare(r.Fare),
		})
	}
	return options, nil
}

// Analytics はユーザーの乗車利用状況を集計する。
func (s *Service) Analytics(ctx context.Context, userID string) (*Analytics, error) {
	rides, err := s.rides.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}

	a := &Analytics{TotalRides: len(rides), RideTypes: []TypeCount{}}
	counts := make(map[string]int)
	for _, r := range rides {
		counts[r.Type]++
		if r.Status == model.RideCompleted {
			a.CompletedRides++
			a.TotalSpent += r.Fare
		}
	}
	for _, rt := range model.RideTypes() {
		if n := counts[rt.Type]; n > 0 {
			a.RideTypes = append(a.RideTypes, TypeCount{Type: rt.Type, Count: n})
		}
	}
	if a.CompletedRides > 0 {
		a.AverageFare = round2(a.TotalSpent / float64(a.CompletedRides))
	}
	return a, nil
}

func (s *Service) findRide(ctx context.Context, rideID string) (*model.Ride, error) {
	if !model.ValidID(rideID) {
		return nil, model.NewRideNotFoundError(rideID)
	}
	ride, err := s.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to find ride: %w", err)
	}
	if ride == nil {
		return nil, model.NewRideNotFoundError(rideID)
	}
	return ride, nil
}

func (s *Service) statusChanged(ctx context.Context, ride *model.Ride) {
	s.metrics.RecordRideStatus(ride.Status)
	events.Emit(ctx, s.publisher, events.TypeRideStatusChanged, ride.UserID, ridePayload(ride))
}

func ridePayload(r *model.Ride) events.RidePayload {
	return events.RidePayload{
		RideID:         r.ID,
		Type:           r.Type,
		Status:         r.Status,
		PickupLocation: r.PickupLocation,
		DropLocation:   r.DropLocation,
		Fare:           r.Fare,
	}
}

// round2 は小数点以下2桁に丸める。
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
