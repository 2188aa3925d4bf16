// Package parking は駐車スロットの検索、予約、チェックイン/チェックアウトを提供する。
package parking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/parkride/internal/cache"
	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
	"github.com/hitoshi/parkride/internal/security"
)

const (
	// slotCachePrefix はスロット一覧キャッシュのキー接頭辞。
	slotCachePrefix = "slots:"
	// checkoutLoyaltyPoints はチェックアウト1回あたりの付与ポイント。
	checkoutLoyaltyPoints = 10
)

// ErrUnknownSlot はセンサーが通知したスロット番号が存在しない場合に返される。
var ErrUnknownSlot = errors.New("unknown parking slot")

// Config は駐車サービスの設定。
type Config struct {
	// Location は混雑時間帯の判定に使うタイムゾーン。
	Location *time.Location
	// RefundWindow は開始時刻のこの時間以上前のキャンセルを全額返金とする。
	RefundWindow time.Duration
}

// Repositories は駐車サービスが使用するリポジトリ。
type Repositories struct {
	Slots        repository.SlotRepository
	Reservations repository.ReservationRepository
	Payments     repository.PaymentRepository
	Users        repository.UserRepository
}

// CreateSlotInput はスロット作成の入力。
type CreateSlotInput struct {
	SlotNumber string
	Location   string
	Type       string
	HourlyRate float64
}

// ReserveInput は予約の入力。
type ReserveInput struct {
	SlotID    string
	StartTime time.Time
	EndTime   time.Time
}

// Booking は予約の結果。
type Booking struct {
	Reservation *model.Reservation
	Payment     *model.Payment
	// QRCode はチェックインコードを埋め込んだPNGのdata URL。
	QRCode string
}

// Cancellation はキャンセルの結果。
type Cancellation struct {
	Reservation  *model.Reservation
	RefundAmount float64
}

// Analytics はユーザーの駐車利用状況。
type Analytics struct {
	TotalReservations  int
	ActiveReservations int
	TotalSpent         float64
	// AverageDuration は予約時間の平均（時間）。
	AverageDuration float64
}

// Service は駐車に関するビジネスロジックを提供する。
type Service struct {
	repos     Repositories
	cache     cache.Cache
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	sanitizer security.TextSanitizer
	cfg       Config
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	repos Repositories,
	c cache.Cache,
	publisher events.Publisher,
	m metrics.MetricsCollector,
	sanitizer security.TextSanitizer,
	cfg Config,
) *Service {
	if c == nil {
		c = cache.NopCache{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		repos:     repos,
		cache:     c,
		publisher: publisher,
		metrics:   m,
		sanitizer: sanitizer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ListSlots は全スロットをスロット番号順で返す。
func (s *Service) ListSlots(ctx context.Context) ([]*model.ParkingSlot, error) {
	key := slotCachePrefix + "all"
	var slots []*model.ParkingSlot
	if cache.GetJSON(ctx, s.cache, key, &slots) {
		return slots, nil
	}

	slots, err := s.repos.Slots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	cache.SetJSON(ctx, s.cache, key, slots)
	return slots, nil
}

// ListAvailable は予約も占有もされていないスロットを返す。
func (s *Service) ListAvailable(ctx context.Context, f model.SlotFilter) ([]*model.ParkingSlot, error) {
	f.Location = strings.TrimSpace(f.Location)
	if f.Type != "" && !model.ValidSlotType(f.Type) {
		return nil, model.NewValidationError("type must be one of hourly, daily, monthly")
	}

	key := slotCachePrefix + "available:" + f.Location + ":" + f.Type
	var slots []*model.ParkingSlot
	if cache.GetJSON(ctx, s.cache, key, &slots) {
		return slots, nil
	}

	slots, err := s.repos.Slots.ListAvailable(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list available slots: %w", err)
	}
	cache.SetJSON(ctx, s.cache, key, slots)
	return slots, nil
}

// CreateSlot はスロットを作成する。管理者のみが呼び出す。
func (s *Service) CreateSlot(ctx context.Context, in CreateSlotInput) (*model.ParkingSlot, error) {
	number := s.sanitizer.Sanitize(in.SlotNumber)
	location := s.sanitizer.Sanitize(in.Location)
	if number == "" {
		return nil, model.NewValidationError("slotNumber is required")
	}
	if location == "" {
		return nil, model.NewValidationError("location is required")
	}
	typ := in.Type
	if typ == "" {
		typ = model.SlotTypeHourly
	}
	if !model.ValidSlotType(typ) {
		return nil, model.NewValidationError("type must be one of hourly, daily, monthly")
	}
	rate := in.HourlyRate
	if rate < 0 {
		return nil, model.NewValidationError("hourlyRate must not be negative")
	}
	if rate == 0 {
		rate = model.DefaultHourlyRate
	}

	now := s.now()
	slot := &model.ParkingSlot{
		ID:          uuid.New().String(),
		SlotNumber:  number,
		Location:    location,
		Type:        typ,
		HourlyRate:  rate,
		LastUpdated: now,
		CreatedAt:   now,
	}
	if err := s.repos.Slots.Create(ctx, slot); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewSlotExistsError(number)
		}
		return nil, fmt.Errorf("failed to create slot: %w", err)
	}

	slog.Info("parking slot created", slog.String("slot_id", slot.ID), slog.String("slot_number", number))
	s.slotChanged(ctx, "", slot)
	return slot, nil
}

// Reserve はスロットを予約し、支払いレコードとチェックイン用QRコードを発行する。
// スロットの確保、予約、支払いの作成は単一トランザクションで行う。
func (s *Service) Reserve(ctx context.Context, userID string, in ReserveInput) (*Booking, error) {
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return nil, model.NewValidationError("startTime and endTime are required")
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, model.NewValidationError("endTime must be after startTime")
	}
	now := s.now()
	if !in.EndTime.After(now) {
		return nil, model.NewValidationError("endTime must be in the future")
	}
	if !model.ValidID(in.SlotID) {
		return nil, model.NewSlotUnavailableError()
	}

	slot, err := s.repos.Slots.FindByID(ctx, in.SlotID)
	if err != nil {
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}
	if slot == nil || !slot.IsAvailable() {
		return nil, model.NewSlotUnavailableError()
	}

	amount := Price(slot.HourlyRate, in.StartTime, in.EndTime, s.cfg.Location)
	reservationID := uuid.New().String()
	checkInCode := uuid.New().String()

	qr, err := EncodeCheckInQR(checkInCode)
	if err != nil {
		return nil, err
	}

	payment := &model.Payment{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Method:      model.PaymentMethodCard,
		Status:      model.PaymentCompleted,
		Type:        model.PaymentTypeParking,
		ReferenceID: reservationID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	reservation := &model.Reservation{
		ID:          reservationID,
		UserID:      userID,
		SlotID:      slot.ID,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		Status:      model.ReservationActive,
		CheckInCode: checkInCode,
		PaymentID:   payment.ID,
		Amount:      amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repos.Reservations.CreateWithPayment(ctx, reservation, payment); err != nil {
		if errors.Is(err, repository.ErrSlotUnavailable) {
			return nil, model.NewSlotUnavailableError()
		}
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	slot.IsReserved = true
	slot.AssignedTo.SetValid(userID)
	slot.LastUpdated = now
	reservation.Slot = slot

	slog.Info("parking slot reserved",
		slog.String("reservation_id", reservation.ID),
		slog.String("slot_id", slot.ID),
		slog.String("user_id", userID),
		slog.Float64("amount", amount),
	)
	s.metrics.RecordReservation(metrics.OutcomeCreated)
	s.slotChanged(ctx, userID, slot)
	events.Emit(ctx, s.publisher, events.TypeReservationCreated, userID, reservationPayload(reservation, slot, 0))

	return &Booking{Reservation: reservation, Payment: payment, QRCode: qr}, nil
}

// ListReservations はユーザーの予約をスロット情報付きで新しい順に返す。
func (s *Service) ListReservations(ctx context.Context, userID string) ([]*model.Reservation, error) {
	list, err := s.repos.Reservations.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return list, nil
}

// Cancel は予約をキャンセルしスロットを解放する。
// 開始時刻までRefundWindow以上ある場合、完了済みの支払いを全額返金する。
func (s *Service) Cancel(ctx context.Context, userID, reservationID string) (*Cancellation, error) {
	res, err := s.findOwnedReservation(ctx, userID, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status != model.ReservationActive {
		return nil, model.NewReservationNotActiveError()
	}

	now := s.now()
	refund := 0.0
	if res.StartTime.Sub(now) >= s.cfg.RefundWindow {
		payment, err := s.repos.Payments.FindByID(ctx, res.PaymentID)
		if err != nil {
			return nil, fmt.Errorf("failed to find payment: %w", err)
		}
		if payment != nil && payment.Status == model.PaymentCompleted {
			refund = payment.Amount
		}
	}

	if err := s.repos.Reservations.Close(ctx, res.ID, model.ReservationCancelled, refund > 0, now); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, model.NewReservationNotActiveError()
		}
		return nil, fmt.Errorf("failed to cancel reservation: %w", err)
	}
	res.Status = model.ReservationCancelled
	res.UpdatedAt = now

	slog.Info("reservation cancelled",
		slog.String("reservation_id", res.ID),
		slog.String("user_id", userID),
		slog.Float64("refund_amount", refund),
	)
	s.metrics.RecordReservation(metrics.OutcomeCancelled)
	if refund > 0 {
		s.metrics.RecordRefund(model.PaymentTypeParking, refund)
	}

	slot := s.releasedSlot(ctx, res.SlotID)
	if slot != nil {
		s.slotChanged(ctx, userID, slot)
	}
	events.Emit(ctx, s.publisher, events.TypeReservationCancelled, userID, reservationPayload(res, slot, refund))

	return &Cancellation{Reservation: res, RefundAmount: refund}, nil
}

// CheckIn はチェックインコードに一致する有効な予約のスロットを占有状態にする。
// 既にチェックイン済みの場合は状態を変えずにスロットを返す。
func (s *Service) CheckIn(ctx context.Context, userID, code string) (*model.ParkingSlot, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, model.NewInvalidCheckInCodeError()
	}
	res, err := s.repos.Reservations.FindActiveByCheckInCode(ctx, userID, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation by check-in code: %w", err)
	}
	if res == nil {
		return nil, model.NewInvalidCheckInCodeError()
	}

	if !res.CheckedInAt.Valid {
		if err := s.repos.Reservations.CheckIn(ctx, res.ID, s.now()); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return nil, model.NewInvalidCheckInCodeError()
			}
			return nil, fmt.Errorf("failed to check in: %w", err)
		}
		slog.Info("checked in", slog.String("reservation_id", res.ID), slog.String("user_id", userID))
	}

	slot, err := s.repos.Slots.FindByID(ctx, res.SlotID)
	if err != nil {
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}
	if slot == nil {
		return nil, model.NewSlotNotFoundError(res.SlotID)
	}
	s.slotChanged(ctx, userID, slot)
	return slot, nil
}

// CheckOut はスロット上の有効な予約を完了させてスロットを解放し、利用実績とポイントを加算する。
func (s *Service) CheckOut(ctx context.Context, userID, slotID string) (*model.ParkingSlot, error) {
	if !model.ValidID(slotID) {
		return nil, model.NewNoActiveReservationError()
	}
	res, err := s.repos.Reservations.FindActiveByUserAndSlot(ctx, userID, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active reservation: %w", err)
	}
	if res == nil {
		return nil, model.NewNoActiveReservationError()
	}

	if err := s.repos.Reservations.Close(ctx, res.ID, model.ReservationCompleted, false, s.now()); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, model.NewNoActiveReservationError()
		}
		return nil, fmt.Errorf("failed to complete reservation: %w", err)
	}

	if err := s.repos.Users.IncrementStats(ctx, userID, repository.UserStatsDelta{
		Parking:       1,
		LoyaltyPoints: checkoutLoyaltyPoints,
	}); err != nil {
		// 予約の完了は確定済みのため、実績の加算失敗はログに留める
		slog.Error("利用実績の加算に失敗しました",
			slog.String("user_id", userID),
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("checked out", slog.String("reservation_id", res.ID), slog.String("user_id", userID))
	s.metrics.RecordReservation(metrics.OutcomeCompleted)

	slot := s.releasedSlot(ctx, slotID)
	if slot == nil {
		return nil, model.NewSlotNotFoundError(slotID)
	}
	s.slotChanged(ctx, userID, slot)
	return slot, nil
}

// Analytics はユーザーの駐車利用状況を集計する。
// TotalSpentは返金済み・失敗を除く駐車の支払い額の合計。
func (s *Service) Analytics(ctx context.Context, userID string) (*Analytics, error) {
	reservations, err := s.repos.Reservations.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	payments, err := s.repos.Payments.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	a := &Analytics{TotalReservations: len(reservations)}
	var totalHours float64
	for _, r := range reservations {
		if r.Status == model.ReservationActive {
			a.ActiveReservations++
		}
		totalHours += r.Duration().Hours()
	}
	if len(reservations) > 0 {
		a.AverageDuration = RoundAmount(totalHours / float64(len(reservations)))
	}
	for _, p := range payments {
		if p.Type != model.PaymentTypeParking {
			continue
		}
		if p.Status == model.PaymentRefunded || p.Status == model.PaymentFailed {
			continue
		}
		a.TotalSpent += p.Amount
	}
	a.TotalSpent = RoundAmount(a.TotalSpent)
	return a, nil
}

// ReleaseUserReservations はユーザーの有効な予約を全てキャンセルしてスロットを解放する。
// 退会処理から呼ばれるため返金は行わない。キャンセルした件数を返す。
func (s *Service) ReleaseUserReservations(ctx context.Context, userID string) (int, error) {
	active, err := s.repos.Reservations.ListActiveByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active reservations: %w", err)
	}
	released := 0
	for _, res := range active {
		err := s.repos.Reservations.Close(ctx, res.ID, model.ReservationCancelled, false, s.now())
		if errors.Is(err, repository.ErrStateConflict) {
			continue
		}
		if err != nil {
			return released, fmt.Errorf("failed to cancel reservation %s: %w", res.ID, err)
		}
		released++
		s.metrics.RecordReservation(metrics.OutcomeCancelled)
		if slot := s.releasedSlot(ctx, res.SlotID); slot != nil {
			s.slotChanged(ctx, userID, slot)
		}
	}
	return released, nil
}

// ExpireNoShows はgrace経過後もチェックインされていない有効な予約をno-showにしてスロットを解放する。
// 処理した件数を返す。
func (s *Service) ExpireNoShows(ctx context.Context, grace time.Duration) (int, error) {
	now := s.now()
	candidates, err := s.repos.Reservations.ListNoShowCandidates(ctx, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to list no-show candidates: %w", err)
	}

	expired := 0
	for _, res := range candidates {
		err := s.repos.Reservations.Close(ctx, res.ID, model.ReservationNoShow, false, now)
		if errors.Is(err, repository.ErrStateConflict) {
			// 判定後にチェックインまたはキャンセルされた
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire reservation %s: %w", res.ID, err)
		}
		expired++
		res.Status = model.ReservationNoShow
		s.metrics.RecordReservation(metrics.OutcomeNoShow)

		slot := s.releasedSlot(ctx, res.SlotID)
		if slot != nil {
			s.slotChanged(ctx, res.UserID, slot)
		}
		events.Emit(ctx, s.publisher, events.TypeReservationNoShow, res.UserID, reservationPayload(res, slot, 0))
	}
	return expired, nil
}

// Remind は開始間近の予約のリマインドイベントを発行し、送信済みとして記録する。
// 走査後にキャンセル等で有効でなくなった予約、送信済みの予約は何もしない。
func (s *Service) Remind(ctx context.Context, res *model.Reservation) error {
	current, err := s.repos.Reservations.FindByID(ctx, res.ID)
	if err != nil {
		return fmt.Errorf("failed to find reservation: %w", err)
	}
	if current == nil || current.Status != model.ReservationActive || current.RemindedAt.Valid {
		slog.Debug("reminder skipped", slog.String("reservation_id", res.ID))
		return nil
	}
	res = current

	slot, err := s.repos.Slots.FindByID(ctx, res.SlotID)
	if err != nil {
		return fmt.Errorf("failed to find slot: %w", err)
	}
	if err := s.repos.Reservations.MarkReminded(ctx, res.ID, s.now()); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			slog.Debug("reminder skipped", slog.String("reservation_id", res.ID))
			return nil
		}
		return fmt.Errorf("failed to mark reservation reminded: %w", err)
	}
	events.Emit(ctx, s.publisher, events.TypeReservationReminder, res.UserID, reservationPayload(res, slot, 0))
	return nil
}

// ApplySensorReading はセンサーが検知した占有状態をスロットに反映する。
// スロット番号が存在しない場合はErrUnknownSlotを返す。
func (s *Service) ApplySensorReading(ctx context.Context, slotNumber string, occupied bool, at time.Time) (*model.ParkingSlot, error) {
	slot, err := s.repos.Slots.FindBySlotNumber(ctx, slotNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find slot by number: %w", err)
	}
	if slot == nil {
		return nil, ErrUnknownSlot
	}
	if at.IsZero() {
		at = s.now()
	}
	if err := s.repos.Slots.SetOccupied(ctx, slot.ID, occupied, at); err != nil {
		return nil, fmt.Errorf("failed to update slot occupancy: %w", err)
	}
	slot.IsOccupied = occupied
	slot.LastUpdated = at
	s.slotChanged(ctx, slot.AssignedTo.String, slot)
	return slot, nil
}

// findOwnedReservation は指定ユーザーの予約を取得する。他ユーザーの予約は存在しないものとして扱う。
func (s *Service) findOwnedReservation(ctx context.Context, userID, reservationID string) (*model.Reservation, error) {
	if !model.ValidID(reservationID) {
		return nil, model.NewReservationNotFoundError(reservationID)
	}
	res, err := s.repos.Reservations.FindByID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	if res == nil || res.UserID != userID {
		return nil, model.NewReservationNotFoundError(reservationID)
	}
	return res, nil
}

// releasedSlot は解放後のスロットを取得する。取得に失敗した場合はnilを返す。
func (s *Service) releasedSlot(ctx context.Context, slotID string) *model.ParkingSlot {
	slot, err := s.repos.Slots.FindByID(ctx, slotID)
	if err != nil {
		slog.Warn("スロットの再取得に失敗しました", slog.String("slot_id", slotID), slog.String("error", err.Error()))
		return nil
	}
	return slot
}

// slotChanged はスロット一覧キャッシュを無効化し、slot.updatedを発行する。
func (s *Service) slotChanged(ctx context.Context, userID string, slot *model.ParkingSlot) {
	cache.Invalidate(ctx, s.cache, slotCachePrefix)
	events.Emit(ctx, s.publisher, events.TypeSlotUpdated, userID, events.SlotPayload{
		SlotID:     slot.ID,
		SlotNumber: slot.SlotNumber,
		Location:   slot.Location,
		IsOccupied: slot.IsOccupied,
		IsReserved: slot.IsReserved,
	})
}

func reservationPayload(res *model.Reservation, slot *model.ParkingSlot, refund float64) events.ReservationPayload {
	p := events.ReservationPayload{
		ReservationID: res.ID,
		SlotID:        res.SlotID,
		StartTime:     res.StartTime,
		EndTime:       res.EndTime,
		Amount:        res.Amount,
		RefundAmount:  refund,
	}
	if slot != nil {
		p.SlotNumber = slot.SlotNumber
	}
	return p
}
