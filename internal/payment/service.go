// Package payment は支払い履歴、返金、支払い統計を提供する。
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
)

// Transaction は取引一覧の1行。
type Transaction struct {
	ID          string
	Type        string
	Amount      float64
	Status      string
	Date        time.Time
	Description string
}

// Stats は完了済みの支払いから算出した統計。
type Stats struct {
	TotalSpent        float64
	MonthlyAverage    float64
	TotalTransactions int
	ThisMonth         float64
}

var descriptions = map[string]string{
	model.PaymentTypeParking:      "Parking reservation",
	model.PaymentTypeRide:         "Ride booking",
	model.PaymentTypeSubscription: "Subscription",
}

// Service は支払いに関するビジネスロジックを提供する。
type Service struct {
	payments  repository.PaymentRepository
	users     repository.UserRepository
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	loc       *time.Location
	now       func() time.Time
}

// NewService はServiceを生成する。locは月次集計の区切りに使う。
func NewService(
	payments repository.PaymentRepository,
	users repository.UserRepository,
	publisher events.Publisher,
	m metrics.MetricsCollector,
	loc *time.Location,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		payments:  payments,
		users:     users,
		publisher: publisher,
		metrics:   m,
		loc:       loc,
		now:       time.Now,
	}
}

// History はユーザーの支払いを新しい順に返す。
func (s *Service) History(ctx context.Context, userID string) ([]*model.Payment, error) {
	list, err := s.payments.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return list, nil
}

// Get はユーザーの支払いを取得する。他ユーザーの支払いは存在しないものとして扱う。
func (s *Service) Get(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
	if !model.ValidID(paymentID) {
		return nil, model.NewPaymentNotFoundError(paymentID)
	}
	p, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	if p == nil || p.UserID != userID {
		return nil, model.NewPaymentNotFoundError(paymentID)
	}
	return p, nil
}

// Refund は完了済みの支払いを返金済みにする。
func (s *Service) Refund(ctx context.Context, userID, paymentID string) (*model.Payment, error) {
	p, err := s.Get(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentCompleted {
		return nil, model.NewPaymentNotRefundableError()
	}

	now := s.now()
	err = s.payments.UpdateStatus(ctx, p.ID, model.PaymentCompleted, model.PaymentRefunded, now)
	if errors.Is(err, repository.ErrStateConflict) {
		return nil, model.NewPaymentNotRefundableError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}
	p.Status = model.PaymentRefunded
	p.UpdatedAt = now

	slog.Info("payment refunded",
		slog.String("payment_id", p.ID),
		slog.String("user_id", userID),
		slog.Float64("amount", p.Amount),
	)
	s.metrics.RecordRefund(p.Type, p.Amount)
	events.Emit(ctx, s.publisher, events.TypePaymentRefunded, userID, events.PaymentPayload{
		PaymentID: p.ID,
		Type:      p.Type,
		Amount:    p.Amount,
	})
	return p, nil
}

// Transactions は支払い履歴を取引一覧の形式で返す。
func (s *Service) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	list, err := s.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(list))
	for _, p := range list {
		out = append(out, Transaction{
			ID:          p.ID,
			Type:        p.Type,
			Amount:      p.Amount,
			Status:      p.Status,
			Date:        p.CreatedAt,
			Description: descriptions[p.Type],
		})
	}
	return out, nil
}

// Methods はユーザーが登録した支払い手段を返す。
func (s *Service) Methods(ctx context.Context, userID string) ([]model.PaymentMethod, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	if u.PaymentMethods == nil {
		return []model.PaymentMethod{}, nil
	}
	return u.PaymentMethods, nil
}

// Stats は完了済みの支払いから統計を算出する。
// MonthlyAverageは最初の支払いの月から今月までの月数（最小1）で割った値。
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	list, err := s.History(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	st := &Stats{}
	var first time.Time
	for _, p := range list {
		if p.Status != model.PaymentCompleted {
			continue
		}
		st.TotalTransactions++
		st.TotalSpent += p.Amount
		created := p.CreatedAt.In(s.loc)
		if created.Year() == now.Year() && created.Month() == now.Month() {
			st.ThisMonth += p.Amount
		}
		if first.IsZero() || created.Before(first) {
			first = created
		}
	}
	if st.TotalTransactions > 0 {
		st.MonthlyAverage = round2(st.TotalSpent / float64(monthsSince(first, now)))
	}
	st.TotalSpent = round2(st.TotalSpent)
	st.ThisMonth = round2(st.ThisMonth)
	return st, nil
}

// monthsSince はfromの月からnowの月までの暦月数を返す。同じ月なら1。
func monthsSince(from, now time.Time) int {
	n := (now.Year()-from.Year())*12 + int(now.Month()-from.Month()) + 1
	if n < 1 {
		return 1
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
