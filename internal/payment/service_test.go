package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
)

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return nil
}

type recordingMetrics struct {
	metrics.Nop
	refunds map[string]float64
}

func (m *recordingMetrics) RecordRefund(paymentType string, amount float64) {
	m.refunds[paymentType] += amount
}

const (
	aliceID = "7c3d9a10-1111-4b8e-a0f4-000000000001"
	bobID   = "7c3d9a10-2222-4b8e-a0f4-000000000002"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repos   *repository.Repositories
	pub     *recordingPublisher
	metrics *recordingMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repos := repository.NewMemoryRepositories(repository.NewMemoryStore())
	env := &testEnv{repos: repos, pub: &recordingPublisher{}, metrics: &recordingMetrics{refunds: map[string]float64{}}}
	env.svc = NewService(repos.Payments, repos.Users, env.pub, env.metrics, time.UTC)
	env.svc.now = func() time.Time { return testNow }
	return env
}

// seedPayment は乗車予約経由で支払いを作成する。
func (env *testEnv) seedPayment(t *testing.T, userID, typ, status string, amount float64, createdAt time.Time) *model.Payment {
	t.Helper()
	ride := &model.Ride{
		ID: uuid.New().String(), UserID: userID, Type: model.RideTypeCab, Status: model.RidePending,
		PickupLocation: "A", DropLocation: "B", CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	p := &model.Payment{
		ID: uuid.New().String(), UserID: userID, Amount: amount, Method: model.PaymentMethodCard,
		Status: status, Type: typ, ReferenceID: ride.ID, CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	ride.PaymentID = p.ID
	if err := env.repos.Rides.CreateWithPayment(context.Background(), ride, p); err != nil {
		t.Fatalf("failed to seed payment: %v", err)
	}
	return p
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %s, want %s", apiErr.Code, code)
	}
}

func TestHistory_NewestFirstOwnOnly(t *testing.T) {
	env := newTestEnv(t)
	older := env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentCompleted, 10, testNow.Add(-2*time.Hour))
	newer := env.seedPayment(t, aliceID, model.PaymentTypeParking, model.PaymentCompleted, 20, testNow.Add(-time.Hour))
	env.seedPayment(t, bobID, model.PaymentTypeRide, model.PaymentCompleted, 30, testNow)

	list, err := env.svc.History(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("History() order wrong: %+v", list)
	}
}

func TestGet_HidesOtherUsersPayments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentPending, 10, testNow)

	got, err := env.svc.Get(ctx, aliceID, p.ID)
	if err != nil || got.Status != model.PaymentPending {
		t.Fatalf("Get() = %+v, %v", got, err)
	}

	_, err = env.svc.Get(ctx, bobID, p.ID)
	assertAPIErrorCode(t, err, model.ErrCodePaymentNotFound)

	_, err = env.svc.Get(ctx, aliceID, "not-a-uuid")
	assertAPIErrorCode(t, err, model.ErrCodePaymentNotFound)
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.seedPayment(t, aliceID, model.PaymentTypeParking, model.PaymentCompleted, 25, testNow)

	got, err := env.svc.Refund(ctx, aliceID, p.ID)
	if err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if got.Status != model.PaymentRefunded {
		t.Errorf("Status = %s, want refunded", got.Status)
	}
	stored, _ := env.repos.Payments.FindByID(ctx, p.ID)
	if stored.Status != model.PaymentRefunded {
		t.Errorf("stored status = %s, want refunded", stored.Status)
	}
	if env.metrics.refunds[model.PaymentTypeParking] != 25 {
		t.Errorf("recorded refunds = %v", env.metrics.refunds)
	}
	if len(env.pub.events) != 1 || env.pub.events[0].Type != events.TypePaymentRefunded {
		t.Errorf("published = %+v", env.pub.events)
	}

	// 2回目は返金不可
	_, err = env.svc.Refund(ctx, aliceID, p.ID)
	assertAPIErrorCode(t, err, model.ErrCodePaymentNotRefundable)
}

func TestRefund_NotCompleted(t *testing.T) {
	env := newTestEnv(t)
	for _, status := range []string{model.PaymentPending, model.PaymentFailed} {
		p := env.seedPayment(t, aliceID, model.PaymentTypeRide, status, 10, testNow)
		_, err := env.svc.Refund(context.Background(), aliceID, p.ID)
		assertAPIErrorCode(t, err, model.ErrCodePaymentNotRefundable)
	}
}

func TestTransactions(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedPayment(t, aliceID, model.PaymentTypeParking, model.PaymentCompleted, 15, testNow)

	list, err := env.svc.Transactions(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("Transactions() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	tx := list[0]
	if tx.ID != p.ID || tx.Amount != 15 || tx.Description != "Parking reservation" || !tx.Date.Equal(testNow) {
		t.Errorf("transaction = %+v", tx)
	}
}

func TestMethods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Methods(ctx, aliceID)
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)

	u := &model.User{
		ID: aliceID, Email: "alice@example.com", FirstName: "Alice", Role: model.RoleUser,
		PaymentMethods: []model.PaymentMethod{{ID: "pm1", Type: model.PaymentMethodCard, Last4: "4242", IsDefault: true}},
	}
	if err := env.repos.Users.Create(ctx, u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	methods, err := env.svc.Methods(ctx, aliceID)
	if err != nil {
		t.Fatalf("Methods() error: %v", err)
	}
	if len(methods) != 1 || methods[0].Last4 != "4242" {
		t.Errorf("Methods() = %+v", methods)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	// 1月から3月までの3か月間
	env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentCompleted, 30, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	env.seedPayment(t, aliceID, model.PaymentTypeParking, model.PaymentCompleted, 45, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentCompleted, 15, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentRefunded, 100, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC))
	env.seedPayment(t, aliceID, model.PaymentTypeRide, model.PaymentPending, 100, time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC))

	st, err := env.svc.Stats(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.TotalSpent != 90 || st.TotalTransactions != 3 {
		t.Errorf("total = %v/%d, want 90/3", st.TotalSpent, st.TotalTransactions)
	}
	if st.ThisMonth != 60 {
		t.Errorf("ThisMonth = %v, want 60", st.ThisMonth)
	}
	if st.MonthlyAverage != 30 {
		t.Errorf("MonthlyAverage = %v, want 30", st.MonthlyAverage)
	}
}

func TestStats_Empty(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.svc.Stats(context.Background(), aliceID)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if *st != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", st)
	}
}

func TestMonthsSince(t *testing.T) {
	tests := []struct {
		from, now time.Time
		want      int
	}{
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 1},
	}
	for _, tt := range tests {
		if got := monthsSince(tt.from, tt.now); got != tt.want {
			t.Errorf("monthsSince(%s, %s) = %d, want %d", tt.from.Format("2006-01"), tt.now.Format("2006-01"), got, tt.want)
		}
	}
}
