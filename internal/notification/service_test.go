package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/parkride/internal/events"
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

const (
	aliceID = "e51b7a2c-1111-4f0d-9a77-000000000001"
	bobID   = "e51b7a2c-2222-4f0d-9a77-000000000002"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc   *Service
	repos *repository.Repositories
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repos := repository.NewMemoryRepositories(repository.NewMemoryStore())
	env := &testEnv{repos: repos, pub: &recordingPublisher{}}
	env.svc = NewService(repos.Notifications, repos.Users, env.pub)
	env.svc.now = func() time.Time { return testNow }

	for _, id := range []string{aliceID, bobID} {
		u := &model.User{
			ID: id, Email: id + "@example.com", FirstName: "Alice", Role: model.RoleUser,
			NotificationSettings: model.DefaultNotificationSettings(),
		}
		if err := repos.Users.Create(context.Background(), u); err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
	}
	return env
}

func mustEvent(t *testing.T, typ, userID string, payload any) events.Event {
	t.Helper()
	e, err := events.New(typ, userID, payload)
	if err != nil {
		t.Fatalf("events.New() error: %v", err)
	}
	return e
}

func (env *testEnv) handle(t *testing.T, e events.Event) {
	t.Helper()
	if err := env.svc.Handle(context.Background(), e); err != nil {
		t.Fatalf("Handle(%s) error: %v", e.Type, err)
	}
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

func TestHandle_CreatesNotificationPerEventType(t *testing.T) {
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		event     string
		payload   any
		wantType  string
		wantTitle string
		contains  string
	}{
		{"登録", events.TypeUserRegistered, events.UserPayload{FirstName: "Alice"}, model.NotificationTypeWelcome, "Welcome to Park & Ride", "Hi Alice"},
		{"予約", events.TypeReservationCreated, events.ReservationPayload{SlotNumber: "A-1", StartTime: start, EndTime: start.Add(time.Hour), Amount: 10}, model.NotificationTypeParking, "Parking Reserved", "$10.00"},
		{"返金ありキャンセル", events.TypeReservationCancelled, events.ReservationPayload{SlotNumber: "A-1", RefundAmount: 15}, model.NotificationTypeParking, "Reservation Cancelled", "$15.00 will be refunded"},
		{"返金なしキャンセル", events.TypeReservationCancelled, events.ReservationPayload{SlotNumber: "A-1"}, model.NotificationTypeParking, "Reservation Cancelled", "No refund"},
		{"リマインド", events.TypeReservationReminder, events.ReservationPayload{SlotNumber: "B-2", StartTime: start}, model.NotificationTypeParking, "Parking Reminder", "Mar 2 14:00 UTC"},
		{"no-show", events.TypeReservationNoShow, events.ReservationPayload{SlotNumber: "B-2"}, model.NotificationTypeParking, "Reservation Expired", "B-2"},
		{"乗車予約", events.TypeRideBooked, events.RidePayload{Type: "cab", PickupLocation: "Central", DropLocation: "Airport", Fare: 60}, model.NotificationTypeRide, "Ride Booked", "from Central to Airport"},
		{"乗車完了", events.TypeRideStatusChanged, events.RidePayload{Status: model.RideCompleted, PickupLocation: "Central", DropLocation: "Airport"}, model.NotificationTypeRide, "Ride Completed", "has been completed"},
		{"返金", events.TypePaymentRefunded, events.PaymentPayload{Type: "ride", Amount: 25.5}, model.NotificationTypePayment, "Refund Processed", "$25.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.handle(t, mustEvent(t, tt.event, aliceID, tt.payload))

			list, _ := env.repos.Notifications.ListByUserID(context.Background(), aliceID)
			if len(list) != 1 {
				t.Fatalf("notifications = %d, want 1", len(list))
			}
			n := list[0]
			if n.Type != tt.wantType || n.Title != tt.wantTitle || n.IsRead {
				t.Errorf("notification = %+v", n)
			}
			if !strings.Contains(n.Message, tt.contains) {
				t.Errorf("message %q does not contain %q", n.Message, tt.contains)
			}

			if len(env.pub.events) != 1 || env.pub.events[0].Type != events.TypeNotificationCreated || env.pub.events[0].UserID != aliceID {
				t.Fatalf("published = %+v", env.pub.events)
			}
			var p events.NotificationPayload
			if err := env.pub.events[0].Decode(&p); err != nil || p.ID != n.ID {
				t.Errorf("payload = %+v, err = %v", p, err)
			}
		})
	}
}

func TestHandle_Skips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// カテゴリ設定を無効にしたユーザー
	settings := model.DefaultNotificationSettings()
	settings.RideUpdates = false
	if _, err := env.svc.UpdateSettings(ctx, aliceID, settings); err != nil {
		t.Fatalf("UpdateSettings() error: %v", err)
	}

	env.handle(t, mustEvent(t, events.TypeRideBooked, aliceID, events.RidePayload{Type: "cab"}))
	env.handle(t, mustEvent(t, events.TypeSlotUpdated, aliceID, events.SlotPayload{SlotID: "s1"}))
	env.handle(t, mustEvent(t, events.TypeRideBooked, "", events.RidePayload{Type: "cab"}))
	env.handle(t, mustEvent(t, events.TypeRideBooked, "f0000000-0000-4000-8000-000000000000", events.RidePayload{Type: "cab"}))

	// デコードできないペイロードは破棄する
	broken := events.Event{ID: "e1", Type: events.TypePaymentRefunded, UserID: aliceID, Payload: json.RawMessage(`"oops"`)}
	env.handle(t, broken)

	list, _ := env.repos.Notifications.ListByUserID(ctx, aliceID)
	if len(list) != 0 {
		t.Errorf("notifications = %+v, want none", list)
	}
	if len(env.pub.events) != 0 {
		t.Errorf("published = %+v, want none", env.pub.events)
	}

	// 無効にしていないカテゴリは作成される
	env.handle(t, mustEvent(t, events.TypePaymentRefunded, aliceID, events.PaymentPayload{Type: "ride", Amount: 5}))
	list, _ = env.repos.Notifications.ListByUserID(ctx, aliceID)
	if len(list) != 1 {
		t.Errorf("notifications = %d, want 1", len(list))
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handle(t, mustEvent(t, events.TypeUserRegistered, aliceID, events.UserPayload{FirstName: "Alice"}))
	list, _ := env.svc.List(ctx, aliceID)
	id := list[0].ID

	_, err := env.svc.MarkRead(ctx, bobID, id)
	assertAPIErrorCode(t, err, model.ErrCodeNotificationNotFound)
	_, err = env.svc.MarkRead(ctx, aliceID, "bogus")
	assertAPIErrorCode(t, err, model.ErrCodeNotificationNotFound)

	n, err := env.svc.MarkRead(ctx, aliceID, id)
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if !n.IsRead {
		t.Error("notification should be read")
	}

	err = env.svc.Delete(ctx, bobID, id)
	assertAPIErrorCode(t, err, model.ErrCodeNotificationNotFound)

	if err := env.svc.Delete(ctx, aliceID, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	err = env.svc.Delete(ctx, aliceID, id)
	assertAPIErrorCode(t, err, model.ErrCodeNotificationNotFound)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	got, err := env.svc.Settings(ctx, aliceID)
	if err != nil {
		t.Fatalf("Settings() error: %v", err)
	}
	if got != model.DefaultNotificationSettings() {
		t.Errorf("Settings() = %+v, want defaults", got)
	}

	want := model.NotificationSettings{Email: false, Push: true, SMS: true, Promotional: true}
	if _, err := env.svc.UpdateSettings(ctx, aliceID, want); err != nil {
		t.Fatalf("UpdateSettings() error: %v", err)
	}
	got, _ = env.svc.Settings(ctx, aliceID)
	if got != want {
		t.Errorf("Settings() after update = %+v, want %+v", got, want)
	}

	_, err = env.svc.Settings(ctx, "f0000000-0000-4000-8000-000000000000")
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}

func TestPurgeRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.handle(t, mustEvent(t, events.TypeUserRegistered, aliceID, events.UserPayload{}))
	list, _ := env.svc.List(ctx, aliceID)
	if _, err := env.svc.MarkRead(ctx, aliceID, list[0].ID); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}

	// 保持期間内は削除しない
	if n, err := env.svc.PurgeRead(ctx, time.Hour); err != nil || n != 0 {
		t.Errorf("PurgeRead(1h) = %d, %v; want 0", n, err)
	}
	env.svc.now = func() time.Time { return testNow.Add(48 * time.Hour) }
	if n, err := env.svc.PurgeRead(ctx, 24*time.Hour); err != nil || n != 1 {
		t.Errorf("PurgeRead(24h) = %d, %v; want 1", n, err)
	}
}
