package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/guregu/null.v4"

	"github.com/hitoshi/parkride/internal/model"
)

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewMemoryRepositories(NewMemoryStore())
}

func seedUser(t *testing.T, repos *Repositories, id, email string) *model.User {
	t.Helper()
	u := &model.User{ID: id, Email: email, FirstName: "Test", Role: model.RoleUser, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repos.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return u
}

func seedSlot(t *testing.T, repos *Repositories, id, number string) *model.ParkingSlot {
	t.Helper()
	s := &model.ParkingSlot{ID: id, SlotNumber: number, Location: "Central", Type: model.SlotTypeHourly, HourlyRate: 10}
	if err := repos.Slots.Create(context.Background(), s); err != nil {
		t.Fatalf("failed to seed slot: %v", err)
	}
	return s
}

func newReservation(id, userID, slotID, paymentID string, start time.Time) (*model.Reservation, *model.Payment) {
	now := time.Now()
	res := &model.Reservation{
		ID: id, UserID: userID, SlotID: slotID, StartTime: start, EndTime: start.Add(time.Hour),
		Status: model.ReservationActive, CheckInCode: "code-" + id, PaymentID: paymentID, Amount: 10,
		CreatedAt: now, UpdatedAt: now,
	}
	p := &model.Payment{
		ID: paymentID, UserID: userID, Amount: 10, Method: model.PaymentMethodCard,
		Status: model.PaymentCompleted, Type: model.PaymentTypeParking, ReferenceID: id,
		CreatedAt: now, UpdatedAt: now,
	}
	return res, p
}

func TestMemoryUserRepo_CreateDuplicateEmailCaseInsensitive(t *testing.T) {
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "Alice@Example.com")

	err := repos.Users.Create(context.Background(), &model.User{ID: "u2", Email: "alice@example.com"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	found, err := repos.Users.FindByEmail(context.Background(), "ALICE@example.COM")
	if err != nil || found == nil || found.ID != "u1" {
		t.Fatalf("FindByEmail = %+v, %v; want u1", found, err)
	}
}

func TestMemoryUserRepo_ReturnsCopies(t *testing.T) {
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "a@example.com")

	u, _ := repos.Users.FindByID(context.Background(), "u1")
	u.FirstName = "Mutated"

	again, _ := repos.Users.FindByID(context.Background(), "u1")
	if again.FirstName != "Test" {
		t.Errorf("store was mutated through returned pointer: %q", again.FirstName)
	}
}

func TestMemoryUserRepo_UpdateKeepsCountersAndPassword(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "a@example.com")
	if err := repos.Users.UpdatePassword(ctx, "u1", "hash"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if err := repos.Users.IncrementStats(ctx, "u1", UserStatsDelta{Rides: 1, LoyaltyPoints: 10}); err != nil {
		t.Fatalf("IncrementStats: %v", err)
	}

	u, _ := repos.Users.FindByID(ctx, "u1")
	u.FirstName = "Alice"
	u.TotalRides = 99
	u.PasswordHash = ""
	if err := repos.Users.Update(ctx, u); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := repos.Users.FindByID(ctx, "u1")
	if got.FirstName != "Alice" {
		t.Errorf("FirstName = %q, want Alice", got.FirstName)
	}
	if got.TotalRides != 1 || got.LoyaltyPoints != 10 {
		t.Errorf("counters changed by Update: rides=%d points=%d", got.TotalRides, got.LoyaltyPoints)
	}
	if got.PasswordHash != "hash" {
		t.Errorf("PasswordHash changed by Update: %q", got.PasswordHash)
	}
}

func TestMemoryReservationRepo_CreateWithPayment_ReservesSlot(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "a@example.com")
	seedSlot(t, repos, "s1", "A-1")

	res, p := newReservation("r1", "u1", "s1", "p1", time.Now().Add(3*time.Hour))
	if err := repos.Reservations.CreateWithPayment(ctx, res, p); err != nil {
		t.Fatalf("CreateWithPayment: %v", err)
	}

	slot, _ := repos.Slots.FindByID(ctx, "s1")
	if !slot.IsReserved || slot.AssignedTo.String != "u1" {
		t.Errorf("slot not reserved for user: %+v", slot)
	}
	if pay, _ := repos.Payments.FindByID(ctx, "p1"); pay == nil {
		t.Error("payment was not stored")
	}

	// 同じスロットへの2件目の予約は失敗する
	res2, p2 := newReservation("r2", "u1", "s1", "p2", time.Now().Add(5*time.Hour))
	if err := repos.Reservations.CreateWithPayment(ctx, res2, p2); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if pay, _ := repos.Payments.FindByID(ctx, "p2"); pay != nil {
		t.Error("payment must not be stored when the slot is unavailable")
	}
}

func TestMemoryReservationRepo_CreateWithPayment_ConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedSlot(t, repos, "s1", "A-1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			res, p := newReservation("r"+id, "u"+id, "s1", "p"+id, time.Now().Add(time.Hour))
			if err := repos.Reservations.CreateWithPayment(ctx, res, p); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful reservations = %d, want 1", wins.Load())
	}
}

func TestMemoryReservationRepo_CloseReleasesSlotAndRefunds(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedSlot(t, repos, "s1", "A-1")
	res, p := newReservation("r1", "u1", "s1", "p1", time.Now().Add(3*time.Hour))
	if err := repos.Reservations.CreateWithPayment(ctx, res, p); err != nil {
		t.Fatalf("CreateWithPayment: %v", err)
	}

	if err := repos.Reservations.Close(ctx, "r1", model.ReservationCancelled, true, time.Now()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	slot, _ := repos.Slots.FindByID(ctx, "s1")
	if !slot.IsAvailable() || slot.AssignedTo.Valid {
		t.Errorf("slot not released: %+v", slot)
	}
	got, _ := repos.Reservations.FindByID(ctx, "r1")
	if got.Status != model.ReservationCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
	pay, _ := repos.Payments.FindByID(ctx, "p1")
	if pay.Status != model.PaymentRefunded {
		t.Errorf("payment status = %q, want refunded", pay.Status)
	}

	// 2回目のCloseは状態競合
	if err := repos.Reservations.Close(ctx, "r1", model.ReservationCancelled, true, time.Now()); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}
}

func TestMemoryReservationRepo_CheckInOccupiesSlot(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedSlot(t, repos, "s1", "A-1")
	res, p := newReservation("r1", "u1", "s1", "p1", time.Now())
	_ = repos.Reservations.CreateWithPayment(ctx, res, p)

	found, _ := repos.Reservations.FindActiveByCheckInCode(ctx, "u1", "code-r1")
	if found == nil {
		t.Fatal("expected reservation by check-in code")
	}
	if other, _ := repos.Reservations.FindActiveByCheckInCode(ctx, "u2", "code-r1"); other != nil {
		t.Error("check-in code must be scoped to the owner")
	}

	if err := repos.Reservations.CheckIn(ctx, "r1", time.Now()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	slot, _ := repos.Slots.FindByID(ctx, "s1")
	if !slot.IsOccupied {
		t.Error("slot should be occupied after check-in")
	}
	got, _ := repos.Reservations.FindByID(ctx, "r1")
	if !got.CheckedInAt.Valid {
		t.Error("CheckedInAt should be set")
	}
}

func TestMemoryReservationRepo_WorkerQueries(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Now()
	seedSlot(t, repos, "s1", "A-1")
	seedSlot(t, repos, "s2", "A-2")
	seedSlot(t, repos, "s3", "A-3")

	past, p1 := newReservation("past", "u1", "s1", "p1", now.Add(-time.Hour))
	soon, p2 := newReservation("soon", "u1", "s2", "p2", now.Add(10*time.Minute))
	later, p3 := newReservation("later", "u1", "s3", "p3", now.Add(5*time.Hour))
	for _, pair := range []struct {
		r *model.Reservation
		p *model.Payment
	}{{past, p1}, {soon, p2}, {later, p3}} {
		if err := repos.Reservations.CreateWithPayment(ctx, pair.r, pair.p); err != nil {
			t.Fatalf("CreateWithPayment: %v", err)
		}
	}

	noShows, _ := repos.Reservations.ListNoShowCandidates(ctx, now.Add(-30*time.Minute))
	if len(noShows) != 1 || noShows[0].ID != "past" {
		t.Errorf("no-show candidates = %v, want [past]", ids(noShows))
	}

	due, _ := repos.Reservations.ListDueForReminder(ctx, now, now.Add(30*time.Minute))
	if len(due) != 1 || due[0].ID != "soon" {
		t.Errorf("reminder candidates = %v, want [soon]", ids(due))
	}

	if err := repos.Reservations.MarkReminded(ctx, "soon", now); err != nil {
		t.Fatalf("MarkReminded() error: %v", err)
	}
	due, _ = repos.Reservations.ListDueForReminder(ctx, now, now.Add(30*time.Minute))
	if len(due) != 0 {
		t.Errorf("reminded reservation should not be listed again: %v", ids(due))
	}
	if err := repos.Reservations.MarkReminded(ctx, "soon", now); !errors.Is(err, ErrStateConflict) {
		t.Errorf("second MarkReminded() = %v, want ErrStateConflict", err)
	}
	if err := repos.Reservations.MarkReminded(ctx, "missing", now); !errors.Is(err, ErrStateConflict) {
		t.Errorf("MarkReminded(missing) = %v, want ErrStateConflict", err)
	}
}

func TestMemoryReservationRepo_ListByUserIDEmbedsSlot(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedSlot(t, repos, "s1", "A-1")
	res, p := newReservation("r1", "u1", "s1", "p1", time.Now())
	_ = repos.Reservations.CreateWithPayment(ctx, res, p)

	list, err := repos.Reservations.ListByUserID(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUserID = %v, %v", list, err)
	}
	if list[0].Slot == nil || list[0].Slot.SlotNumber != "A-1" {
		t.Errorf("expected embedded slot A-1, got %+v", list[0].Slot)
	}
}

func TestMemoryRideRepo_UpdateStatusGuardsAndSyncsPayment(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Now()
	ride := &model.Ride{ID: "ride1", UserID: "u1", Type: model.RideTypeCab, Status: model.RidePending, PaymentID: "p1", CreatedAt: now}
	pay := &model.Payment{ID: "p1", UserID: "u1", Status: model.PaymentPending, Type: model.PaymentTypeRide, CreatedAt: now}
	if err := repos.Rides.CreateWithPayment(ctx, ride, pay); err != nil {
		t.Fatalf("CreateWithPayment: %v", err)
	}

	err := repos.Rides.UpdateStatus(ctx, "ride1", []string{model.RidePending}, model.RideCancelled, model.PaymentFailed, now)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	p, _ := repos.Payments.FindByID(ctx, "p1")
	if p.Status != model.PaymentFailed {
		t.Errorf("payment status = %q, want failed", p.Status)
	}

	err = repos.Rides.UpdateStatus(ctx, "ride1", []string{model.RidePending, model.RideOngoing}, model.RideCompleted, model.PaymentCompleted, now)
	if !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for terminal ride, got %v", err)
	}
}

func TestMemoryRideRepo_ListPoolCandidates(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Now()

	add := func(id, user, typ, pickup, status string, created time.Time) {
		ride := &model.Ride{ID: id, UserID: user, Type: typ, PickupLocation: pickup, Status: status, PaymentID: "p" + id, CreatedAt: created}
		_ = repos.Rides.CreateWithPayment(ctx, ride, &model.Payment{ID: "p" + id, UserID: user})
	}
	add("match", "u2", model.RideTypeShuttle, "Central Metro Station", model.RidePending, now.Add(-5*time.Minute))
	add("own", "u1", model.RideTypeShuttle, "Central Metro Station", model.RidePending, now)
	add("cab", "u2", model.RideTypeCab, "Central Metro Station", model.RidePending, now)
	add("old", "u2", model.RideTypeShuttle, "Central Metro Station", model.RidePending, now.Add(-time.Hour))
	add("done", "u2", model.RideTypeShuttle, "Central Metro Station", model.RideCompleted, now)
	add("elsewhere", "u2", model.RideTypeShuttle, "Airport", model.RidePending, now)

	got, err := repos.Rides.ListPoolCandidates(ctx, model.PoolQuery{
		Pickup: "central metro", ExcludeUserID: "u1", CreatedAfter: now.Add(-30 * time.Minute), Limit: 5,
	})
	if err != nil {
		t.Fatalf("ListPoolCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != "match" {
		t.Errorf("pool candidates = %v, want [match]", rideIDs(got))
	}
}

func TestMemoryNotificationRepo_OwnershipAndRetention(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Now()
	_ = repos.Notifications.Create(ctx, &model.Notification{ID: "n1", UserID: "u1", CreatedAt: now.Add(-100 * 24 * time.Hour)})
	_ = repos.Notifications.Create(ctx, &model.Notification{ID: "n2", UserID: "u1", CreatedAt: now})

	if _, err := repos.Notifications.MarkRead(ctx, "u2", "n1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead by other user: expected ErrNotFound, got %v", err)
	}
	if _, err := repos.Notifications.MarkRead(ctx, "u1", "n1", now); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	n, _ := repos.Notifications.DeleteReadBefore(ctx, now.Add(-90*24*time.Hour))
	if n != 1 {
		t.Errorf("DeleteReadBefore removed %d, want 1", n)
	}
	list, _ := repos.Notifications.ListByUserID(ctx, "u1")
	if len(list) != 1 || list[0].ID != "n2" {
		t.Errorf("remaining notifications = %v", list)
	}
}

func TestMemoryUserRepo_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "a@example.com")
	seedSlot(t, repos, "s1", "A-1")
	res, p := newReservation("r1", "u1", "s1", "p1", time.Now())
	_ = repos.Reservations.CreateWithPayment(ctx, res, p)
	_ = repos.Sessions.Create(ctx, &model.Session{ID: "sess", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	_ = repos.Notifications.Create(ctx, &model.Notification{ID: "n1", UserID: "u1"})

	if err := repos.Users.DeleteByID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}

	if s, _ := repos.Sessions.FindByID(ctx, "sess"); s != nil {
		t.Error("session should be deleted")
	}
	if r, _ := repos.Reservations.FindByID(ctx, "r1"); r != nil {
		t.Error("reservation should be deleted")
	}
	if pay, _ := repos.Payments.FindByID(ctx, "p1"); pay != nil {
		t.Error("payment should be deleted")
	}
	slot, _ := repos.Slots.FindByID(ctx, "s1")
	if slot.AssignedTo != (null.String{}) {
		t.Errorf("slot assignment should be cleared, got %+v", slot.AssignedTo)
	}
}

func TestMemorySessionRepo_ExpiredSessionsHiddenAndPurged(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	seedUser(t, repos, "u1", "u1@example.com")
	now := time.Now()
	_ = repos.Sessions.Create(ctx, &model.Session{ID: "old", UserID: "u1", ExpiresAt: now.Add(-time.Minute)})
	_ = repos.Sessions.Create(ctx, &model.Session{ID: "new", UserID: "u1", ExpiresAt: now.Add(time.Hour)})

	if s, _ := repos.Sessions.FindByID(ctx, "old"); s != nil {
		t.Error("expired session should not be returned")
	}
	n, _ := repos.Sessions.DeleteExpired(ctx, now)
	if n != 1 {
		t.Errorf("DeleteExpired = %d, want 1", n)
	}
	if s, _ := repos.Sessions.FindByID(ctx, "new"); s == nil {
		t.Error("valid session should remain")
	}
}

func TestMemorySessionRepo_FindByIDReflectsCurrentRole(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repos := NewMemoryRepositories(store)
	seedUser(t, repos, "u1", "u1@example.com")
	_ = repos.Sessions.Create(ctx, &model.Session{ID: "sess", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	_ = repos.Sessions.Create(ctx, &model.Session{ID: "ghost", UserID: "nobody", ExpiresAt: time.Now().Add(time.Hour)})

	// ロール変更はユーザー更新APIでは行えないため、ストアを直接書き換える
	store.mu.Lock()
	store.users["u1"].Role = model.RoleAdmin
	store.mu.Unlock()

	s, _ := repos.Sessions.FindByID(ctx, "sess")
	if s == nil || s.Role != model.RoleAdmin {
		t.Errorf("session = %+v, want role %q", s, model.RoleAdmin)
	}
	if s, _ := repos.Sessions.FindByID(ctx, "ghost"); s != nil {
		t.Error("session of unknown user should not be returned")
	}
}

func ids(rs []*model.Reservation) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func rideIDs(rs []*model.Ride) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
