package repository

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/guregu/null.v4"

	"github.com/hitoshi/parkride/internal/model"
)

// MemoryStore はプロセス内メモリに全データを保持するストア。
// STORAGE_DRIVER=memory の開発環境とテストで使用する。
// 全操作を単一のRWMutexで直列化するため、複数レコードにまたがる更新もアトミックになる。
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	sessions      map[string]*model.Session
	slots         map[string]*model.ParkingSlot
	reservations  map[string]*model.Reservation
	rides         map[string]*model.Ride
	payments      map[string]*model.Payment
	notifications map[string]*model.Notification
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*model.User),
		sessions:      make(map[string]*model.Session),
		slots:         make(map[string]*model.ParkingSlot),
		reservations:  make(map[string]*model.Reservation),
		rides:         make(map[string]*model.Ride),
		payments:      make(map[string]*model.Payment),
		notifications: make(map[string]*model.Notification),
	}
}

// NewMemoryRepositories はメモリバックエンドの全リポジトリを生成する。
func NewMemoryRepositories(s *MemoryStore) *Repositories {
	return &Repositories{
		Users:         &memoryUserRepo{s},
		Sessions:      &memorySessionRepo{s},
		Slots:         &memorySlotRepo{s},
		Reservations:  &memoryReservationRepo{s},
		Rides:         &memoryRideRepo{s},
		Payments:      &memoryPaymentRepo{s},
		Notifications: &memoryNotificationRepo{s},
		Pinger:        s,
	}
}

// PingContext は常に成功する。
func (s *MemoryStore) PingContext(context.Context) error {
	return nil
}

func copyUser(u *model.User) *model.User {
	c := *u
	c.Subscriptions = slices.Clone(u.Subscriptions)
	c.Vehicles = slices.Clone(u.Vehicles)
	c.PaymentMethods = slices.Clone(u.PaymentMethods)
	if u.DateOfBirth != nil {
		dob := *u.DateOfBirth
		c.DateOfBirth = &dob
	}
	return &c
}

func copySlot(s *model.ParkingSlot) *model.ParkingSlot {
	c := *s
	return &c
}

func copyReservation(r *model.Reservation) *model.Reservation {
	c := *r
	c.Slot = nil
	return &c
}

func copyRide(r *model.Ride) *model.Ride {
	c := *r
	return &c
}

func copyPayment(p *model.Payment) *model.Payment {
	c := *p
	return &c
}

func copyNotification(n *model.Notification) *model.Notification {
	c := *n
	return &c
}

// --- users ---

type memoryUserRepo struct{ s *MemoryStore }

func (r *memoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if u, ok := r.s.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

func (r *memoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (r *memoryUserRepo) Create(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrDuplicate
		}
	}
	r.s.users[user.ID] = copyUser(user)
	return nil
}

func (r *memoryUserRepo) Update(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	next := copyUser(user)
	next.PasswordHash = cur.PasswordHash
	next.TotalRides = cur.TotalRides
	next.TotalParking = cur.TotalParking
	next.LoyaltyPoints = cur.LoyaltyPoints
	next.Email = cur.Email
	next.Role = cur.Role
	next.CreatedAt = cur.CreatedAt
	r.s.users[user.ID] = next
	return nil
}

func (r *memoryUserRepo) UpdatePassword(_ context.Context, id, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

func (r *memoryUserRepo) IncrementStats(_ context.Context, id string, delta UserStatsDelta) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.TotalRides += delta.Rides
	u.TotalParking += delta.Parking
	u.LoyaltyPoints += delta.LoyaltyPoints
	u.UpdatedAt = time.Now()
	return nil
}

// DeleteByID はユーザーと関連レコードを削除する。
// PostgreSQLのON DELETE CASCADE / SET NULLと同じ結果になるようにする。
func (r *memoryUserRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.users, id)
	for k, v := range r.s.sessions {
		if v.UserID == id {
			delete(r.s.sessions, k)
		}
	}
	for k, v := range r.s.reservations {
		if v.UserID == id {
			delete(r.s.reservations, k)
		}
	}
	for k, v := range r.s.rides {
		if v.UserID == id {
			delete(r.s.rides, k)
		}
	}
	for k, v := range r.s.payments {
		if v.UserID == id {
			delete(r.s.payments, k)
		}
	}
	for k, v := range r.s.notifications {
		if v.UserID == id {
			delete(r.s.notifications, k)
		}
	}
	for _, slot := range r.s.slots {
		if slot.AssignedTo.Valid && slot.AssignedTo.String == id {
			slot.AssignedTo = null.String{}
		}
	}
	return nil
}

// --- sessions ---

type memorySessionRepo struct{ s *MemoryStore }

func (r *memorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *session
	r.s.sessions[session.ID] = &c
	return nil
}

func (r *memorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	user, ok := r.s.users[sess.UserID]
	if !ok {
		return nil, nil
	}
	c := *sess
	c.Role = user.Role
	return &c, nil
}

func (r *memorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

func (r *memorySessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k, v := range r.s.sessions {
		if v.UserID == userID {
			delete(r.s.sessions, k)
		}
	}
	return nil
}

func (r *memorySessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, v := range r.s.sessions {
		if !v.ExpiresAt.After(now) {
			delete(r.s.sessions, k)
			n++
		}
	}
	return n, nil
}

// --- parking slots ---

type memorySlotRepo struct{ s *MemoryStore }

func (r *memorySlotRepo) FindByID(_ context.Context, id string) (*model.ParkingSlot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if slot, ok := r.s.slots[id]; ok {
		return copySlot(slot), nil
	}
	return nil, nil
}

func (r *memorySlotRepo) FindBySlotNumber(_ context.Context, slotNumber string) (*model.ParkingSlot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, slot := range r.s.slots {
		if slot.SlotNumber == slotNumber {
			return copySlot(slot), nil
		}
	}
	return nil, nil
}

func (r *memorySlotRepo) filter(keep func(*model.ParkingSlot) bool) []*model.ParkingSlot {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	slots := []*model.ParkingSlot{}
	for _, slot := range r.s.slots {
		if keep(slot) {
			slots = append(slots, copySlot(slot))
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].SlotNumber < slots[j].SlotNumber })
	return slots
}

func (r *memorySlotRepo) List(_ context.Context) ([]*model.ParkingSlot, error) {
	return r.filter(func(*model.ParkingSlot) bool { return true }), nil
}

func (r *memorySlotRepo) ListAvailable(_ context.Context, f model.SlotFilter) ([]*model.ParkingSlot, error) {
	return r.filter(func(s *model.ParkingSlot) bool {
		return s.IsAvailable() &&
			(f.Location == "" || s.Location == f.Location) &&
			(f.Type == "" || s.Type == f.Type)
	}), nil
}

func (r *memorySlotRepo) Create(_ context.Context, slot *model.ParkingSlot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range r.s.slots {
		if s.SlotNumber == slot.SlotNumber {
			return ErrDuplicate
		}
	}
	r.s.slots[slot.ID] = copySlot(slot)
	return nil
}

func (r *memorySlotRepo) SetOccupied(_ context.Context, id string, occupied bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[id]
	if !ok {
		return ErrNotFound
	}
	slot.IsOccupied = occupied
	slot.LastUpdated = at
	return nil
}

// --- reservations ---

type memoryReservationRepo struct{ s *MemoryStore }

func (r *memoryReservationRepo) find(match func(*model.Reservation) bool) *model.Reservation {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *model.Reservation
	for _, res := range r.s.reservations {
		if match(res) && (found == nil || res.StartTime.Before(found.StartTime)) {
			found = res
		}
	}
	if found == nil {
		return nil
	}
	return copyReservation(found)
}

func (r *memoryReservationRepo) FindByID(_ context.Context, id string) (*model.Reservation, error) {
	return r.find(func(res *model.Reservation) bool { return res.ID == id }), nil
}

func (r *memoryReservationRepo) FindActiveByCheckInCode(_ context.Context, userID, code string) (*model.Reservation, error) {
	return r.find(func(res *model.Reservation) bool {
		return res.UserID == userID && res.CheckInCode == code && res.Status == model.ReservationActive
	}), nil
}

func (r *memoryReservationRepo) FindActiveByUserAndSlot(_ context.Context, userID, slotID string) (*model.Reservation, error) {
	return r.find(func(res *model.Reservation) bool {
		return res.UserID == userID && res.SlotID == slotID && res.Status == model.ReservationActive
	}), nil
}

func (r *memoryReservationRepo) filter(keep func(*model.Reservation) bool, less func(a, b *model.Reservation) bool) []*model.Reservation {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Reservation{}
	for _, res := range r.s.reservations {
		if keep(res) {
			out = append(out, copyReservation(res))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byStartTime(a, b *model.Reservation) bool { return a.StartTime.Before(b.StartTime) }

func (r *memoryReservationRepo) ListByUserID(_ context.Context, userID string) ([]*model.Reservation, error) {
	out := r.filter(
		func(res *model.Reservation) bool { return res.UserID == userID },
		func(a, b *model.Reservation) bool { return a.CreatedAt.After(b.CreatedAt) },
	)
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, res := range out {
		if slot, ok := r.s.slots[res.SlotID]; ok {
			res.Slot = copySlot(slot)
		}
	}
	return out, nil
}

func (r *memoryReservationRepo) ListActiveByUserID(_ context.Context, userID string) ([]*model.Reservation, error) {
	return r.filter(func(res *model.Reservation) bool {
		return res.UserID == userID && res.Status == model.ReservationActive
	}, byStartTime), nil
}

func (r *memoryReservationRepo) CreateWithPayment(_ context.Context, res *model.Reservation, payment *model.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	slot, ok := r.s.slots[res.SlotID]
	if !ok || !slot.IsAvailable() {
		return ErrSlotUnavailable
	}
	slot.IsReserved = true
	slot.AssignedTo = null.StringFrom(res.UserID)
	slot.LastUpdated = res.CreatedAt
	r.s.payments[payment.ID] = copyPayment(payment)
	r.s.reservations[res.ID] = copyReservation(res)
	return nil
}

func (r *memoryReservationRepo) CheckIn(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != model.ReservationActive {
		return ErrStateConflict
	}
	res.CheckedInAt = null.TimeFrom(at)
	res.UpdatedAt = at
	if slot, ok := r.s.slots[res.SlotID]; ok {
		slot.IsOccupied = true
		slot.LastUpdated = at
	}
	return nil
}

func (r *memoryReservationRepo) Close(_ context.Context, id, status string, refundPayment bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != model.ReservationActive {
		return ErrStateConflict
	}
	res.Status = status
	res.UpdatedAt = at
	if slot, ok := r.s.slots[res.SlotID]; ok {
		slot.IsReserved = false
		slot.IsOccupied = false
		slot.AssignedTo = null.String{}
		slot.LastUpdated = at
	}
	if refundPayment {
		if p, ok := r.s.payments[res.PaymentID]; ok && p.Status == model.PaymentCompleted {
			p.Status = model.PaymentRefunded
			p.UpdatedAt = at
		}
	}
	return nil
}

func (r *memoryReservationRepo) ListNoShowCandidates(_ context.Context, startBefore time.Time) ([]*model.Reservation, error) {
	return r.filter(func(res *model.Reservation) bool {
		return res.Status == model.ReservationActive && !res.CheckedInAt.Valid && res.StartTime.Before(startBefore)
	}, byStartTime), nil
}

func (r *memoryReservationRepo) ListDueForReminder(_ context.Context, from, until time.Time) ([]*model.Reservation, error) {
	return r.filter(func(res *model.Reservation) bool {
		return res.Status == model.ReservationActive && !res.RemindedAt.Valid &&
			!res.StartTime.Before(from) && res.StartTime.Before(until)
	}, byStartTime), nil
}

func (r *memoryReservationRepo) MarkReminded(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok || res.Status != model.ReservationActive || res.RemindedAt.Valid {
		return ErrStateConflict
	}
	res.RemindedAt = null.TimeFrom(at)
	return nil
}

// --- rides ---

type memoryRideRepo struct{ s *MemoryStore }

func (r *memoryRideRepo) FindByID(_ context.Context, id string) (*model.Ride, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if ride, ok := r.s.rides[id]; ok {
		return copyRide(ride), nil
	}
	return nil, nil
}

func (r *memoryRideRepo) filter(keep func(*model.Ride) bool) []*model.Ride {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Ride{}
	for _, ride := range r.s.rides {
		if keep(ride) {
			out = append(out, copyRide(ride))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memoryRideRepo) ListByUserID(_ context.Context, userID string) ([]*model.Ride, error) {
	return r.filter(func(ride *model.Ride) bool { return ride.UserID == userID }), nil
}

func (r *memoryRideRepo) ListPoolCandidates(_ context.Context, q model.PoolQuery) ([]*model.Ride, error) {
	pickup := strings.ToLower(q.Pickup)
	out := r.filter(func(ride *model.Ride) bool {
		return ride.Type == model.RideTypeShuttle &&
			ride.Status == model.RidePending &&
			!ride.CreatedAt.Before(q.CreatedAfter) &&
			ride.UserID != q.ExcludeUserID &&
			strings.Contains(strings.ToLower(ride.PickupLocation), pickup)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *memoryRideRepo) CreateWithPayment(_ context.Context, ride *model.Ride, payment *model.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.payments[payment.ID] = copyPayment(payment)
	r.s.rides[ride.ID] = copyRide(ride)
	return nil
}

func (r *memoryRideRepo) UpdateStatus(_ context.Context, id string, allowedFrom []string, status, paymentStatus string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ride, ok := r.s.rides[id]
	if !ok || !slices.Contains(allowedFrom, ride.Status) {
		return ErrStateConflict
	}
	ride.Status = status
	ride.UpdatedAt = at
	if paymentStatus != "" {
		if p, ok := r.s.payments[ride.PaymentID]; ok && p.Status == model.PaymentPending {
			p.Status = paymentStatus
			p.UpdatedAt = at
		}
	}
	return nil
}

// --- payments ---

type memoryPaymentRepo struct{ s *MemoryStore }

func (r *memoryPaymentRepo) FindByID(_ context.Context, id string) (*model.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if p, ok := r.s.payments[id]; ok {
		return copyPayment(p), nil
	}
	return nil, nil
}

func (r *memoryPaymentRepo) ListByUserID(_ context.Context, userID string) ([]*model.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Payment{}
	for _, p := range r.s.payments {
		if p.UserID == userID {
			out = append(out, copyPayment(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryPaymentRepo) UpdateStatus(_ context.Context, id, from, to string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok || p.Status != from {
		return ErrStateConflict
	}
	p.Status = to
	p.UpdatedAt = at
	return nil
}

// --- notifications ---

type memoryNotificationRepo struct{ s *MemoryStore }

func (r *memoryNotificationRepo) Create(_ context.Context, n *model.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.notifications[n.ID] = copyNotification(n)
	return nil
}

func (r *memoryNotificationRepo) ListByUserID(_ context.Context, userID string) ([]*model.Notification, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Notification{}
	for _, n := range r.s.notifications {
		if n.UserID == userID {
			out = append(out, copyNotification(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryNotificationRepo) MarkRead(_ context.Context, userID, id string, at time.Time) (*model.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotFound
	}
	n.IsRead = true
	n.UpdatedAt = at
	return copyNotification(n), nil
}

func (r *memoryNotificationRepo) Delete(_ context.Context, userID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	delete(r.s.notifications, id)
	return nil
}

func (r *memoryNotificationRepo) DeleteReadBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for k, n := range r.s.notifications {
		if n.IsRead && n.CreatedAt.Before(before) {
			delete(r.s.notifications, k)
			count++
		}
	}
	return count, nil
}

// compile-time interface checks
var (
	_ UserRepository         = (*memoryUserRepo)(nil)
	_ SessionRepository      = (*memorySessionRepo)(nil)
	_ SlotRepository         = (*memorySlotRepo)(nil)
	_ ReservationRepository  = (*memoryReservationRepo)(nil)
	_ RideRepository         = (*memoryRideRepo)(nil)
	_ PaymentRepository      = (*memoryPaymentRepo)(nil)
	_ NotificationRepository = (*memoryNotificationRepo)(nil)
)
