// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/parkride/internal/model"
)

var (
	// ErrDuplicate は一意制約に違反した場合に返される。
	ErrDuplicate = errors.New("duplicate record")
	// ErrSlotUnavailable は予約対象のスロットが既に予約済みまたは使用中の場合に返される。
	ErrSlotUnavailable = errors.New("parking slot unavailable")
	// ErrStateConflict は対象レコードが期待した状態にない場合に返される。
	ErrStateConflict = errors.New("record is not in the expected state")
	// ErrNotFound は更新・削除対象のレコードが存在しない場合に返される。
	ErrNotFound = errors.New("record not found")
)

// UserStatsDelta はユーザーの利用実績カウンタへの加算値。
type UserStatsDelta struct {
	Rides         int
	Parking       int
	LoyaltyPoints int
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// Update はプロフィール項目とJSONBカラムを上書き更新する。
	// パスワードと利用実績カウンタは更新しない。
	Update(ctx context.Context, user *model.User) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// IncrementStats は利用実績カウンタを加算する。
	IncrementStats(ctx context.Context, id string, delta UserStatsDelta) error

	// DeleteByID は指定IDのユーザーを削除する。
	// sessions、reservations、rides、payments、notificationsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SlotRepository は駐車スロットの永続化インターフェース。
type SlotRepository interface {
	// FindByID は指定IDのスロットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ParkingSlot, error)
	// FindBySlotNumber はスロット番号でスロットを取得する。見つからない場合はnilを返す。
	FindBySlotNumber(ctx context.Context, slotNumber string) (*model.ParkingSlot, error)
	// List は全スロットをスロット番号順で返す。
	List(ctx context.Context) ([]*model.ParkingSlot, error)
	// ListAvailable は予約も占有もされていないスロットを条件で絞り込んで返す。
	ListAvailable(ctx context.Context, filter model.SlotFilter) ([]*model.ParkingSlot, error)
	// Create はスロットを作成する。スロット番号が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, slot *model.ParkingSlot) error
	// SetOccupied はセンサー等からの占有状態を反映する。
	SetOccupied(ctx context.Context, id string, occupied bool, at time.Time) error
}

// ReservationRepository は予約の永続化インターフェース。
// スロット状態を伴う変更は全て単一トランザクションで行う。
type ReservationRepository interface {
	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Reservation, error)
	// FindActiveByCheckInCode はチェックインコードで有効な予約を取得する。見つからない場合はnilを返す。
	FindActiveByCheckInCode(ctx context.Context, userID, code string) (*model.Reservation, error)
	// FindActiveByUserAndSlot はユーザーとスロットの組み合わせで有効な予約を取得する。
	FindActiveByUserAndSlot(ctx context.Context, userID, slotID string) (*model.Reservation, error)
	// ListByUserID はユーザーの予約をスロット情報付きで作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Reservation, error)
	// ListActiveByUserID はユーザーの有効な予約を返す。
	ListActiveByUserID(ctx context.Context, userID string) ([]*model.Reservation, error)

	// CreateWithPayment はスロットの確保、予約、支払いを同一トランザクションで作成する。
	// スロットが存在しないか予約・占有済みの場合はErrSlotUnavailableを返す。
	CreateWithPayment(ctx context.Context, reservation *model.Reservation, payment *model.Payment) error

	// CheckIn は有効な予約にチェックイン日時を記録し、スロットを占有状態にする。
	CheckIn(ctx context.Context, id string, at time.Time) error

	// Close は有効な予約をstatusで終了させ、スロットを解放する。
	// refundPaymentがtrueの場合、完了済みの支払いを返金済みにする。
	// 予約が有効でない場合はErrStateConflictを返す。
	Close(ctx context.Context, id, status string, refundPayment bool, at time.Time) error

	// ListNoShowCandidates はチェックインされないままstartBefore以前に開始した有効な予約を返す。
	ListNoShowCandidates(ctx context.Context, startBefore time.Time) ([]*model.Reservation, error)
	// ListDueForReminder は[from, until)に開始する、リマインド未送信の有効な予約を返す。
	ListDueForReminder(ctx context.Context, from, until time.Time) ([]*model.Reservation, error)
	// MarkReminded は有効かつ未送信の予約にリマインド送信日時を記録する。該当しなければErrStateConflict。
	MarkReminded(ctx context.Context, id string, at time.Time) error
}

// RideRepository は乗車予約の永続化インターフェース。
type RideRepository interface {
	// FindByID は指定IDの乗車予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Ride, error)
	// ListByUserID はユーザーの乗車予約を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Ride, error)
	// ListPoolCandidates は相乗り可能な配車待ちシャトルを返す。
	ListPoolCandidates(ctx context.Context, q model.PoolQuery) ([]*model.Ride, error)
	// CreateWithPayment は乗車予約と支払いを同一トランザクションで作成する。
	CreateWithPayment(ctx context.Context, ride *model.Ride, payment *model.Payment) error
	// UpdateStatus は現在のステータスがallowedFromに含まれる場合のみステータスを更新する。
	// paymentStatusが空でなければ、配車待ちの支払いも同時に更新する。
	// 条件を満たさない場合はErrStateConflictを返す。
	UpdateStatus(ctx context.Context, id string, allowedFrom []string, status, paymentStatus string, at time.Time) error
}

// PaymentRepository は支払いの永続化インターフェース。
type PaymentRepository interface {
	// FindByID は指定IDの支払いを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Payment, error)
	// ListByUserID はユーザーの支払いを作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Payment, error)
	// UpdateStatus は現在のステータスがfromの場合のみtoに更新する。
	// 条件を満たさない場合はErrStateConflictを返す。
	UpdateStatus(ctx context.Context, id, from, to string, at time.Time) error
}

// NotificationRepository は通知の永続化インターフェース。
type NotificationRepository interface {
	// Create は通知を作成する。
	Create(ctx context.Context, notification *model.Notification) error
	// ListByUserID はユーザーの通知を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Notification, error)
	// MarkRead はユーザーの通知を既読にする。対象がない場合はErrNotFoundを返す。
	MarkRead(ctx context.Context, userID, id string, at time.Time) (*model.Notification, error)
	// Delete はユーザーの通知を削除する。対象がない場合はErrNotFoundを返す。
	Delete(ctx context.Context, userID, id string) error
	// DeleteReadBefore はbefore以前に作成された既読通知を削除し、削除件数を返す。
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
}

// Pinger はストレージの疎通確認用インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Repositories はアプリケーションが使用する全リポジトリをまとめたもの。
// バックエンド（PostgreSQLまたはメモリ）は起動時に1回だけ選択する。
type Repositories struct {
	Users         UserRepository
	Sessions      SessionRepository
	Slots         SlotRepository
	Reservations  ReservationRepository
	Rides         RideRepository
	Payments      PaymentRepository
	Notifications NotificationRepository

	// Pinger はヘルスチェックで使用する。
	Pinger Pinger
}
