package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/parkride/internal/model"
)

const reservationColumns = `r.id, r.user_id, r.slot_id, r.start_time, r.end_time, r.status, r.check_in_code,
	r.checked_in_at, r.reminded_at, COALESCE(r.payment_id::text, ''), r.amount, r.created_at, r.updated_at`

// PostgresReservationRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresReservationRepo struct {
	db *sql.DB
}

// NewPostgresReservationRepo はPostgresReservationRepoを生成する。
func NewPostgresReservationRepo(db *sql.DB) *PostgresReservationRepo {
	return &PostgresReservationRepo{db: db}
}

func scanReservation(s rowScanner, extra ...any) (*model.Reservation, error) {
	res := &model.Reservation{}
	dest := []any{
		&res.ID, &res.UserID, &res.SlotID, &res.StartTime, &res.EndTime, &res.Status, &res.CheckInCode,
		&res.CheckedInAt, &res.RemindedAt, &res.PaymentID, &res.Amount, &res.CreatedAt, &res.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *PostgresReservationRepo) findOne(ctx context.Context, where string, args ...any) (*model.Reservation, error) {
	res, err := scanReservation(r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations r WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return res, nil
}

// FindByID は指定IDの予約を取得する。
func (r *PostgresReservationRepo) FindByID(ctx context.Context, id string) (*model.Reservation, error) {
	return r.findOne(ctx, "r.id = $1", id)
}

// FindActiveByCheckInCode はチェックインコードでユーザーの有効な予約を取得する。
func (r *PostgresReservationRepo) FindActiveByCheckInCode(ctx context.Context, userID, code string) (*model.Reservation, error) {
	return r.findOne(ctx, "r.user_id = $1 AND r.check_in_code = $2 AND r.status = 'active'", userID, code)
}

// FindActiveByUserAndSlot はユーザーとスロットの組み合わせで有効な予約を取得する。
// 複数ある場合は開始が最も早いものを返す。
func (r *PostgresReservationRepo) FindActiveByUserAndSlot(ctx context.Context, userID, slotID string) (*model.Reservation, error) {
	return r.findOne(ctx,
		"r.user_id = $1 AND r.slot_id = $2 AND r.status = 'active' ORDER BY r.start_time LIMIT 1",
		userID, slotID)
}

func (r *PostgresReservationRepo) list(ctx context.Context, q string, args ...any) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	reservations := []*model.Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return reservations, nil
}

// ListByUserID はユーザーの予約をスロット情報付きで作成日時の降順で返す。
func (r *PostgresReservationRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`, `+prefixedSlotColumns+`
		 FROM reservations r
		 JOIN parking_slots s ON s.id = r.slot_id
		 WHERE r.user_id = $1
		 ORDER BY r.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	reservations := []*model.Reservation{}
	for rows.Next() {
		slot := &model.ParkingSlot{}
		res, err := scanReservation(rows,
			&slot.ID, &slot.SlotNumber, &slot.Location, &slot.Type, &slot.HourlyRate,
			&slot.IsOccupied, &slot.IsReserved, &slot.AssignedTo, &slot.LastUpdated, &slot.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		res.Slot = slot
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return reservations, nil
}

const prefixedSlotColumns = `s.id, s.slot_number, s.location, s.type, s.hourly_rate, s.is_occupied, s.is_reserved,
	s.assigned_to, s.last_updated, s.created_at`

// ListActiveByUserID はユーザーの有効な予約を返す。
func (r *PostgresReservationRepo) ListActiveByUserID(ctx context.Context, userID string) ([]*model.Reservation, error) {
	return r.list(ctx,
		`SELECT `+reservationColumns+` FROM reservations r
		 WHERE r.user_id = $1 AND r.status = 'active'
		 ORDER BY r.start_time`,
		userID,
	)
}

// CreateWithPayment はスロットの確保、支払い、予約を同一トランザクションで作成する。
// スロットは条件付きUPDATEで確保するため、同時予約はどちらか一方のみが成功する。
func (r *PostgresReservationRepo) CreateWithPayment(ctx context.Context, res *model.Reservation, payment *model.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// スロットを確保
	result, err := tx.ExecContext(ctx,
		`UPDATE parking_slots
		 SET is_reserved = TRUE, assigned_to = $2, last_updated = $3
		 WHERE id = $1 AND NOT is_reserved AND NOT is_occupied`,
		res.SlotID, res.UserID, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to claim parking slot: %w", err)
	}
	if err := checkRowsAffected(result, ErrSlotUnavailable); err != nil {
		return err
	}

	// 支払いを作成
	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}

	// 予約を作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_id, slot_id, start_time, end_time, status, check_in_code,
		                           checked_in_at, reminded_at, payment_id, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID, res.UserID, res.SlotID, res.StartTime, res.EndTime, res.Status, res.CheckInCode,
		res.CheckedInAt, res.RemindedAt, res.PaymentID, res.Amount, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CheckIn はチェックイン日時を記録し、スロットを占有状態にする。
func (r *PostgresReservationRepo) CheckIn(ctx context.Context, id string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var slotID string
	err = tx.QueryRowContext(ctx,
		`UPDATE reservations SET checked_in_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'active'
		 RETURNING slot_id`,
		id, at,
	).Scan(&slotID)
	if err == sql.ErrNoRows {
		return ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("failed to check in reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE parking_slots SET is_occupied = TRUE, last_updated = $2 WHERE id = $1`,
		slotID, at,
	); err != nil {
		return fmt.Errorf("failed to occupy parking slot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close は有効な予約を終了させ、スロットを解放する。
func (r *PostgresReservationRepo) Close(ctx context.Context, id, status string, refundPayment bool, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var slotID string
	var paymentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`UPDATE reservations SET status = $2, updated_at = $3
		 WHERE id = $1 AND status = 'active'
		 RETURNING slot_id, payment_id::text`,
		id, status, at,
	).Scan(&slotID, &paymentID)
	if err == sql.ErrNoRows {
		return ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("failed to close reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE parking_slots
		 SET is_reserved = FALSE, is_occupied = FALSE, assigned_to = NULL, last_updated = $2
		 WHERE id = $1`,
		slotID, at,
	); err != nil {
		return fmt.Errorf("failed to release parking slot: %w", err)
	}

	if refundPayment && paymentID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = 'refunded', updated_at = $2 WHERE id = $1 AND status = 'completed'`,
			paymentID.String, at,
		); err != nil {
			return fmt.Errorf("failed to refund payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListNoShowCandidates はチェックインされずに開始時刻を過ぎた有効な予約を返す。
func (r *PostgresReservationRepo) ListNoShowCandidates(ctx context.Context, startBefore time.Time) ([]*model.Reservation, error) {
	return r.list(ctx,
		`SELECT `+reservationColumns+` FROM reservations r
		 WHERE r.status = 'active' AND r.checked_in_at IS NULL AND r.start_time < $1
		 ORDER BY r.start_time`,
		startBefore,
	)
}

// ListDueForReminder はリマインド対象の予約を返す。
func (r *PostgresReservationRepo) ListDueForReminder(ctx context.Context, from, until time.Time) ([]*model.Reservation, error) {
	return r.list(ctx,
		`SELECT `+reservationColumns+` FROM reservations r
		 WHERE r.status = 'active' AND r.reminded_at IS NULL
		   AND r.start_time >= $1 AND r.start_time < $2
		 ORDER BY r.start_time`,
		from, until,
	)
}

// MarkReminded は有効かつ未送信の予約にリマインド送信日時を記録する。
// 該当しない場合はErrStateConflictを返す。
func (r *PostgresReservationRepo) MarkReminded(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET reminded_at = $2
		  WHERE id = $1 AND status = 'active' AND reminded_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reservation reminded: %w", err)
	}
	return checkRowsAffected(result, ErrStateConflict)
}

// compile-time interface check
var _ ReservationRepository = (*PostgresReservationRepo)(nil)
