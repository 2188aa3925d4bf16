package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/parkride/internal/model"
)

const rideColumns = `id, user_id, type, pickup_location, drop_location, scheduled_time, status, fare, distance_km,
	COALESCE(payment_id::text, ''), created_at, updated_at`

// PostgresRideRepo はPostgreSQLを使用した乗車予約リポジトリ。
type PostgresRideRepo struct {
	db *sql.DB
}

// NewPostgresRideRepo はPostgresRideRepoを生成する。
func NewPostgresRideRepo(db *sql.DB) *PostgresRideRepo {
	return &PostgresRideRepo{db: db}
}

func scanRide(s rowScanner) (*model.Ride, error) {
	ride := &model.Ride{}
	err := s.Scan(
		&ride.ID, &ride.UserID, &ride.Type, &ride.PickupLocation, &ride.DropLocation, &ride.ScheduledTime,
		&ride.Status, &ride.Fare, &ride.DistanceKm, &ride.PaymentID, &ride.CreatedAt, &ride.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ride, nil
}

// FindByID は指定IDの乗車予約を取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindByID(ctx context.Context, id string) (*model.Ride, error) {
	ride, err := scanRide(r.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ride: %w", err)
	}
	return ride, nil
}

func (r *PostgresRideRepo) list(ctx context.Context, q string, args ...any) ([]*model.Ride, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	rides := []*model.Ride{}
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rides: %w", err)
	}
	return rides, nil
}

// ListByUserID はユーザーの乗車予約を作成日時の降順で返す。
func (r *PostgresRideRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Ride, error) {
	return r.list(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
}

// ListPoolCandidates は乗車地が部分一致する配車待ちシャトルを作成日時の降順で返す。
func (r *PostgresRideRepo) ListPoolCandidates(ctx context.Context, q model.PoolQuery) ([]*model.Ride, error) {
	return r.list(ctx,
		`SELECT `+rideColumns+` FROM rides
		 WHERE type = 'shuttle' AND status = 'pending'
		   AND created_at >= $1
		   AND user_id <> $2
		   AND pickup_location ILIKE '%' || $3 || '%'
		 ORDER BY created_at DESC
		 LIMIT $4`,
		q.CreatedAfter, q.ExcludeUserID, escapeLike(q.Pickup), q.Limit,
	)
}

// CreateWithPayment は支払いと乗車予約を同一トランザクションで作成する。
func (r *PostgresRideRepo) CreateWithPayment(ctx context.Context, ride *model.Ride, payment *model.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rides (id, user_id, type, pickup_location, drop_location, scheduled_time, status,
		                    fare, distance_km, payment_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ride.ID, ride.UserID, ride.Type, ride.PickupLocation, ride.DropLocation, ride.ScheduledTime, ride.Status,
		ride.Fare, ride.DistanceKm, ride.PaymentID, ride.CreatedAt, ride.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ride: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateStatus は乗車ステータスと紐づく配車待ちの支払いを同一トランザクションで更新する。
func (r *PostgresRideRepo) UpdateStatus(ctx context.Context, id string, allowedFrom []string, status, paymentStatus string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var paymentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`UPDATE rides SET status = $2, updated_at = $3
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING payment_id::text`,
		id, status, at, pq.Array(allowedFrom),
	).Scan(&paymentID)
	if err == sql.ErrNoRows {
		return ErrStateConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update ride status: %w", err)
	}

	if paymentStatus != "" && paymentID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'pending'`,
			paymentID.String, paymentStatus, at,
		); err != nil {
			return fmt.Errorf("failed to update ride payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// compile-time interface check
var _ RideRepository = (*PostgresRideRepo)(nil)
