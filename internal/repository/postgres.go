package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// NewPostgresRepositories はPostgreSQLバックエンドの全リポジトリを生成する。
func NewPostgresRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Users:         NewPostgresUserRepo(db),
		Sessions:      NewPostgresSessionRepo(db),
		Slots:         NewPostgresSlotRepo(db),
		Reservations:  NewPostgresReservationRepo(db),
		Rides:         NewPostgresRideRepo(db),
		Payments:      NewPostgresPaymentRepo(db),
		Notifications: NewPostgresNotificationRepo(db),
		Pinger:        db,
	}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// checkRowsAffected は更新件数が0件の場合にerrOnZeroを返す。
func checkRowsAffected(result sql.Result, errOnZero error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return errOnZero
	}
	return nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// marshalJSONColumn はJSONBカラムへ渡す文字列を生成する。
func marshalJSONColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSONColumn(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
