package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/parkride/internal/model"
)

const userColumns = `id, email, password_hash, first_name, last_name, phone, date_of_birth, address, avatar,
	role, rating, total_rides, total_parking, loyalty_points,
	subscriptions, preferences, vehicles, payment_methods, notification_settings,
	created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(s rowScanner) (*model.User, error) {
	user := &model.User{}
	var (
		dob                                                  sql.NullTime
		subs, prefs, vehicles, methods, notificationSettings []byte
	)
	err := s.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.FirstName, &user.LastName, &user.Phone, &dob,
		&user.Address, &user.Avatar, &user.Role, &user.Rating,
		&user.TotalRides, &user.TotalParking, &user.LoyaltyPoints,
		&subs, &prefs, &vehicles, &methods, &notificationSettings,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dob.Valid {
		t := dob.Time
		user.DateOfBirth = &t
	}
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{subs, &user.Subscriptions},
		{prefs, &user.Preferences},
		{vehicles, &user.Vehicles},
		{methods, &user.PaymentMethods},
		{notificationSettings, &user.NotificationSettings},
	} {
		if err := unmarshalJSONColumn(col.raw, col.dest); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// userJSONColumns はJSONBカラムをまとめてシリアライズする。
func userJSONColumns(user *model.User) (subs, prefs, vehicles, methods, settings string, err error) {
	if subs, err = marshalJSONColumn(nonNilStrings(user.Subscriptions)); err != nil {
		return
	}
	if prefs, err = marshalJSONColumn(user.Preferences); err != nil {
		return
	}
	if vehicles, err = marshalJSONColumn(nonNilVehicles(user.Vehicles)); err != nil {
		return
	}
	if methods, err = marshalJSONColumn(nonNilPaymentMethods(user.PaymentMethods)); err != nil {
		return
	}
	settings, err = marshalJSONColumn(user.NotificationSettings)
	return
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	subs, prefs, vehicles, methods, settings, err := userJSONColumns(user)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Phone, toNullTime(user.DateOfBirth),
		user.Address, user.Avatar, user.Role, user.Rating,
		user.TotalRides, user.TotalParking, user.LoyaltyPoints,
		subs, prefs, vehicles, methods, settings,
		user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Update はプロフィール項目とJSONBカラムを上書き更新する。
func (r *PostgresUserRepo) Update(ctx context.Context, user *model.User) error {
	subs, prefs, vehicles, methods, settings, err := userJSONColumns(user)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET first_name = $2, last_name = $3, phone = $4, date_of_birth = $5, address = $6, avatar = $7,
		     subscriptions = $8, preferences = $9, vehicles = $10, payment_methods = $11,
		     notification_settings = $12, updated_at = $13
		 WHERE id = $1`,
		user.ID, user.FirstName, user.LastName, user.Phone, toNullTime(user.DateOfBirth), user.Address, user.Avatar,
		subs, prefs, vehicles, methods, settings, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return checkRowsAffected(result, ErrNotFound)
}

// UpdatePassword はパスワードハッシュを更新する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return checkRowsAffected(result, ErrNotFound)
}

// IncrementStats は利用実績カウンタを加算する。
func (r *PostgresUserRepo) IncrementStats(ctx context.Context, id string, delta UserStatsDelta) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET total_rides = total_rides + $2,
		     total_parking = total_parking + $3,
		     loyalty_points = loyalty_points + $4,
		     updated_at = now()
		 WHERE id = $1`,
		id, delta.Rides, delta.Parking, delta.LoyaltyPoints,
	)
	if err != nil {
		return fmt.Errorf("failed to increment user stats: %w", err)
	}
	return checkRowsAffected(result, ErrNotFound)
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return checkRowsAffected(result, ErrNotFound)
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilVehicles(v []model.Vehicle) []model.Vehicle {
	if v == nil {
		return []model.Vehicle{}
	}
	return v
}

func nonNilPaymentMethods(v []model.PaymentMethod) []model.PaymentMethod {
	if v == nil {
		return []model.PaymentMethod{}
	}
	return v
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
