package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/parkride/internal/model"
)

const slotColumns = `id, slot_number, location, type, hourly_rate, is_occupied, is_reserved, assigned_to, last_updated, created_at`

// PostgresSlotRepo はPostgreSQLを使用した駐車スロットリポジトリ。
type PostgresSlotRepo struct {
	db *sql.DB
}

// NewPostgresSlotRepo はPostgresSlotRepoを生成する。
func NewPostgresSlotRepo(db *sql.DB) *PostgresSlotRepo {
	return &PostgresSlotRepo{db: db}
}

func scanSlot(s rowScanner) (*model.ParkingSlot, error) {
	slot := &model.ParkingSlot{}
	err := s.Scan(
		&slot.ID, &slot.SlotNumber, &slot.Location, &slot.Type, &slot.HourlyRate,
		&slot.IsOccupied, &slot.IsReserved, &slot.AssignedTo, &slot.LastUpdated, &slot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *PostgresSlotRepo) findOne(ctx context.Context, where string, arg any) (*model.ParkingSlot, error) {
	slot, err := scanSlot(r.db.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM parking_slots WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find parking slot: %w", err)
	}
	return slot, nil
}

// FindByID は指定IDのスロットを取得する。見つからない場合はnilを返す。
func (r *PostgresSlotRepo) FindByID(ctx context.Context, id string) (*model.ParkingSlot, error) {
	return r.findOne(ctx, "id = $1", id)
}

// FindBySlotNumber はスロット番号でスロットを取得する。見つからない場合はnilを返す。
func (r *PostgresSlotRepo) FindBySlotNumber(ctx context.Context, slotNumber string) (*model.ParkingSlot, error) {
	return r.findOne(ctx, "slot_number = $1", slotNumber)
}

func (r *PostgresSlotRepo) query(ctx context.Context, q string, args ...any) ([]*model.ParkingSlot, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list parking slots: %w", err)
	}
	defer rows.Close()

	slots := []*model.ParkingSlot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parking slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate parking slots: %w", err)
	}
	return slots, nil
}

// List は全スロットをスロット番号順で返す。
func (r *PostgresSlotRepo) List(ctx context.Context) ([]*model.ParkingSlot, error) {
	return r.query(ctx, `SELECT `+slotColumns+` FROM parking_slots ORDER BY slot_number`)
}

// ListAvailable は予約も占有もされていないスロットを返す。
// 空文字の条件は無視する。
func (r *PostgresSlotRepo) ListAvailable(ctx context.Context, filter model.SlotFilter) ([]*model.ParkingSlot, error) {
	return r.query(ctx,
		`SELECT `+slotColumns+` FROM parking_slots
		 WHERE NOT is_occupied AND NOT is_reserved
		   AND ($1 = '' OR location = $1)
		   AND ($2 = '' OR type = $2)
		 ORDER BY slot_number`,
		filter.Location, filter.Type,
	)
}

// Create はスロットを作成する。
func (r *PostgresSlotRepo) Create(ctx context.Context, slot *model.ParkingSlot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO parking_slots (`+slotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		slot.ID, slot.SlotNumber, slot.Location, slot.Type, slot.HourlyRate,
		slot.IsOccupied, slot.IsReserved, slot.AssignedTo, slot.LastUpdated, slot.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert parking slot: %w", err)
	}
	return nil
}

// SetOccupied は占有状態を更新する。
func (r *PostgresSlotRepo) SetOccupied(ctx context.Context, id string, occupied bool, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE parking_slots SET is_occupied = $2, last_updated = $3 WHERE id = $1`,
		id, occupied, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update slot occupancy: %w", err)
	}
	return checkRowsAffected(result, ErrNotFound)
}

// compile-time interface check
var _ SlotRepository = (*PostgresSlotRepo)(nil)
