// Package user はプロフィール、車両、設定の管理と退会処理を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/parkride/internal/auth"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
	"github.com/hitoshi/parkride/internal/security"
)

// ReservationReleaser は退会時に有効な予約を解放するインターフェース。
type ReservationReleaser interface {
	ReleaseUserReservations(ctx context.Context, userID string) (int, error)
}

// ProfileUpdate はプロフィール更新の入力。nilの項目は変更しない。
type ProfileUpdate struct {
	Name           *string
	Phone          *string
	DateOfBirth    *time.Time
	Address        *string
	Avatar         *string
	Preferences    *model.Preferences
	Vehicles       *[]model.Vehicle
	PaymentMethods *[]model.PaymentMethod
}

// VehicleInput は車両登録の入力。
type VehicleInput struct {
	Make         string
	Model        string
	Year         int
	Color        string
	LicensePlate string
}

// Analytics はユーザーの会員情報。
type Analytics struct {
	LoyaltyPoints int
	Subscriptions []string
	CreatedAt     time.Time
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	releaser    ReservationReleaser
	sanitizer   security.TextSanitizer
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	releaser ReservationReleaser,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		releaser:    releaser,
		sanitizer:   sanitizer,
		now:         time.Now,
	}
}

// UpdateProfile はプロフィールを更新する。テキスト項目はマークアップを除去して保存する。
// 利用実績と評価はサーバー側で管理するため更新対象に含めない。
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*model.User, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := s.sanitizer.Sanitize(*in.Name)
		if name == "" {
			return nil, model.NewValidationError("name must not be empty")
		}
		user.FirstName, user.LastName = auth.SplitName(name)
	}
	if in.Phone != nil {
		phone := s.sanitizer.Sanitize(*in.Phone)
		if phone == "" {
			return nil, model.NewValidationError("phone must not be empty")
		}
		user.Phone = phone
	}
	if in.DateOfBirth != nil {
		if in.DateOfBirth.After(s.now()) {
			return nil, model.NewValidationError("dateOfBirth must be in the past")
		}
		dob := *in.DateOfBirth
		user.DateOfBirth = &dob
	}
	if in.Address != nil {
		user.Address = s.sanitizer.Sanitize(*in.Address)
	}
	if in.Avatar != nil {
		avatar, ok := s.sanitizer.SanitizeURL(*in.Avatar)
		if !ok {
			return nil, model.NewValidationError("avatar must be an http or https URL")
		}
		user.Avatar = avatar
	}
	if in.Preferences != nil {
		user.Preferences = *in.Preferences
	}
	if in.Vehicles != nil {
		vehicles, err := s.normalizeVehicles(*in.Vehicles)
		if err != nil {
			return nil, err
		}
		user.Vehicles = vehicles
	}
	if in.PaymentMethods != nil {
		methods, err := s.normalizePaymentMethods(*in.PaymentMethods)
		if err != nil {
			return nil, err
		}
		user.PaymentMethods = methods
	}

	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	slog.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードに変更する。
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" {
		return model.NewValidationError("oldPassword is required")
	}
	if len(newPassword) < auth.MinPasswordLength {
		return model.NewValidationError(fmt.Sprintf("newPassword must be at least %d characters", auth.MinPasswordLength))
	}
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}

	match, err := auth.CheckPassword(user.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !match {
		return model.NewIncorrectPasswordError()
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("パスワードの更新に失敗しました: %w", err)
	}
	// 全端末のセッションを失効させる
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// Analytics は会員情報を返す。
func (s *Service) Analytics(ctx context.Context, userID string) (*Analytics, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	subs := user.Subscriptions
	if subs == nil {
		subs = []string{}
	}
	return &Analytics{
		LoyaltyPoints: user.LoyaltyPoints,
		Subscriptions: subs,
		CreatedAt:     user.CreatedAt,
	}, nil
}

// AddVehicle は車両を登録する。最初の車両は既定の車両になる。
func (s *Service) AddVehicle(ctx context.Context, userID string, in VehicleInput) (*model.Vehicle, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	v, err := s.sanitizeVehicle(model.Vehicle{
		Make:         in.Make,
		Model:        in.Model,
		Year:         in.Year,
		Color:        in.Color,
		LicensePlate: in.LicensePlate,
	})
	if err != nil {
		return nil, err
	}
	v.ID = uuid.New().String()
	v.IsDefault = len(user.Vehicles) == 0

	user.Vehicles = append(user.Vehicles, v)
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVehicle は車両を削除する。既定の車両を削除した場合は先頭の車両を既定にする。
func (s *Service) DeleteVehicle(ctx context.Context, userID, vehicleID string) error {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	idx := vehicleIndex(user.Vehicles, vehicleID)
	if idx < 0 {
		return model.NewVehicleNotFoundError(vehicleID)
	}
	wasDefault := user.Vehicles[idx].IsDefault
	user.Vehicles = append(user.Vehicles[:idx], user.Vehicles[idx+1:]...)
	if wasDefault && len(user.Vehicles) > 0 {
		user.Vehicles[0].IsDefault = true
	}
	return s.save(ctx, user)
}

// SetDefaultVehicle は指定した車両を既定の車両にする。
func (s *Service) SetDefaultVehicle(ctx context.Context, userID, vehicleID string) ([]model.Vehicle, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if vehicleIndex(user.Vehicles, vehicleID) < 0 {
		return nil, model.NewVehicleNotFoundError(vehicleID)
	}
	for i := range user.Vehicles {
		user.Vehicles[i].IsDefault = user.Vehicles[i].ID == vehicleID
	}
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	return user.Vehicles, nil
}

// UpdatePreferences は設定を置き換える。
func (s *Service) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) (model.Preferences, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return model.Preferences{}, err
	}
	user.Preferences = prefs
	if err := s.save(ctx, user); err != nil {
		return model.Preferences{}, err
	}
	return prefs, nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: 有効な予約の解放 → sessions → user（+ CASCADE: reservations, rides, payments, notifications）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	if _, err := s.findUser(ctx, userID); err != nil {
		return err
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. 有効な予約をキャンセルしてスロットを解放
	if s.releaser != nil {
		released, err := s.releaser.ReleaseUserReservations(ctx, userID)
		if err != nil {
			return fmt.Errorf("予約の解放に失敗しました: %w", err)
		}
		if released > 0 {
			slog.Info("有効な予約を解放しました",
				slog.String("user_id", userID),
				slog.Int("count", released),
			)
		}
	}

	// 2. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 3. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

func (s *Service) findUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func (s *Service) save(ctx context.Context, user *model.User) error {
	user.UpdatedAt = s.now()
	if err := s.userRepo.Update(ctx, user); err != nil {
		return fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	return nil
}

func (s *Service) sanitizeVehicle(v model.Vehicle) (model.Vehicle, error) {
	v.Make = s.sanitizer.Sanitize(v.Make)
	v.Model = s.sanitizer.Sanitize(v.Model)
	v.Color = s.sanitizer.Sanitize(v.Color)
	v.LicensePlate = strings.ToUpper(s.sanitizer.Sanitize(v.LicensePlate))
	if v.Make == "" || v.Model == "" || v.LicensePlate == "" {
		return model.Vehicle{}, model.NewValidationError("make, model and licensePlate are required")
	}
	if v.Year != 0 && (v.Year < 1900 || v.Year > s.now().Year()+1) {
		return model.Vehicle{}, model.NewValidationError("year is out of range")
	}
	return v, nil
}

// normalizeVehicles は一括更新された車両を検証し、IDの採番と既定の車両を1台に揃える。
func (s *Service) normalizeVehicles(in []model.Vehicle) ([]model.Vehicle, error) {
	out := make([]model.Vehicle, 0, len(in))
	hasDefault := false
	for _, v := range in {
		v, err := s.sanitizeVehicle(v)
		if err != nil {
			return nil, err
		}
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if v.IsDefault && hasDefault {
			v.IsDefault = false
		}
		hasDefault = hasDefault || v.IsDefault
		out = append(out, v)
	}
	if !hasDefault && len(out) > 0 {
		out[0].IsDefault = true
	}
	return out, nil
}

func (s *Service) normalizePaymentMethods(in []model.PaymentMethod) ([]model.PaymentMethod, error) {
	out := make([]model.PaymentMethod, 0, len(in))
	hasDefault := false
	for _, m := range in {
		switch m.Type {
		case model.PaymentMethodCard, model.PaymentMethodWallet, model.PaymentMethodMetroCard, model.PaymentMethodCash:
		default:
			return nil, model.NewValidationError("payment method type must be one of card, wallet, metro-card, cash")
		}
		m.Brand = s.sanitizer.Sanitize(m.Brand)
		last4, ok := cardDigits(m.Last4)
		if !ok {
			return nil, model.NewValidationError("payment method last4 must contain digits only")
		}
		m.Last4 = last4
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.IsDefault && hasDefault {
			m.IsDefault = false
		}
		hasDefault = hasDefault || m.IsDefault
		out = append(out, m)
	}
	if !hasDefault && len(out) > 0 {
		out[0].IsDefault = true
	}
	return out, nil
}

func vehicleIndex(vehicles []model.Vehicle, id string) int {
	for i, v := range vehicles {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// cardDigits はカード番号から空白とハイフンを除いた末尾4桁を返す。数字以外が含まれる場合はfalse。
func cardDigits(raw string) (string, bool) {
	digits := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == ' ' || c == '-':
		default:
			return "", false
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits), true
}
