// Package auth はメールアドレスとパスワードによる認証、トークンとセッションの管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
	"github.com/hitoshi/parkride/internal/security"
)

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
}

// Result は登録・ログイン成功時に返すトークンとユーザー。
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// Principal はトークンから特定した認証済みユーザー。
type Principal struct {
	UserID    string
	Role      string
	SessionID string
}

// IsAdmin は管理者ロールかどうかを返す。
func (p *Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	sessions  repository.SessionRepository
	tokens    *TokenManager
	publisher events.Publisher
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens *TokenManager,
	publisher events.Publisher,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		tokens:    tokens,
		publisher: publisher,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// SplitName は氏名を最初の空白で名と姓に分割する。
func SplitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	first, last, _ = strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}

// NormalizeEmail はメールアドレスを検証し、小文字化して返す。
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	return email, true
}

// Register はユーザーを登録し、セッションとトークンを発行する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	name := s.sanitizer.Sanitize(in.Name)
	if name == "" {
		return nil, model.NewValidationError("name is required")
	}
	email, ok := NormalizeEmail(in.Email)
	if !ok {
		return nil, model.NewValidationError("email must be a valid email address")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, model.NewUserExistsError()
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	first, last := SplitName(name)
	user := &model.User{
		ID:                   uuid.New().String(),
		Email:                email,
		PasswordHash:         hash,
		FirstName:            first,
		LastName:             last,
		Phone:                s.sanitizer.Sanitize(in.Phone),
		Role:                 model.RoleUser,
		Subscriptions:        []string{},
		Preferences:          model.DefaultPreferences(),
		Vehicles:             []model.Vehicle{},
		PaymentMethods:       []model.PaymentMethod{},
		NotificationSettings: model.DefaultNotificationSettings(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		// 同時登録で一意制約に違反した場合
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewUserExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user registered", slog.String("user_id", user.ID))
	events.Emit(ctx, s.publisher, events.TypeUserRegistered, user.ID, events.UserPayload{
		FirstName: user.FirstName,
		Email:     user.Email,
	})

	return s.issue(ctx, user)
}

// Login はメールアドレスとパスワードを検証し、セッションとトークンを発行する。
// メールアドレスの未登録とパスワード不一致は区別せずに同じエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	normalized, ok := NormalizeEmail(email)
	if !ok || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}

	match, err := CheckPassword(user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, model.NewInvalidCredentialsError()
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return s.issue(ctx, user)
}

// Logout はトークンに紐づくセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// Profile はユーザーのプロフィールを取得する。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Authenticate はトークンを検証し、セッションが有効であれば認証済みユーザーを返す。
// 失敗した場合は常にUNAUTHORIZEDのAPIErrorを返す。
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, model.NewUnauthorizedError()
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, model.NewUnauthorizedError()
	}

	session, err := s.sessions.FindByID(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || session.UserID != claims.Subject {
		return nil, model.NewUnauthorizedError()
	}

	// ロールは発行時のクレームではなく現在のユーザーの値を使う
	role := session.Role
	if role == "" {
		role = claims.Role
	}
	return &Principal{
		UserID:    claims.Subject,
		Role:      role,
		SessionID: claims.ID,
	}, nil
}

// issue はセッションを作成してトークンを発行する。
func (s *Service) issue(ctx context.Context, user *model.User) (*Result, error) {
	now := s.now()
	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.tokens.TTL()),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	token, err := s.tokens.Issue(user.ID, user.Role, session.ID, now)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, ExpiresAt: session.ExpiresAt, User: user}, nil
}
