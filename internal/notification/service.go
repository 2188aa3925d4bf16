// Package notification はアプリ内通知の管理と、ドメインイベントからの通知生成を提供する。
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/repository"
)

// Service は通知に関するビジネスロジックを提供する。
type Service struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	publisher     events.Publisher
	now           func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	publisher events.Publisher,
) *Service {
	return &Service{
		notifications: notifications,
		users:         users,
		publisher:     publisher,
		now:           time.Now,
	}
}

// List はユーザーの通知を新しい順に返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Notification, error) {
	list, err := s.notifications.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return list, nil
}

// MarkRead はユーザーの通知を既読にする。
func (s *Service) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	if !model.ValidID(id) {
		return nil, model.NewNotificationNotFoundError(id)
	}
	n, err := s.notifications.MarkRead(ctx, userID, id, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return n, nil
}

// Delete はユーザーの通知を削除する。
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if !model.ValidID(id) {
		return model.NewNotificationNotFoundError(id)
	}
	err := s.notifications.Delete(ctx, userID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

// Settings はユーザーの通知設定を返す。
func (s *Service) Settings(ctx context.Context, userID string) (model.NotificationSettings, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return model.NotificationSettings{}, err
	}
	return u.NotificationSettings, nil
}

// UpdateSettings はユーザーの通知設定を置き換える。
func (s *Service) UpdateSettings(ctx context.Context, userID string, settings model.NotificationSettings) (model.NotificationSettings, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return model.NotificationSettings{}, err
	}
	u.NotificationSettings = settings
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return model.NotificationSettings{}, fmt.Errorf("failed to update notification settings: %w", err)
	}
	return settings, nil
}

// Handle はドメインイベントから通知を生成する。events.Handlerとして購読される。
// 対象外のイベント、退会済みユーザー、カテゴリ設定が無効な場合は何もしない。
func (s *Service) Handle(ctx context.Context, e events.Event) error {
	if e.UserID == "" {
		return nil
	}
	c, ok, err := compose(e)
	if err != nil {
		// 再配送しても解決しないため破棄する
		slog.Warn("通知対象イベントのデコードに失敗しました",
			slog.String("event_id", e.ID),
			slog.String("type", e.Type),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return nil
	}

	u, err := s.users.FindByID(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil || !categoryEnabled(c.Type, u.NotificationSettings) {
		return nil
	}

	now := s.now()
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    e.UserID,
		Title:     c.Title,
		Message:   c.Message,
		Type:      c.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	slog.Debug("notification created",
		slog.String("notification_id", n.ID),
		slog.String("user_id", n.UserID),
		slog.String("source_event", e.Type),
	)
	events.Emit(ctx, s.publisher, events.TypeNotificationCreated, n.UserID, events.NotificationPayload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	})
	return nil
}

// PurgeRead はretentionより古い既読通知を削除し、削除件数を返す。
func (s *Service) PurgeRead(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.notifications.DeleteReadBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge read notifications: %w", err)
	}
	return n, nil
}

func (s *Service) findUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}
