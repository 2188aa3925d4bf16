// Package cleanup は定期的な後始末ジョブを提供する。
// チェックインされなかった予約のno-show処理、期限切れセッションの削除、
// 保持期間を過ぎた既読通知の削除を1サイクルで実行する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/parkride/internal/metrics"
)

const (
	defaultNoShowGrace   = 30 * time.Minute
	defaultRetentionDays = 90
	jobName              = "cleanup"
)

// NoShowExpirer はno-show予約を失効させるインターフェース。parking.Serviceが満たす。
type NoShowExpirer interface {
	ExpireNoShows(ctx context.Context, grace time.Duration) (int, error)
}

// SessionPurger は期限切れセッションを削除するインターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// NotificationPurger は古い既読通知を削除するインターフェース。notification.Serviceが満たす。
type NotificationPurger interface {
	PurgeRead(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupJob は後始末ジョブ。
// 各処理は冪等で、1つが失敗しても残りの処理は実行する。
type CleanupJob struct {
	reservations  NoShowExpirer
	sessions      SessionPurger
	notifications NotificationPurger
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time

	NoShowGrace   time.Duration // 開始時刻からno-show扱いにするまでの猶予（デフォルト: 30分）
	RetentionDays int           // 既読通知の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(
	reservations NoShowExpirer,
	sessions SessionPurger,
	notifications NotificationPurger,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *CleanupJob {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		reservations:  reservations,
		sessions:      sessions,
		notifications: notifications,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		NoShowGrace:   defaultNoShowGrace,
		RetentionDays: defaultRetentionDays,
	}
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("no_show_grace", j.NoShowGrace),
		slog.Int("retention_days", j.RetentionDays),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Run は後始末を1回実行する。失敗した処理のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	var errs []error

	expired, err := j.reservations.ExpireNoShows(ctx, j.NoShowGrace)
	if err != nil {
		errs = append(errs, fmt.Errorf("no-show処理に失敗: %w", err))
	}

	sessions, err := j.sessions.DeleteExpired(ctx, start)
	if err != nil {
		errs = append(errs, fmt.Errorf("期限切れセッションの削除に失敗: %w", err))
	}

	retention := time.Duration(j.RetentionDays) * 24 * time.Hour
	notifications, err := j.notifications.PurgeRead(ctx, retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("既読通知の削除に失敗: %w", err))
	}

	duration := j.now().Sub(start)
	processed := expired + int(sessions) + int(notifications)
	j.metrics.RecordJobRun(jobName, processed, duration)

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("no_show_count", expired),
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_notifications", notifications),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return errors.Join(errs...)
}
