// Package reminder は開始間近の駐車予約にリマインドを送るバックグラウンド処理を提供する。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
)

const (
	defaultMaxConcurrency = 10
	defaultLead           = 30 * time.Minute
	jobName               = "reminder"
)

// ReservationLister はリマインド対象の予約を取得するインターフェース。
type ReservationLister interface {
	ListDueForReminder(ctx context.Context, from, until time.Time) ([]*model.Reservation, error)
}

// Reminder は予約1件のリマインドを送信するインターフェース。parking.Serviceが満たす。
type Reminder interface {
	Remind(ctx context.Context, res *model.Reservation) error
}

// Scheduler はリマインド送信のスケジューリングと並列制御を行う。
// ティッカーごとに開始までlead以内の未送信予約を取得し、
// semaphoreパターンで最大並列数を制御しながら送信する。
type Scheduler struct {
	reservations   ReservationLister
	reminder       Reminder
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	lead           time.Duration
	maxConcurrency int
	retry          RetryPolicy
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// leadが0以下の場合は30分、maxConcurrencyが0以下の場合は10を使用する。
func NewScheduler(
	reservations ReservationLister,
	reminder Reminder,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	lead time.Duration,
	maxConcurrency int,
) *Scheduler {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lead <= 0 {
		lead = defaultLead
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		reservations:   reservations,
		reminder:       reminder,
		metrics:        m,
		logger:         logger,
		lead:           lead,
		maxConcurrency: maxConcurrency,
		retry:          DefaultRetryPolicy(),
		now:            time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リマインドスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("lead", s.lead),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リマインドスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リマインドサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は対象予約を1回取得し、並列でリマインドを送信する。送信できた件数を返す。
// 送信に失敗した予約はremindedAtが記録されないため、次のサイクルで再び対象になる。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := s.now()

	due, err := s.reservations.ListDueForReminder(ctx, start, start.Add(s.lead))
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations due for reminder: %w", err)
	}

	if len(due) == 0 {
		s.logger.Debug("リマインド対象の予約はありません")
		s.metrics.RecordJobRun(jobName, 0, s.now().Sub(start))
		return 0, nil
	}

	s.logger.Info("リマインドサイクルを開始します",
		slog.Int("reservation_count", len(due)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var sent atomic.Int64

	for _, res := range due {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(r *model.Reservation) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			err := s.retry.Do(ctx, func(ctx context.Context) error {
				return s.reminder.Remind(ctx, r)
			})
			if err != nil {
				s.logger.Error("リマインドの送信に失敗しました",
					slog.String("reservation_id", r.ID),
					slog.String("user_id", r.UserID),
					slog.String("error", err.Error()),
				)
				return
			}
			sent.Add(1)
		}(res)
	}

	wg.Wait()

	duration := s.now().Sub(start)
	s.metrics.RecordJobRun(jobName, int(sent.Load()), duration)
	s.logger.Info("リマインドサイクルが完了しました",
		slog.Int("reservation_count", len(due)),
		slog.Int64("sent_count", sent.Load()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return int(sent.Load()), nil
}
