package reminder

import (
	"context"
	"time"
)

// RetryPolicy は1件の送信に対するリトライと指数バックオフの設定。
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy は最大3回、初回200ms、最大2秒のポリシーを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Backoff は失敗回数に基づいて次の試行までの遅延を計算する。
// 初回InitialBackoff、2倍ずつ増加、最大MaxBackoff。
func (p RetryPolicy) Backoff(failures int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// Do はfnが成功するかMaxAttemptsに達するまで実行し、最後のエラーを返す。
// 待機中にコンテキストがキャンセルされた場合はその時点で打ち切る。
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
