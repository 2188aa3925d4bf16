package reminder

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("2回目で成功", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("temporary")
			}
			return nil
		})
		if err != nil || calls != 2 {
			t.Errorf("err = %v, calls = %d, want nil / 2", err, calls)
		}
	})

	t.Run("上限まで失敗すると最後のエラーを返す", func(t *testing.T) {
		calls := 0
		last := errors.New("still failing")
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return last
		})
		if !errors.Is(err, last) || calls != 3 {
			t.Errorf("err = %v, calls = %d, want last / 3", err, calls)
		}
	})

	t.Run("キャンセル済みのコンテキストでは待機しない", func(t *testing.T) {
		slow := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := slow.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("fail")
		})
		if err == nil || calls != 1 {
			t.Errorf("err = %v, calls = %d, want error / 1", err, calls)
		}
	})

	t.Run("MaxAttemptsが0でも1回は実行する", func(t *testing.T) {
		calls := 0
		_ = RetryPolicy{}.Do(context.Background(), func(context.Context) error {
			calls++
			return errors.New("fail")
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}
