package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/parkride/internal/metrics"
)

// LocalBus はプロセス内でイベントを同期的に配送するバス。
// AMQP_URL未設定時のserveで使用する。
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
	metrics  metrics.MetricsCollector
}

// NewLocalBus はLocalBusを生成する。mがnilの場合は記録しない。
func NewLocalBus(m metrics.MetricsCollector) *LocalBus {
	if m == nil {
		m = metrics.Nop{}
	}
	return &LocalBus{metrics: m}
}

// Subscribe は全イベントを受け取るハンドラーを登録する。
func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish は登録済みハンドラーへ順に配送する。
// ハンドラー内からの再発行を許すため、配送中はロックを保持しない。
// ハンドラーのエラーはログに記録し、後続のハンドラーへの配送は継続する。
func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.metrics.RecordEventPublished(e.Type)
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			slog.Error("イベントハンドラーの処理に失敗しました",
				slog.String("event_type", e.Type),
				slog.String("event_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// compile-time interface check
var _ Publisher = (*LocalBus)(nil)
