package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/parkride/internal/metrics"
)

const (
	// initialDialBackoff は接続リトライの初回待機時間。
	initialDialBackoff = time.Second
	// maxDialBackoff は接続リトライの最大待機時間。
	maxDialBackoff = 30 * time.Second
	// defaultDialAttempts は接続試行回数の既定値。
	defaultDialAttempts = 6
	// consumerPrefetch はコンシューマーの未ACK配送の上限。
	consumerPrefetch = 16
)

// NotificationQueue はworkerが通知作成のために購読する共有キュー名。
const NotificationQueue = "parkride.notifications"

// CalculateDialBackoff は失敗回数に基づいて指数バックオフ待機時間を計算する。
// 初回1秒、2倍ずつ増加、最大30秒。
func CalculateDialBackoff(failures int) time.Duration {
	delay := initialDialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxDialBackoff {
			return maxDialBackoff
		}
	}
	return delay
}

// QueueOptions はConsumeで宣言するキューの設定。
type QueueOptions struct {
	// Name が空の場合はサーバー生成名の排他キューになる。
	Name      string
	Durable   bool
	Exclusive bool
	// BindingKeys はトピックエクスチェンジへのバインディングキー。
	BindingKeys []string
}

// SharedQueue は複数プロセスで負荷分散する永続キューの設定を返す。
func SharedQueue(name string, keys ...string) QueueOptions {
	return QueueOptions{Name: name, Durable: true, BindingKeys: keys}
}

// ExclusiveQueue はプロセス専用の一時キューの設定を返す。全インスタンスへのファンアウトに使う。
func ExclusiveQueue(keys ...string) QueueOptions {
	return QueueOptions{Exclusive: true, BindingKeys: keys}
}

// publishChannel は発行に使う*amqp.Channelのメソッド。
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPBus はRabbitMQのトピックエクスチェンジを介してイベントを配送する。
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	// amqp.Channelは並行Publishに対応しないため直列化する
	mu    sync.Mutex
	pubCh publishChannel
}

// DialAMQP はRabbitMQに接続し、エクスチェンジを宣言したAMQPBusを返す。
// 接続失敗時は指数バックオフでリトライする。
func DialAMQP(ctx context.Context, url, exchange string, logger *slog.Logger, m metrics.MetricsCollector) (*AMQPBus, error) {
	if m == nil {
		m = metrics.Nop{}
	}

	var conn *amqp.Connection
	var err error
	for attempt := 0; attempt < defaultDialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		wait := CalculateDialBackoff(attempt)
		logger.Warn("RabbitMQへの接続に失敗しました。リトライします",
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", defaultDialAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.Info("RabbitMQに接続しました", slog.String("exchange", exchange))

	return &AMQPBus{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
		metrics:  m,
		pubCh:    ch,
	}, nil
}

// Publish はイベント種別をルーティングキーとしてエクスチェンジに発行する。
func (b *AMQPBus) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.mu.Lock()
	err = b.pubCh.PublishWithContext(ctx,
		b.exchange,
		e.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Type:         e.Type,
			Timestamp:    e.OccurredAt,
			Body:         body,
		},
	)
	b.mu.Unlock()

	if err != nil {
		b.metrics.RecordEventFailure(e.Type)
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	b.metrics.RecordEventPublished(e.Type)
	return nil
}

// Consume はキューを宣言してバインドし、ctxがキャンセルされるまで配送をhに渡す。
// hがエラーを返した配送は1回だけ再キューし、再配送でも失敗した場合は破棄する。
func (b *AMQPBus) Consume(ctx context.Context, q QueueOptions, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	queue, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		!q.Durable, // delete when unused
		q.Exclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
	}

	for _, key := range q.BindingKeys {
		if err := ch.QueueBind(queue.Name, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", queue.Name, key, err)
		}
	}

	deliveries, err := ch.Consume(queue.Name, "", false, q.Exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", queue.Name, err)
	}

	b.logger.Info("イベントの購読を開始しました",
		slog.String("queue", queue.Name),
		slog.Any("binding_keys", q.BindingKeys),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			b.handleDelivery(ctx, d, h)
		}
	}
}

func (b *AMQPBus) handleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	var e Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		b.logger.Error("イベントのデコードに失敗したため破棄します",
			slog.String("routing_key", d.RoutingKey),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
		return
	}

	if err := h(ctx, e); err != nil {
		requeue := !d.Redelivered
		b.logger.Error("イベントの処理に失敗しました",
			slog.String("event_type", e.Type),
			slog.String("event_id", e.ID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// Close はチャネルと接続を閉じる。
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// compile-time interface check
var _ Publisher = (*AMQPBus)(nil)
