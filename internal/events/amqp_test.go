package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/parkride/internal/metrics"
)

// --- モック ---

type ackCall struct {
	ack     bool
	requeue bool
}

// mockAcknowledger はamqp.Deliveryに渡すAcknowledger。
type mockAcknowledger struct {
	calls []ackCall
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.calls = append(m.calls, ackCall{ack: true})
	return nil
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.calls = append(m.calls, ackCall{requeue: requeue})
	return nil
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.calls = append(m.calls, ackCall{requeue: requeue})
	return nil
}

type mockPublishChannel struct {
	publishFn func(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	closed    bool
}

func (m *mockPublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.publishFn(ctx, exchange, key, msg)
}

func (m *mockPublishChannel) Close() error {
	m.closed = true
	return nil
}

type recordingMetrics struct {
	metrics.Nop
	published []string
	failed    []string
}

func (r *recordingMetrics) RecordEventPublished(t string) { r.published = append(r.published, t) }
func (r *recordingMetrics) RecordEventFailure(t string)   { r.failed = append(r.failed, t) }

func newTestAMQPBus(ch publishChannel, m metrics.MetricsCollector) *AMQPBus {
	return &AMQPBus{
		exchange: "parkride.events",
		logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		metrics:  m,
		pubCh:    ch,
	}
}

// --- 配送処理 ---

func TestAMQPBus_HandleDelivery(t *testing.T) {
	e, _ := New(TypeSlotUpdated, "user-1", SlotPayload{SlotID: "s1", SlotNumber: "A-1"})
	body, _ := json.Marshal(e)

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		wantCalled  bool
		want        ackCall
	}{
		{"成功はACK", body, false, nil, true, ackCall{ack: true}},
		{"初回の失敗は再キュー", body, false, errors.New("db down"), true, ackCall{requeue: true}},
		{"再配送での失敗は破棄", body, true, errors.New("db down"), true, ackCall{requeue: false}},
		{"デコードできない配送は破棄", []byte("{not json"), false, nil, false, ackCall{requeue: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newTestAMQPBus(nil, metrics.Nop{})
			acker := &mockAcknowledger{}
			d := amqp.Delivery{
				Acknowledger: acker,
				DeliveryTag:  1,
				RoutingKey:   TypeSlotUpdated,
				Redelivered:  tt.redelivered,
				Body:         tt.body,
			}

			called := false
			bus.handleDelivery(context.Background(), d, func(_ context.Context, got Event) error {
				called = true
				if got.ID != e.ID || got.Type != TypeSlotUpdated || got.UserID != "user-1" {
					t.Errorf("decoded event = %+v", got)
				}
				return tt.handlerErr
			})

			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if len(acker.calls) != 1 {
				t.Fatalf("ack calls = %+v, want exactly one", acker.calls)
			}
			if acker.calls[0] != tt.want {
				t.Errorf("ack call = %+v, want %+v", acker.calls[0], tt.want)
			}
		})
	}
}

// --- 発行 ---

func TestAMQPBus_Publish(t *testing.T) {
	var gotExchange, gotKey string
	var gotMsg amqp.Publishing
	ch := &mockPublishChannel{
		publishFn: func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
			gotExchange, gotKey, gotMsg = exchange, key, msg
			return nil
		},
	}
	rec := &recordingMetrics{}
	bus := newTestAMQPBus(ch, rec)

	e, _ := New(TypeRideBooked, "user-1", RidePayload{RideID: "r1"})
	if err := bus.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if gotExchange != "parkride.events" || gotKey != TypeRideBooked {
		t.Errorf("exchange/key = %s/%s", gotExchange, gotKey)
	}
	if gotMsg.ContentType != "application/json" || gotMsg.DeliveryMode != amqp.Persistent {
		t.Errorf("message properties = %+v", gotMsg)
	}
	if gotMsg.MessageId != e.ID || gotMsg.Type != TypeRideBooked {
		t.Errorf("MessageId/Type = %s/%s", gotMsg.MessageId, gotMsg.Type)
	}
	var decoded Event
	if err := json.Unmarshal(gotMsg.Body, &decoded); err != nil || decoded.ID != e.ID {
		t.Errorf("body = %s, err = %v", gotMsg.Body, err)
	}
	if len(rec.published) != 1 || rec.published[0] != TypeRideBooked || len(rec.failed) != 0 {
		t.Errorf("metrics published=%v failed=%v", rec.published, rec.failed)
	}

	if err := bus.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if !ch.closed {
		t.Error("publish channel should be closed")
	}
}

func TestAMQPBus_Publish_ChannelError(t *testing.T) {
	ch := &mockPublishChannel{
		publishFn: func(context.Context, string, string, amqp.Publishing) error {
			return amqp.ErrClosed
		},
	}
	rec := &recordingMetrics{}
	bus := newTestAMQPBus(ch, rec)

	e, _ := New(TypePaymentRefunded, "user-1", PaymentPayload{PaymentID: "p1"})
	err := bus.Publish(context.Background(), e)
	if !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("Publish() error = %v, want wrapped amqp.ErrClosed", err)
	}
	if len(rec.failed) != 1 || len(rec.published) != 0 {
		t.Errorf("metrics published=%v failed=%v", rec.published, rec.failed)
	}
}

// --- 結合テスト ---

// TestAMQPBus_RoundTrip は実際のRabbitMQに対して発行と購読を検証する。
// 環境変数 TEST_AMQP_URL が設定されていない場合はスキップする。
func TestAMQPBus_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	bus, err := DialAMQP(ctx, url, "parkride.test.events", logger, nil)
	if err != nil {
		t.Fatalf("DialAMQP() error: %v", err)
	}
	defer bus.Close()

	received := make(chan Event, 1)
	var once sync.Once
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = bus.Consume(consumeCtx, ExclusiveQueue(TypeSlotUpdated), func(_ context.Context, e Event) error {
			once.Do(func() { received <- e })
			return nil
		})
	}()

	e, _ := New(TypeSlotUpdated, "user-1", SlotPayload{SlotID: "s1"})
	// キューのバインド完了を待たずに発行すると取りこぼすため、受信するまで再発行する
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := bus.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
		select {
		case got := <-received:
			if got.ID != e.ID {
				t.Errorf("received event %s, want %s", got.ID, e.ID)
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}
}
