// Package sensor は駐車スロットの在車センサーが送るメッセージをSQSから受信し、スロットの在車状態に反映する。
package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/model"
	"github.com/hitoshi/parkride/internal/parking"
)

const (
	maxMessages       = 10
	waitTimeSeconds   = 20
	visibilityTimeout = 60
	// receiveRetryDelay は受信エラー後に再試行するまでの待機時間。
	receiveRetryDelay = 5 * time.Second
)

// 処理結果のメトリクスラベル
const (
	outcomeApplied     = "applied"
	outcomeInvalid     = "invalid"
	outcomeUnknownSlot = "unknown_slot"
	outcomeError       = "error"
)

// Reading はセンサーメッセージの本文。
type Reading struct {
	SlotNumber string    `json:"slotNumber"`
	Occupied   bool      `json:"occupied"`
	ObservedAt time.Time `json:"observedAt"`
}

// Client はConsumerが使うSQS APIのサブセット。*sqs.Clientが満たす。
type Client interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Applier はセンサーの読み取り値をスロットに反映する。*parking.Serviceが満たす。
type Applier interface {
	ApplySensorReading(ctx context.Context, slotNumber string, occupied bool, at time.Time) (*model.ParkingSlot, error)
}

// Consumer はSQSキューをロングポーリングしてセンサーメッセージを処理する。
type Consumer struct {
	client   Client
	queueURL string
	applier  Applier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewSQSClient はデフォルトの認証情報チェーンでSQSクライアントを生成する。
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// NewConsumer はConsumerを生成する。
func NewConsumer(client Client, queueURL string, applier Applier, m metrics.MetricsCollector, logger *slog.Logger) *Consumer {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		applier:  applier,
		metrics:  m,
		logger:   logger,
	}
}

// Run はctxがキャンセルされるまでメッセージを受信し続ける。
// 受信エラーは待機して再試行する。
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("sensor consumer started", slog.String("queue_url", c.queueURL))
	for {
		if ctx.Err() != nil {
			c.logger.Info("sensor consumer stopped")
			return
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: maxMessages,
			WaitTimeSeconds:     waitTimeSeconds,
			VisibilityTimeout:   visibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("センサーメッセージの受信に失敗しました", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		for _, msg := range out.Messages {
			c.Process(ctx, msg)
		}
	}
}

// Process は1件のメッセージを処理する。
// 本文が不正なメッセージと存在しないスロット宛てのメッセージは削除し、
// それ以外の処理エラーは可視性タイムアウト後の再配送に任せる。
func (c *Consumer) Process(ctx context.Context, msg types.Message) {
	messageID := aws.ToString(msg.MessageId)

	reading, err := decodeReading(aws.ToString(msg.Body))
	if err != nil {
		c.logger.Warn("不正なセンサーメッセージを破棄します",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordSensorUpdate(outcomeInvalid)
		c.delete(ctx, msg)
		return
	}

	_, err = c.applier.ApplySensorReading(ctx, reading.SlotNumber, reading.Occupied, reading.ObservedAt)
	switch {
	case errors.Is(err, parking.ErrUnknownSlot):
		c.logger.Warn("unknown slot number in sensor message",
			slog.String("message_id", messageID),
			slog.String("slot_number", reading.SlotNumber),
		)
		c.metrics.RecordSensorUpdate(outcomeUnknownSlot)
		c.delete(ctx, msg)
	case err != nil:
		c.logger.Error("センサーメッセージの処理に失敗しました。再配送を待ちます",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		c.metrics.RecordSensorUpdate(outcomeError)
	default:
		c.logger.Debug("sensor reading applied",
			slog.String("slot_number", reading.SlotNumber),
			slog.Bool("occupied", reading.Occupied),
		)
		c.metrics.RecordSensorUpdate(outcomeApplied)
		c.delete(ctx, msg)
	}
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	if msg.ReceiptHandle == nil {
		return
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete sensor message",
			slog.String("message_id", aws.ToString(msg.MessageId)),
			slog.String("error", err.Error()),
		)
	}
}

func decodeReading(body string) (Reading, error) {
	var r Reading
	if strings.TrimSpace(body) == "" {
		return r, errors.New("empty body")
	}
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return r, fmt.Errorf("invalid json: %w", err)
	}
	r.SlotNumber = strings.TrimSpace(r.SlotNumber)
	if r.SlotNumber == "" {
		return r, errors.New("slotNumber is required")
	}
	return r, nil
}
