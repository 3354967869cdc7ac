package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const tracerName = "github.com/rl1809/stock-reservation/internal/adapter/queue"

const maxFetchBackoff = 10 * time.Second

// messageReader is the part of *kafka.Reader the consume loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	WriteTimeout time.Duration
}

// KafkaQueue publishes reservations keyed by inventory id. The hash balancer
// maps a key to a fixed partition and the consumer group gives each partition
// to a single reader, which yields per-key FIFO.
type KafkaQueue struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	retry  RetryPolicy
	logger *zap.Logger
	tracer trace.Tracer
}

func NewKafkaQueue(cfg KafkaConfig, retry RetryPolicy, logger *zap.Logger) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		// one message per checkout, waiting for a batch only adds latency
		BatchTimeout: time.Millisecond,
	}
	return &KafkaQueue{
		writer: writer,
		cfg:    cfg,
		retry:  retry,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

func (q *KafkaQueue) Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error {
	ctx, span := q.tracer.Start(ctx, "KafkaQueue.Publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", q.cfg.Topic),
			attribute.String("order.id", req.OrderID),
		))
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode reservation %s: %w", req.OrderID, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for key, value := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := kafka.Message{
		Key:     []byte(partitionKey),
		Value:   payload,
		Headers: headers,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish reservation %s: %v: %w", req.OrderID, err, domain.ErrQueueUnavailable)
	}
	return nil
}

// Subscribe joins the consumer group and handles messages of the assigned
// partitions in order. Offsets are committed after the handler is done with
// a message, so a crash redelivers it.
func (q *KafkaQueue) Subscribe(ctx context.Context, handler port.ReservationHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.cfg.Brokers,
		GroupID:        q.cfg.GroupID,
		Topic:          q.cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	defer reader.Close()

	q.logger.Info("kafka consumer started",
		zap.String("topic", q.cfg.Topic),
		zap.String("group_id", q.cfg.GroupID),
	)
	return q.consume(ctx, reader, handler)
}

// consume runs until ctx is done. Fetch errors are logged and retried with a
// growing backoff, so a broker outage never stops the consumer.
func (q *KafkaQueue) consume(ctx context.Context, reader messageReader, handler port.ReservationHandler) error {
	initial := q.retry.Backoff
	if initial <= 0 {
		initial = DefaultRetryPolicy().Backoff
	}
	backoff := initial

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("failed to fetch message, retrying",
				zap.Duration("backoff", backoff), zap.Error(err))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = initial

		if !q.handle(ctx, msg, handler) {
			return ctx.Err()
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("failed to commit offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (q *KafkaQueue) handle(ctx context.Context, msg kafka.Message, handler port.ReservationHandler) bool {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[header.Key] = string(header.Value)
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	msgCtx, span := q.tracer.Start(msgCtx, "KafkaQueue.Consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	var req domain.ReservationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		q.logger.Error("skipping undecodable reservation",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return true
	}

	return deliver(msgCtx, handler, req, q.retry, q.logger.With(zap.Int("partition", msg.Partition)))
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
