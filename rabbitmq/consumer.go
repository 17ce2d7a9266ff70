package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meridianware/lib-outbox/codec"
	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/opentelemetry"
	"github.com/meridianware/lib-outbox/outbox"
)

var (
	ErrPipelineRequired  = errors.New("codec pipeline is required")
	ErrDecodersRequired  = errors.New("decoder registry is required")
	ErrHandlersRequired  = errors.New("handler registry is required")
	ErrQueueRequired     = errors.New("queue name is required")
	ErrDeliveriesClosed  = errors.New("delivery channel closed by broker")
	ErrMissingTypeHeader = errors.New("delivery is missing the type header")
)

// ConsumerChannel is the channel surface the consumer needs. *amqp.Channel
// satisfies it.
type ConsumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Consumer subscribes to one queue and turns deliveries back into domain
// events: decode the body through the codec pipeline, resolve the decoder
// by the type header, dispatch to the registered handlers.
//
// A successfully handled delivery is acked. Any failure nacks with requeue,
// so the broker redelivers; consumers handle duplicates by deduplicating on
// the event id.
type Consumer struct {
	channel  ConsumerChannel
	pipeline *codec.Pipeline
	decoders *outbox.DecoderRegistry
	handlers *outbox.HandlerRegistry
	logger   log.Logger
	tracer   trace.Tracer

	queue       string
	consumerTag string
}

// NewConsumer creates a consumer bound to a queue.
func NewConsumer(
	channel ConsumerChannel,
	pipeline *codec.Pipeline,
	decoders *outbox.DecoderRegistry,
	handlers *outbox.HandlerRegistry,
	queue string,
	logger log.Logger,
	tracer trace.Tracer,
) (*Consumer, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if pipeline == nil {
		return nil, ErrPipelineRequired
	}

	if decoders == nil {
		return nil, ErrDecodersRequired
	}

	if handlers == nil {
		return nil, ErrHandlersRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("liboutbox.noop")
	}

	return &Consumer{
		channel:     channel,
		pipeline:    pipeline,
		decoders:    decoders,
		handlers:    handlers,
		logger:      logger,
		tracer:      tracer,
		queue:       queue,
		consumerTag: "liboutbox-consumer",
	}, nil
}

// Run consumes deliveries one at a time until ctx is cancelled or the
// broker closes the delivery channel. The AMQP channel is closed on exit.
func (consumer *Consumer) Run(ctx context.Context) error {
	if consumer == nil {
		return ErrChannelRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	// Prefetch of one keeps handling strictly sequential on this channel.
	if err := consumer.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := consumer.channel.Consume(
		consumer.queue,
		consumer.consumerTag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("starting consume on %q: %w", consumer.queue, err)
	}

	defer consumer.channel.Close()

	consumer.logger.Log(ctx, log.LevelInfo, "rabbitmq consumer started",
		log.String("queue", consumer.queue),
	)

	for {
		select {
		case <-ctx.Done():
			consumer.logger.Log(context.Background(), log.LevelInfo, "rabbitmq consumer stopped")

			return nil
		case delivery, open := <-deliveries:
			if !open {
				return ErrDeliveriesClosed
			}

			consumer.handleDelivery(ctx, delivery)
		}
	}
}

func (consumer *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msgCtx, span := consumer.tracer.Start(ctx, "rabbitmq.consume")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.message.id", delivery.MessageId))

	if err := consumer.processDelivery(msgCtx, delivery); err != nil {
		opentelemetry.HandleSpanError(span, "delivery processing failed", err)
		consumer.logger.Log(msgCtx, log.LevelError, "delivery processing failed; requeueing",
			log.String("message_id", delivery.MessageId),
			log.String("error", outbox.SanitizeErrorMessage(err.Error())),
		)

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			consumer.logger.Log(msgCtx, log.LevelError, "failed to nack delivery",
				log.String("message_id", delivery.MessageId),
				log.String("error", outbox.SanitizeErrorMessage(nackErr.Error())),
			)
		}

		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		consumer.logger.Log(msgCtx, log.LevelError, "failed to ack delivery",
			log.String("message_id", delivery.MessageId),
			log.String("error", outbox.SanitizeErrorMessage(ackErr.Error())),
		)
	}
}

// processDelivery runs the reverse pipeline inside a panic guard so a
// panicking handler requeues the message instead of killing the loop.
func (consumer *Consumer) processDelivery(ctx context.Context, delivery amqp.Delivery) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	eventType, ok := delivery.Headers[HeaderType].(string)
	if !ok || eventType == "" {
		return ErrMissingTypeHeader
	}

	plaintext, err := consumer.pipeline.Decode(delivery.Body)
	if err != nil {
		return fmt.Errorf("decoding delivery body: %w", err)
	}

	evt, err := consumer.decoders.Decode(eventType, plaintext)
	if err != nil {
		return err
	}

	return consumer.handlers.Dispatch(ctx, evt)
}
