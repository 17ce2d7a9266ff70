package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meridianware/lib-outbox/backoff"
	"github.com/meridianware/lib-outbox/circuitbreaker"
	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/opentelemetry"
	"github.com/meridianware/lib-outbox/outbox"
)

var (
	ErrChannelRequired  = errors.New("rabbitmq channel is required")
	ErrBreakersRequired = errors.New("circuit breaker manager is required")
	ErrRecordRequired   = errors.New("outbox record is required")

	// ErrCircuitOpen reports a publish rejected without a network attempt
	// because the breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen
)

// ContentTypeEncrypted marks bodies produced by the codec pipeline.
const ContentTypeEncrypted = "application/octet-stream"

// Message header keys shared by producer and consumer.
const (
	HeaderType          = "type"
	HeaderCorrelationID = "correlationId"
	HeaderTimestampMS   = "timestampMs"
)

const (
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 2 * time.Second
	defaultBreakerName        = "rabbitmq-publisher"
	defaultBreakerFailures    = 2
	defaultBreakerCooldown    = time.Minute
	defaultExchangeKind       = "direct"
)

// PublisherChannel is the channel surface the publisher needs. *amqp.Channel
// satisfies it.
type PublisherChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// PublisherConfig holds topology and resilience settings.
type PublisherConfig struct {
	Exchange     string
	ExchangeKind string
	Queue        string
	RoutingKey   string

	// MaxAttempts bounds publish attempts per record; RetryBackoff is the
	// base delay, doubling per attempt.
	MaxAttempts  int
	RetryBackoff time.Duration

	// BreakerName keys the breaker in the manager. ConsecutiveFailures
	// opens it; Cooldown is how long it stays open before probing.
	BreakerName         string
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

func (cfg *PublisherConfig) normalize() {
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = defaultExchangeKind
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultPublishMaxAttempts
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultPublishBackoff
	}

	if cfg.BreakerName == "" {
		cfg.BreakerName = defaultBreakerName
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaultBreakerFailures
	}

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}
}

// Publisher pushes encoded outbox records to the broker with retry and
// circuit breaking, declaring topology lazily and caching what it has
// already declared.
type Publisher struct {
	channel  PublisherChannel
	breakers circuitbreaker.Manager
	logger   log.Logger
	tracer   trace.Tracer
	cfg      PublisherConfig

	declaredMu sync.Mutex
	declared   map[string]struct{}
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher over the given channel. The breaker is
// created eagerly so the first publish already runs through it.
func NewPublisher(
	channel PublisherChannel,
	breakers circuitbreaker.Manager,
	logger log.Logger,
	tracer trace.Tracer,
	cfg PublisherConfig,
) (*Publisher, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Interface(breakers) {
		return nil, ErrBreakersRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("liboutbox.noop")
	}

	cfg.normalize()

	publisher := &Publisher{
		channel:  channel,
		breakers: breakers,
		logger:   logger,
		tracer:   tracer,
		cfg:      cfg,
		declared: make(map[string]struct{}),
	}

	publisher.breakers.GetOrCreate(cfg.BreakerName, circuitbreaker.Config{
		MaxRequests:         1,
		Timeout:             cfg.Cooldown,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
	})

	return publisher, nil
}

// Publish sends one encoded record. Up to MaxAttempts attempts are made
// with exponential backoff between them; every attempt goes through the
// circuit breaker, so an open breaker fails fast without touching the
// network and without burning the remaining attempts.
func (publisher *Publisher) Publish(ctx context.Context, record *outbox.Record, body []byte) error {
	if publisher == nil {
		return ErrChannelRequired
	}

	if record == nil {
		return ErrRecordRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := publisher.tracer.Start(ctx, "rabbitmq.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.message.id", record.ID.String()),
		attribute.String("messaging.message.type", record.EventType),
	)

	if err := publisher.ensureTopology(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "failed to declare topology", err)

		return err
	}

	msg := publisher.buildMessage(record, body)

	var lastErr error

	for attempt := 0; attempt < publisher.cfg.MaxAttempts; attempt++ {
		_, err := publisher.breakers.Execute(publisher.cfg.BreakerName, func() (any, error) {
			return nil, publisher.channel.PublishWithContext(
				ctx,
				publisher.cfg.Exchange,
				publisher.cfg.RoutingKey,
				false,
				false,
				msg,
			)
		})
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d: %w", attempt+1, publisher.cfg.MaxAttempts, err)

		if circuitbreaker.IsOpen(err) {
			opentelemetry.HandleSpanError(span, "circuit breaker open", err)

			return lastErr
		}

		publisher.logger.Log(ctx, log.LevelWarn, "rabbitmq publish attempt failed",
			log.String("record_id", record.ID.String()),
			log.Int("attempt", attempt+1),
			log.String("error", outbox.SanitizeErrorMessage(err.Error())),
		)

		if attempt == publisher.cfg.MaxAttempts-1 {
			break
		}

		delay := backoff.Exponential(publisher.cfg.RetryBackoff, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)

			break
		}
	}

	opentelemetry.HandleSpanError(span, "publish failed", lastErr)

	return lastErr
}

func (publisher *Publisher) buildMessage(record *outbox.Record, body []byte) amqp.Publishing {
	now := time.Now().UTC()
	correlationID := uuid.NewString()

	return amqp.Publishing{
		ContentType:   ContentTypeEncrypted,
		DeliveryMode:  amqp.Persistent,
		MessageId:     record.ID.String(),
		CorrelationId: correlationID,
		Timestamp:     now,
		Body:          body,
		Headers: amqp.Table{
			HeaderType:          record.EventType,
			HeaderCorrelationID: correlationID,
			HeaderTimestampMS:   now.UnixMilli(),
		},
	}
}

// ensureTopology declares the exchange, queue and binding once per process.
// Declarations are idempotent on the broker; the cache only saves the
// round-trip on the steady-state path.
func (publisher *Publisher) ensureTopology(ctx context.Context) error {
	key := publisher.cfg.Exchange + "|" + publisher.cfg.Queue + "|" + publisher.cfg.RoutingKey

	publisher.declaredMu.Lock()
	defer publisher.declaredMu.Unlock()

	if _, exists := publisher.declared[key]; exists {
		return nil
	}

	if publisher.cfg.Exchange != "" {
		if err := publisher.channel.ExchangeDeclare(
			publisher.cfg.Exchange,
			publisher.cfg.ExchangeKind,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declaring exchange %q: %w", publisher.cfg.Exchange, err)
		}
	}

	if publisher.cfg.Queue != "" {
		if _, err := publisher.channel.QueueDeclare(
			publisher.cfg.Queue,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declaring queue %q: %w", publisher.cfg.Queue, err)
		}

		if publisher.cfg.Exchange != "" {
			if err := publisher.channel.QueueBind(
				publisher.cfg.Queue,
				publisher.cfg.RoutingKey,
				publisher.cfg.Exchange,
				false,
				nil,
			); err != nil {
				return fmt.Errorf("binding queue %q: %w", publisher.cfg.Queue, err)
			}
		}
	}

	publisher.declared[key] = struct{}{}

	publisher.logger.Log(ctx, log.LevelDebug, "rabbitmq topology declared",
		log.String("exchange", publisher.cfg.Exchange),
		log.String("queue", publisher.cfg.Queue),
	)

	return nil
}
