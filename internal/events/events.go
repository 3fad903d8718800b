// Package events exports domain events to the notification collaborators
// over AMQP. When no broker is configured the exporter degrades to a
// publisher that only logs.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/observ"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys.
const (
	ProposalCreated  = "matching.proposal.created"
	ProposalMatched  = "matching.proposal.matched"
	ProposalRejected = "matching.proposal.rejected"
	ProposalExpired  = "matching.proposal.expired"
	PoolExpired      = "matching.pool.expired"
	InvitationJoined = "chat.invitation.joined"
	RoomCreated      = "chat.room.created"
)

const (
	serviceName    = "studyhub"
	publishTimeout = 3 * time.Second
)

// Envelope wraps every exported event.
type Envelope struct {
	EventType  string    `json:"event_type"`
	Service    string    `json:"service"`
	InstanceID string    `json:"instance_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Publisher delivers one event to the exchange under routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher dials amqpURL and declares a durable topic exchange. Any
// failure along the way yields a noop publisher; the reason is logged.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) Publisher {
	logger = logger.Named("events")
	if amqpURL == "" {
		logger.Info("amqp disabled, using noop publisher", zap.String("reason", "empty amqp url"))
		return noopPublisher{logger: logger}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("amqp disabled, using noop publisher", zap.Error(err))
		return noopPublisher{logger: logger}
	}
	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("amqp disabled, using noop publisher", zap.Error(err))
		_ = conn.Close()
		return noopPublisher{logger: logger}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		logger.Warn("amqp disabled, using noop publisher", zap.Error(err))
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{logger: logger}
	}

	logger.Info("amqp connected", zap.String("exchange", exchange))
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	logger *zap.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	if env, ok := event.(Envelope); ok {
		p.logger.Debug("noop publish", zap.String("routing_key", routingKey), zap.String("event_type", env.EventType))
		return nil
	}
	p.logger.Debug("noop publish", zap.String("routing_key", routingKey))
	return nil
}

func (noopPublisher) Close() error { return nil }

// Mode reports "amqp" or "noop" for startup logging.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// Exporter stamps events with an envelope and publishes them without
// failing the caller. The durable state is already committed by the time
// an event is exported.
type Exporter struct {
	pub        Publisher
	instanceID string
	clock      clock.Clock
	logger     *zap.Logger
}

func NewExporter(pub Publisher, instanceID string, clk clock.Clock, logger *zap.Logger) *Exporter {
	return &Exporter{pub: pub, instanceID: instanceID, clock: clk, logger: logger.Named("events")}
}

// Export publishes data under routingKey and logs any failure.
func (e *Exporter) Export(ctx context.Context, routingKey string, data any) {
	if e == nil || e.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	env := Envelope{
		EventType:  routingKey,
		Service:    serviceName,
		InstanceID: e.instanceID,
		OccurredAt: e.clock.Now(),
		Data:       data,
	}
	if err := e.pub.Publish(ctx, routingKey, env); err != nil {
		observ.IncAMQPPublishError()
		e.logger.Warn("export event failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
