package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/rabbitmq/channel"
)

// Lifecycle event types.
const (
	TypeInstanceCreated   = "instance.created"
	TypeInstanceStarted   = "instance.started"
	TypeInstanceStopped   = "instance.stopped"
	TypeInstanceUpdated   = "instance.updated"
	TypeInstanceSubmitted = "instance.submitted"
	TypeInstanceReset     = "instance.reset"
	TypeInstanceRemoved   = "instance.removed"
	TypeTemplateBuilt     = "template.built"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	InstanceID int64     `json:"instance_id,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`
	Template   string    `json:"template,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

type amqpPublisher struct {
	logger    *zap.SugaredLogger
	channel   channel.Channel
	queueName string
}

// NewPublisher declares queueName and returns a Publisher sending JSON events to it.
func NewPublisher(ch channel.Channel, queueName string) (Publisher, error) {
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &amqpPublisher{
		logger:    logger.NewNamedLogger("events"),
		channel:   ch,
		queueName: queueName,
	}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.channel.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.Timestamp,
		Body:         body,
	})
	if err != nil {
		p.logger.Errorf("Failed to publish event [Type: %s, EventID: %s]: %s", event.Type, event.ID, err)
		return err
	}

	p.logger.Debugf("Published event [Type: %s, EventID: %s]", event.Type, event.ID)
	return nil
}
