package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/rabbitmq/channel"
)

const (
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

// NewRabbitMqConnection dials url, retrying a few times while the broker comes up.
func NewRabbitMqConnection(url string) (*amqp.Connection, error) {
	log := logger.NewNamedLogger("rabbitmq")

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			log.Info("Connected to RabbitMQ")
			return conn, nil
		}
		lastErr = err
		log.Warnf("Failed to connect to RabbitMQ [Attempt: %d/%d]: %s", attempt, dialAttempts, err)
		time.Sleep(dialBackoff * time.Duration(attempt))
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", lastErr)
}

func NewRabbitMQChannel(conn *amqp.Connection) (channel.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return channel.NewAmqpChannel(ch), nil
}
