package storage

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const RECONCILE_EXCHANGE = "reconcile"

func RabbitMQClient(ctx context.Context, username string, password string, address string, port int) (*amqp.Channel, *amqp.Connection, error) {
	uri := fmt.Sprintf("amqp://%s:%s@%s:%d/", username, password, address, port)
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("error establishing connection with rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("error openning channel for rabbitmq: %w", err)
	}
	return ch, conn, nil
}

// ReconcileQueue returns the queue/routing key consumed by the reconcilers of a region
func ReconcileQueue(region string) string {
	return fmt.Sprintf("reconcile-%s", region)
}

// DeclareReconcileQueue declares the reconcile topic exchange and binds the
// durable queue of region to it.
func DeclareReconcileQueue(ch *amqp.Channel, region string) (string, error) {
	err := ch.ExchangeDeclare(RECONCILE_EXCHANGE, "topic", true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("error declaring exchange for rabbitmq: %w", err)
	}
	queue := ReconcileQueue(region)
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("error declaring queue for rabbitmq: %w", err)
	}
	err = ch.QueueBind(queue, queue, RECONCILE_EXCHANGE, false, nil)
	if err != nil {
		return "", fmt.Errorf("error binding queue for rabbitmq: %w", err)
	}
	return queue, nil
}

// Publisher publishes json bodies on a single channel.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewPublisher(ch *amqp.Channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange}
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
