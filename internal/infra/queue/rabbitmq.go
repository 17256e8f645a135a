package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"autoposter/internal/domain"
	"autoposter/internal/infra/metrics"
)

// RabbitProcessQueue доставляет задачи внепланового прогона через AMQP.
type RabbitProcessQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	deliverCh <-chan amqp.Delivery
}

// NewRabbitProcessQueue подключается к RabbitMQ и объявляет очередь.
func NewRabbitProcessQueue(amqpURL, queue string) (*RabbitProcessQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	return &RabbitProcessQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitProcessQueue) Enqueue(ctx context.Context, job domain.ProcessJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RabbitProcessQueue) Pop(ctx context.Context) (domain.ProcessJob, error) {
	if q.deliverCh == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.ProcessJob{}, fmt.Errorf("consume: %w", err)
		}
		q.deliverCh = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return domain.ProcessJob{}, ctx.Err()
		case delivery, ok := <-q.deliverCh:
			if !ok {
				return domain.ProcessJob{}, errors.New("amqp: канал доставки закрыт")
			}
			var job domain.ProcessJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				// Нечитаемое сообщение не возвращаем в очередь.
				_ = delivery.Nack(false, false)
				continue
			}
			_ = delivery.Ack(false)
			return job, nil
		}
	}
}

// Close закрывает соединение.
func (q *RabbitProcessQueue) Close() error {
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
