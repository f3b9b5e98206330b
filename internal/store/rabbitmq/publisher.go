package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TitleJob asks the worker to title a session from its first user message.
type TitleJob struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Attempt   int    `json:"attempt,omitempty"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu sync.Mutex // amqp channels are not safe for concurrent publishes
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology declares the main queue plus its retry and dead-letter
// queues. Publisher and worker must agree on it.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	})
	return err
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishTitleJob(ctx context.Context, sessionID, message string) error {
	body, err := json.Marshal(TitleJob{SessionID: sessionID, Message: message})
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, body, "")
}

// Retry parks job on the retry queue; it returns to the main queue after
// delay with its attempt counter bumped.
func (p *Publisher) Retry(ctx context.Context, job TitleJob, delay time.Duration) error {
	job.Attempt++
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue+".retry", body, formatTTL(delay))
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
		},
	)
}

func formatTTL(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	return strconv.FormatInt(ms, 10)
}
