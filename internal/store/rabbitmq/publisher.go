package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage asks a worker to collect one user's day.
type JobMessage struct {
	JobID      string `json:"job_id"`
	UserID     uint64 `json:"user_id"`
	TargetDate string `json:"target_date"` // YYYY-MM-DD
}

func (m JobMessage) validate() error {
	if m.JobID == "" || m.UserID == 0 {
		return errors.New("job message requires job_id and user_id")
	}
	if _, err := time.Parse(time.DateOnly, m.TargetDate); err != nil {
		return fmt.Errorf("job message target_date: %w", err)
	}
	return nil
}

// Queues names the main queue and its retry and dead-letter companions.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

// Dial opens a connection and a channel with the job queues declared.
func Dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := DeclareQueues(ch, QueuesFor(queue)); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// DeclareQueues declares the DLQ, the retry queue (message TTL dead-letters
// back to main) and the main queue (reject dead-letters to the DLQ).
func DeclareQueues(ch *amqp.Channel, q Queues) error {
	if _, err := ch.QueueDeclare(
		q.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", q.DLQ, err)
	}

	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", q.Retry, err)
	}

	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", q.Main, err)
	}
	return nil
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := Dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: QueuesFor(queue)}, nil
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

func (p *Publisher) PublishJob(ctx context.Context, msg JobMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	return publish(ctx, p.ch, p.queues.Main, msg, nil, "")
}

// channelPublisher is the publishing half of *amqp.Channel.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func publish(ctx context.Context, ch channelPublisher, queue string, msg JobMessage, headers amqp.Table, expiration string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Headers:      headers,
			Expiration:   expiration,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
