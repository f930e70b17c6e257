package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const retryCountHeader = "x-retry-count"

// Ack decisions, also used as metric labels.
const (
	DecisionAck        = "ack"
	DecisionRetry      = "retry"
	DecisionDeadLetter = "dead_letter"
	DecisionRequeue    = "requeue"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Handler func(ctx context.Context, msg JobMessage) error

type Recorder interface {
	JobConsumed(decision string)
}

type ConsumerOptions struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	channelPublisher
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type Consumer struct {
	ch       Channel
	queues   Queues
	opts     ConsumerOptions
	handler  Handler
	recorder Recorder
	logger   zerolog.Logger
}

func NewConsumer(ch Channel, queue string, opts ConsumerOptions, h Handler) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &Consumer{ch: ch, queues: QueuesFor(queue), opts: opts, handler: h, logger: log.Logger}
}

func (c *Consumer) WithRecorder(r Recorder) *Consumer {
	c.recorder = r
	return c
}

func (c *Consumer) WithLogger(l zerolog.Logger) *Consumer {
	c.logger = l
	return c
}

// Run consumes until ctx is cancelled or the delivery channel closes, then
// waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.opts.Concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info().Str("queue", c.queues.Main).Int("concurrency", c.opts.Concurrency).Msg("consumer started")

	// worker pool
	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				c.Handle(ctx, d)
			}
		}()
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// Handle runs the handler for one delivery and settles it. Malformed messages
// and permanent errors are dead-lettered; other errors are retried through the
// retry queue up to MaxRetries times.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) string {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.validate() != nil {
		c.logger.Warn().Err(err).Bytes("body", d.Body).Msg("bad job message")
		return c.settle(d, DecisionDeadLetter)
	}

	lg := c.logger.With().Str("job_id", m.JobID).Uint64("user_id", m.UserID).Str("target_date", m.TargetDate).Logger()
	start := time.Now()
	err := c.handler(ctx, m)
	if err == nil {
		lg.Info().Dur("took", time.Since(start)).Msg("job done")
		return c.settle(d, DecisionAck)
	}

	retries := retryCount(d.Headers)
	if IsPermanent(err) || retries >= c.opts.MaxRetries {
		lg.Error().Err(err).Int("retries", retries).Msg("job failed, dead-lettering")
		return c.settle(d, DecisionDeadLetter)
	}

	headers := amqp.Table{retryCountHeader: int32(retries + 1)}
	expiration := strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10)
	if perr := publish(context.WithoutCancel(ctx), c.ch, c.queues.Retry, m, headers, expiration); perr != nil {
		lg.Error().Err(perr).Msg("republish for retry failed, requeueing")
		return c.settle(d, DecisionRequeue)
	}
	lg.Warn().Err(err).Int("retry", retries+1).Msg("job failed, scheduled retry")
	return c.settle(d, DecisionRetry)
}

func (c *Consumer) settle(d amqp.Delivery, decision string) string {
	var err error
	switch decision {
	case DecisionAck, DecisionRetry:
		err = d.Ack(false)
	case DecisionDeadLetter:
		err = d.Nack(false, false)
	case DecisionRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("decision", decision).Msg("settle delivery failed")
	}
	if c.recorder != nil {
		c.recorder.JobConsumed(decision)
	}
	return decision
}

func retryCount(h amqp.Table) int {
	switch v := h[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
