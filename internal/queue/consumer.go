package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	// Ack settles the delivery: the chunk was finalized, already finalized,
	// or belongs to a job that can no longer progress.
	Ack Outcome = iota
	// Requeue returns the delivery for another attempt.
	Requeue
	// Reject drops a delivery that can never be processed.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is one decoded dispatch message.
type Delivery struct {
	Message         *batch.Message
	Queue           string
	Redelivered     bool
	TraceID         string // assigned by the consumer for this delivery
	DispatchTraceID string // trace id of the conductor invocation, if sent
}

// Handler processes one delivery. ctx carries the delivery trace id.
type Handler func(ctx context.Context, d *Delivery) Outcome

// Consumer reads dispatch messages from the queues of one account.
type Consumer struct {
	ch     Channel
	queues []string
	tag    string
	log    logger.Logger
}

// NewConsumer declares the queues and sets the per-consumer prefetch.
func NewConsumer(conn *Conn, exchange string, queues []string, prefetch int, log logger.Logger) (*Consumer, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if len(queues) == 0 {
		return nil, errors.Newf("consumer needs at least one queue").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if exchange != "" {
		if err := conn.ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return nil, errors.New(err).
				Category(errors.CategoryQueue).
				Context("exchange", exchange).
				Build()
		}
	}
	for _, q := range queues {
		if err := declareQueue(conn.ch, exchange, q); err != nil {
			return nil, err
		}
	}
	if err := conn.ch.Qos(max(prefetch, 1), 0, false); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryQueue).
			Context("operation", "qos").
			Build()
	}

	return &Consumer{
		ch:     conn.ch,
		queues: queues,
		tag:    "aedbatch-" + uuid.NewString()[:8],
		log:    log.Module("queue"),
	}, nil
}

// Run consumes every queue until ctx is done. Deliveries of one queue are
// handled one at a time. A delivery channel closing while ctx is still
// live is returned as an error.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, q := range c.queues {
		deliveries, err := c.ch.Consume(q, c.tag+"-"+q, false, false, false, false, nil)
		if err != nil {
			return errors.New(err).
				Category(errors.CategoryQueue).
				Context("queue", q).
				Context("operation", "consume").
				Build()
		}
		c.log.Info("consuming queue", logger.String("queue", q))

		g.Go(func() error {
			return c.loop(gctx, q, deliveries, handler)
		})
	}

	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Newf("delivery channel of queue %s closed", queue).
					Category(errors.CategoryQueue).
					Context("queue", queue).
					Build()
			}
			c.handle(ctx, queue, &d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d *amqp.Delivery, handler Handler) {
	traceID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, traceID)
	log := c.log.WithContext(ctx).With(logger.String("queue", queue))

	delivery, err := decode(d)
	if err != nil {
		log.Warn("rejecting undecodable delivery",
			logger.String("message_id", d.MessageId),
			logger.Error(err))
		c.settle(log, d, Reject)
		return
	}
	delivery.Queue = queue
	delivery.TraceID = traceID

	c.settle(log, d, handler(ctx, delivery))
}

func decode(d *amqp.Delivery) (*Delivery, error) {
	var msg batch.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryValidation).
			Build()
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	delivery := &Delivery{Message: &msg, Redelivered: d.Redelivered}
	if v, ok := d.Headers[headerTraceID].(string); ok {
		delivery.DispatchTraceID = v
	}
	return delivery, nil
}

func (c *Consumer) settle(log logger.Logger, d *amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Error("failed to settle delivery",
			logger.String("outcome", outcome.String()),
			logger.Error(err))
		return
	}
	log.Trace("delivery settled", logger.String("outcome", outcome.String()))
}
