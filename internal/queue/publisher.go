package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// Publisher sends dispatch messages to the queues of one account. Queues are
// declared on first use.
type Publisher struct {
	ch       Channel
	exchange string
	log      logger.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// NewPublisher creates a publisher on conn. An empty exchange publishes
// through the default exchange with the queue name as routing key;
// otherwise a durable direct exchange is declared.
func NewPublisher(conn *Conn, exchange string, log logger.Logger) (*Publisher, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if exchange != "" {
		if err := conn.ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return nil, errors.New(err).
				Category(errors.CategoryQueue).
				Context("exchange", exchange).
				Context("operation", "exchange_declare").
				Build()
		}
	}
	return &Publisher{
		ch:       conn.ch,
		exchange: exchange,
		log:      log.Module("queue"),
		declared: make(map[string]bool),
	}, nil
}

func (p *Publisher) ensureQueue(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[queue] {
		return nil
	}
	if err := declareQueue(p.ch, p.exchange, queue); err != nil {
		return err
	}
	p.declared[queue] = true
	return nil
}

// Publish sends msg as a persistent JSON message. The chunk idempotency key
// is used as message id.
func (p *Publisher) Publish(ctx context.Context, queue string, msg *batch.Message) error {
	if err := p.ensureQueue(queue); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryQueue).
			JobContext(msg.JobID, msg.WorkerID).
			Build()
	}

	publishing := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.IdempotencyKey(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if traceID := logger.TraceID(ctx); traceID != "" {
		publishing.Headers = amqp.Table{headerTraceID: traceID}
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, queue, false, false, publishing); err != nil {
		return errors.New(err).
			Category(errors.CategoryQueue).
			JobContext(msg.JobID, msg.WorkerID).
			Context("queue", queue).
			Build()
	}

	p.log.WithContext(ctx).Trace("chunk published",
		logger.String("queue", queue),
		logger.String("message_id", publishing.MessageId),
		logger.Int("bytes", len(body)))
	return nil
}
