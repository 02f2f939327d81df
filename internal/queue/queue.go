// Package queue carries dispatch messages over AMQP 0.9.1. Delivery is at
// least once: consumers acknowledge only after a chunk is finalized.
package queue

import (
	"context"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

const (
	contentType   = "application/json"
	headerTraceID = "x-trace-id"
)

// Channel is the subset of *amqp.Channel used by publishers and consumers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Conn is an AMQP connection with one channel.
type Conn struct {
	conn io.Closer
	ch   Channel
}

// Dial opens a connection and a channel. One Conn belongs to one account.
func Dial(url string, log logger.Logger) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryQueue).
			Context("url", logger.RedactSensitiveData(url)).
			Build()
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.New(err).
			Category(errors.CategoryQueue).
			Context("operation", "open_channel").
			Build()
	}

	if log != nil {
		log.Module("queue").Debug("AMQP connection opened",
			logger.String("url", logger.RedactSensitiveData(url)))
	}
	return &Conn{conn: conn, ch: ch}, nil
}

// NewConn wraps an existing channel. closer may be nil.
func NewConn(ch Channel, closer io.Closer) *Conn {
	return &Conn{conn: closer, ch: ch}
}

// Channel returns the underlying channel.
func (c *Conn) Channel() Channel {
	return c.ch
}

// Close closes the channel and the connection.
func (c *Conn) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// declareQueue declares a durable queue and binds it when an exchange is used.
func declareQueue(ch Channel, exchange, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.New(err).
			Category(errors.CategoryQueue).
			Context("queue", queue).
			Context("operation", "queue_declare").
			Build()
	}
	if exchange == "" {
		return nil
	}
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return errors.New(err).
			Category(errors.CategoryQueue).
			Context("queue", queue).
			Context("exchange", exchange).
			Context("operation", "queue_bind").
			Build()
	}
	return nil
}
