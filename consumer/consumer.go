package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/outboxkit/customers/customer"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/mailer"
	"github.com/outboxkit/customers/metrics"
)

const pollTimeout = time.Second

// kafkaConsumer is a helper interface to work with kafka.Consumer.
type kafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Consumer subscribes to the outbox event stream, decodes event envelopes,
// dispatches them by event type and invokes the mail sink. Each message
// goes through received -> decoded -> classified -> dispatched; any failure
// along the way is terminal for that message only: it is logged and
// dropped, and the subscription keeps going. The stream position is
// committed only after the message was fully handled, so a crash in
// between causes redelivery, never loss.
type Consumer struct {
	consumer     kafkaConsumer
	sender       mailer.Sender
	dedup        Deduplicator
	logger       logger.Logger
	processedCtr metrics.Counter
	droppedCtr   metrics.Counter
}

// Option allows optional configuration.
type Option func(c *Consumer)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDeduplicator installs a processed-record tracker checked before
// dispatch, making redeliveries effectively idempotent.
func WithDeduplicator(d Deduplicator) Option {
	return func(c *Consumer) {
		if d != nil {
			c.dedup = d
		}
	}
}

// WithCounters allows clients to configure optional processed/dropped
// counters for observability.
func WithCounters(processed metrics.Counter, dropped metrics.Counter) Option {
	return func(c *Consumer) {
		if processed != nil {
			c.processedCtr = processed
		}
		if dropped != nil {
			c.droppedCtr = dropped
		}
	}
}

// New creates a Consumer on top of a subscribed Kafka consumer and a mail
// sink. The Kafka consumer must have auto commit disabled; the Consumer
// owns the commit cadence.
func New(kc kafkaConsumer, sender mailer.Sender, options ...Option) *Consumer {
	if kc == nil || reflect.ValueOf(kc).IsNil() {
		panic("you must provide a kafka consumer")
	}
	if sender == nil {
		panic("you must provide a sender")
	}
	c := &Consumer{
		consumer:     kc,
		sender:       sender,
		dedup:        &NopDeduplicator{},
		logger:       &logger.NopLogger{},
		processedCtr: &metrics.NopCounter{},
		droppedCtr:   &metrics.NopCounter{},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Run processes the subscription until the context is cancelled. The
// message being handled when cancellation arrives is completed and
// committed before the loop returns.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Error("closing the kafka consumer", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(pollTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("reading from the stream", err)
			continue
		}

		c.handle(ctx, msg)

		// the position advances only after the message was handled;
		// at-least-once, by contract with the relay.
		if _, err := c.consumer.CommitMessage(msg); err != nil {
			c.logger.Error("committing the stream position", err)
		}
	}
}

// handle runs one message through the processing state machine. It never
// returns an error: a bad message must not take the subscription down.
func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) {
	if id := headerValue(msg, "id"); id != "" {
		fresh, err := c.dedup.FirstSeen(ctx, id)
		if err != nil {
			// fail open: a broken dedup store degrades to at-least-once,
			// it does not stall the partition.
			c.logger.Error("checking the processed-record set", err)
		} else if !fresh {
			c.logger.Info(fmt.Sprintf("skipping duplicate delivery of outbox record '%s'", id))
			c.droppedCtr.Inc(1)
			return
		}
	}

	raw := msg.Value

	var env customer.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Error(fmt.Sprintf("dropping undecodable event: %s", raw), err)
		c.droppedCtr.Inc(1)
		return
	}

	if env.Customer == nil || strings.TrimSpace(env.Customer.Email) == "" {
		c.logger.Warn(fmt.Sprintf("event without customer email, payload=%s", raw))
		if err := c.sender.Send(fallbackSubject, "Payload:\n"+string(raw)); err != nil {
			c.logger.Error("sending the diagnostic notification", err)
			c.droppedCtr.Inc(1)
			return
		}
		c.processedCtr.Inc(1)
		return
	}

	n, ok := notificationFor(env.EventType, *env.Customer)
	if !ok {
		c.logger.Info(fmt.Sprintf("ignoring unknown eventType=%s payload=%s", env.EventType, raw))
		return
	}

	if err := c.sender.Send(n.Subject, n.Body); err != nil {
		c.logger.Error(fmt.Sprintf("sending notification for eventType=%s", env.EventType), err)
		c.droppedCtr.Inc(1)
		return
	}
	c.processedCtr.Inc(1)
	c.logger.Info(fmt.Sprintf("processed outbox event type=%s for email=%s", env.EventType, env.Customer.Email))
}

func headerValue(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
