package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/outboxkit/customers/customer"
	"github.com/outboxkit/customers/mailer"
	"github.com/outboxkit/customers/metrics"
	"github.com/outboxkit/customers/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *testCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
}

func (c *testCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakeDedup struct {
	fresh bool
	err   error
	ids   []string
}

func (d *fakeDedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	d.ids = append(d.ids, id)
	return d.fresh, d.err
}

func envelopePayload(t *testing.T, eventType string, c *customer.Customer) []byte {
	payload, err := json.Marshal(customer.Envelope{EventType: eventType, Customer: c})
	require.NoError(t, err)
	return payload
}

func newMessage(payload []byte) *kafka.Message {
	topic := "outbox-customers"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0},
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(uuid.NewString())},
		},
	}
}

func TestNew(t *testing.T) {
	type args struct {
		consumer kafkaConsumer
		sender   mailer.Sender
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid consumer and sender",
			args: args{
				consumer: test.NewMockedKafkaConsumer(1),
				sender:   &test.MockedSender{},
			},
			wantPanic: false,
		},
		{
			name: "consumer is nil",
			args: args{
				consumer: nil,
				sender:   &test.MockedSender{},
			},
			wantPanic: true,
		},
		{
			name: "typed nil consumer",
			args: args{
				consumer: (*test.MockedKafkaConsumer)(nil),
				sender:   &test.MockedSender{},
			},
			wantPanic: true,
		},
		{
			name: "sender is nil",
			args: args{
				consumer: test.NewMockedKafkaConsumer(1),
				sender:   nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.consumer, tc.args.sender)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.consumer, tc.args.sender)
				})
			}
		})
	}
}

func Test_handle(t *testing.T) {
	ada := customer.Customer{ID: uuid.NewString(), Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"}

	testcases := []struct {
		name          string
		payload       []byte
		dedup         Deduplicator
		senderErr     error
		wantMails     int
		wantSubject   string
		wantProcessed int64
		wantDropped   int64
	}{
		{
			name:          "recognized event produces a notification",
			payload:       envelopePayload(t, customer.EventCreated, &ada),
			wantMails:     1,
			wantSubject:   "Customer Created",
			wantProcessed: 1,
		},
		{
			name:        "undecodable payload is dropped",
			payload:     []byte("this is not json"),
			wantMails:   0,
			wantDropped: 1,
		},
		{
			name:          "missing customer falls back to the diagnostic notification",
			payload:       envelopePayload(t, customer.EventCreated, nil),
			wantMails:     1,
			wantSubject:   fallbackSubject,
			wantProcessed: 1,
		},
		{
			name:          "blank email falls back to the diagnostic notification",
			payload:       envelopePayload(t, customer.EventCreated, &customer.Customer{ID: "1", Email: "   "}),
			wantMails:     1,
			wantSubject:   fallbackSubject,
			wantProcessed: 1,
		},
		{
			name:      "unknown event type is skipped silently",
			payload:   envelopePayload(t, "CUSTOMER_EXPORTED", &ada),
			wantMails: 0,
		},
		{
			name:        "sink failure drops the message",
			payload:     envelopePayload(t, customer.EventCreated, &ada),
			senderErr:   assert.AnError,
			wantMails:   0,
			wantDropped: 1,
		},
		{
			name:        "duplicate delivery is skipped",
			payload:     envelopePayload(t, customer.EventCreated, &ada),
			dedup:       &fakeDedup{fresh: false},
			wantMails:   0,
			wantDropped: 1,
		},
		{
			name:          "dedup store failure fails open",
			payload:       envelopePayload(t, customer.EventCreated, &ada),
			dedup:         &fakeDedup{err: assert.AnError},
			wantMails:     1,
			wantSubject:   "Customer Created",
			wantProcessed: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &test.MockedSender{RetVal: tc.senderErr}
			processed := &testCounter{}
			dropped := &testCounter{}
			options := []Option{WithCounters(processed, dropped)}
			if tc.dedup != nil {
				options = append(options, WithDeduplicator(tc.dedup))
			}
			c := New(test.NewMockedKafkaConsumer(1), sender, options...)

			c.handle(context.Background(), newMessage(tc.payload))

			mails := sender.Sent()
			assert.Len(t, mails, tc.wantMails)
			if tc.wantMails > 0 {
				assert.Equal(t, tc.wantSubject, mails[0].Subject)
			}
			assert.Equal(t, tc.wantProcessed, processed.value())
			assert.Equal(t, tc.wantDropped, dropped.value())
		})
	}
}

func Test_handle_fallbackBodyCarriesRawPayload(t *testing.T) {
	sender := &test.MockedSender{}
	c := New(test.NewMockedKafkaConsumer(1), sender)
	payload := envelopePayload(t, customer.EventCreated, nil)

	c.handle(context.Background(), newMessage(payload))

	mails := sender.Sent()
	require.Len(t, mails, 1)
	assert.Equal(t, fallbackSubject, mails[0].Subject)
	assert.Equal(t, "Payload:\n"+string(payload), mails[0].Body)
}

// A sink failure must not poison the subscription: the next message is
// processed as if the failed one never existed.
func Test_handle_sinkFailureIsIsolated(t *testing.T) {
	ada := customer.Customer{ID: uuid.NewString(), Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"}
	sender := &test.MockedSender{RetVal: assert.AnError}
	c := New(test.NewMockedKafkaConsumer(1), sender)

	c.handle(context.Background(), newMessage(envelopePayload(t, customer.EventCreated, &ada)))
	assert.Empty(t, sender.Sent())

	sender.RetVal = nil
	c.handle(context.Background(), newMessage(envelopePayload(t, customer.EventUpdated, &ada)))

	mails := sender.Sent()
	require.Len(t, mails, 1)
	assert.Equal(t, "Customer Updated", mails[0].Subject)
}

func TestRun(t *testing.T) {
	ada := customer.Customer{ID: uuid.NewString(), Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"}
	kc := test.NewMockedKafkaConsumer(2)
	sender := &test.MockedSender{}
	processed := &testCounter{}
	c := New(kc, sender, WithCounters(processed, &metrics.NopCounter{}))

	msg := newMessage(envelopePayload(t, customer.EventCreated, &ada))
	kc.Messages <- msg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// the position must advance only after the message was handled.
	select {
	case committed := <-kc.Commits:
		assert.Equal(t, msg, committed)
	case <-time.After(2 * time.Second):
		t.Fatal("no commit received")
	}
	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, int64(1), processed.value())

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("consumer loop did not stop")
	}
	assert.True(t, kc.IsClosed())
}
