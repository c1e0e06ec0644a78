package test

import (
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer feeds scripted messages to a consumer loop and
// records commits. When the message queue drains, ReadMessage behaves like
// an idle broker and times out.
type MockedKafkaConsumer struct {
	Messages chan *kafka.Message
	Commits  chan *kafka.Message
	mu       sync.Mutex
	closed   bool
}

func NewMockedKafkaConsumer(capacity int) *MockedKafkaConsumer {
	return &MockedKafkaConsumer{
		Messages: make(chan *kafka.Message, capacity),
		Commits:  make(chan *kafka.Message, capacity),
	}
}

func (c *MockedKafkaConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	select {
	case msg := <-c.Messages:
		return msg, nil
	case <-time.After(timeout):
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
}

func (c *MockedKafkaConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.Commits <- m
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MockedKafkaConsumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Mail is a notification captured by MockedSender.
type Mail struct {
	Subject string
	Body    string
}

// MockedSender records every sent notification; a non-nil RetVal makes
// every Send call fail.
type MockedSender struct {
	mu     sync.Mutex
	Mails  []Mail
	RetVal error
}

func (s *MockedSender) Send(subject string, body string) error {
	if s.RetVal != nil {
		return s.RetVal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mails = append(s.Mails, Mail{Subject: subject, Body: body})
	return nil
}

func (s *MockedSender) Sent() []Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Mail(nil), s.Mails...)
}
