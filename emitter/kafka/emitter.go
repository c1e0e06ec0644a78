package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"github.com/outboxkit/customers/emitter"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/repository"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Emitter publishes outbox records to a Kafka topic, keyed by aggregate id
// so per-aggregate ordering is preserved. The outbox record id and creation
// time travel as message headers; the message value is the record payload
// verbatim.
type Emitter struct {
	producer kafkaProducer
	topic    string
	logger   logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

// New creates an Emitter on top of a Kafka producer. If topic is empty the
// topic name is derived from the aggregate type of each record.
func New(p kafkaProducer, topic string) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		topic:    topic,
		logger:   &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

func (e *Emitter) Emit(r *repository.OutboxRecord, dc chan *emitter.DeliveryReport) error {
	var internal = make(chan kafka.Event)
	go func() {
		for ev := range internal {
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &emitter.DeliveryReport{
					Record: r,
					Error:  m.TopicPartition.Error,
					Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v\n",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
			// in this case the caller knows that this channel is used only
			// for one Produce call, so it can close it.
			close(internal)
		}
	}()

	topic := e.topic
	if topic == "" {
		topic = buildTopicName(r.AggregateType)
	}
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.AggregateId),
		Value:          r.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(r.Id.String())},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(r.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)

	return err
}

// buildTopicName builds a topic name from an aggregate type (e.g. if
// aggregateType="customers" then topic name is "outbox-customers").
func buildTopicName(aggregateType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(aggregateType))
}
