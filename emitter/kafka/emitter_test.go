package kafka

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/outboxkit/customers/emitter"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/repository"
	"github.com/outboxkit/customers/test"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	testcases := []struct {
		name      string
		producer  kafkaProducer
		wantPanic bool
	}{
		{
			name:      "valid producer",
			producer:  &test.MockedKafkaProducer{},
			wantPanic: false,
		},
		{
			name:      "nil producer",
			producer:  nil,
			wantPanic: true,
		},
		{
			name:      "typed nil producer",
			producer:  (*test.MockedKafkaProducer)(nil),
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.producer, "")
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.producer, "")
				})
			}
		})
	}
}

func TestEmit(t *testing.T) {
	record := &repository.OutboxRecord{
		Id:            uuid.New(),
		AggregateType: "customers",
		AggregateId:   "42",
		EventType:     "CUSTOMER_CREATED",
		Payload:       []byte(`{"eventType":"CUSTOMER_CREATED"}`),
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	reportTopic := "outbox-customers"

	type args struct {
		topic  string
		report kafka.Event
		retVal error
	}
	testcases := []struct {
		name          string
		args          args
		wantTopic     string
		wantReportErr bool
		wantEmitErr   bool
	}{
		{
			name: "successful delivery with derived topic",
			args: args{
				topic: "",
				report: &kafka.Message{
					TopicPartition: kafka.TopicPartition{Topic: &reportTopic, Partition: 0, Offset: 7},
				},
			},
			wantTopic: "outbox-customers",
		},
		{
			name: "successful delivery with configured topic",
			args: args{
				topic: "cdc.customers",
				report: &kafka.Message{
					TopicPartition: kafka.TopicPartition{Topic: &reportTopic, Partition: 0, Offset: 7},
				},
			},
			wantTopic: "cdc.customers",
		},
		{
			name: "failed delivery",
			args: args{
				topic: "",
				report: &kafka.Message{
					TopicPartition: kafka.TopicPartition{Topic: &reportTopic, Error: assert.AnError},
				},
			},
			wantTopic:     "outbox-customers",
			wantReportErr: true,
		},
		{
			name: "producer error",
			args: args{
				topic:  "",
				report: &test.MockedKafkaEvent{},
				retVal: assert.AnError,
			},
			wantTopic:   "outbox-customers",
			wantEmitErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			producer := &test.MockedKafkaProducer{
				MockedReportToSend: tc.args.report,
				Snitch:             make(chan *kafka.Message, 1),
				RetVal:             tc.args.retVal,
			}
			e := New(producer, tc.args.topic)
			e.SetLogger(&logger.NopLogger{})
			dc := make(chan *emitter.DeliveryReport, 1)

			err := e.Emit(record, dc)

			if tc.wantEmitErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			produced := <-producer.Snitch
			assert.Equal(t, tc.wantTopic, *produced.TopicPartition.Topic)
			assert.Equal(t, []byte(record.AggregateId), produced.Key)
			assert.Equal(t, record.Payload, produced.Value)
			assert.Equal(t, []byte(record.Id.String()), headerValue(produced, "id"))
			assert.Equal(t, []byte("1704164645000"), headerValue(produced, "createdAt"))

			if _, isMessage := tc.args.report.(*kafka.Message); isMessage {
				dr := <-dc
				assert.Equal(t, record, dr.Record)
				if tc.wantReportErr {
					assert.ErrorIs(t, dr.Error, assert.AnError)
				} else {
					assert.NoError(t, dr.Error)
				}
			}
		})
	}
}

func Test_buildTopicName(t *testing.T) {
	testcases := []struct {
		name          string
		aggregateType string
		want          string
	}{
		{
			name:          "lowercase aggregate type",
			aggregateType: "customers",
			want:          "outbox-customers",
		},
		{
			name:          "camel case aggregate type",
			aggregateType: "purchaseOrders",
			want:          "outbox-purchase-orders",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, buildTopicName(tc.aggregateType))
		})
	}
}

func headerValue(m *kafka.Message, key string) []byte {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return nil
}
