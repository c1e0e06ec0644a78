package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"

	"github.com/outboxkit/customers/consumer"
	redisdedup "github.com/outboxkit/customers/dedup/redis"
	zerologadapter "github.com/outboxkit/customers/logger/zerolog"
	"github.com/outboxkit/customers/mailer/smtp"
	tallyadapter "github.com/outboxkit/customers/metrics/tally"
)

func main() {
	zl := getLogger()
	log := &zerologadapter.Logger{Logger: zl}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kc := getConsumer()
	if err := kc.SubscribeTopics([]string{envString("KAFKA_TOPIC", "outbox-customers")}, nil); err != nil {
		panic("unable to subscribe to the outbox topic: " + err.Error())
	}

	sender := smtp.New(
		envString("SMTP_HOST", "localhost"),
		envString("SMTP_PORT", "1025"),
		envString("SMTP_FROM", ""),
		envString("MAIL_TO", "operations@customers.local"),
	)

	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{Prefix: "notification_service"}, time.Second)
	defer scopeCloser.Close()

	options := []consumer.Option{
		consumer.WithLogger(log),
		consumer.WithCounters(
			&tallyadapter.Counter{Counter: scope.Counter("events_processed")},
			&tallyadapter.Counter{Counter: scope.Counter("events_dropped")},
		),
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		defer client.Close()
		options = append(options, consumer.WithDeduplicator(redisdedup.New(client, 0)))
	}

	c := consumer.New(kc, sender, options...)

	log.Info("notification consumer starting")
	c.Run(ctx)
	log.Info("notification consumer stopped")
}

func getLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(zerolog.Level(zerolog.DebugLevel)).
		With().
		Timestamp().
		Logger()
}

func getConsumer() *kafka.Consumer {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  envString("KAFKA_BROKERS", "localhost:19092"),
		"group.id":           envString("KAFKA_GROUP_ID", "notification-group"),
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		panic("unable to create the kafka consumer: " + err.Error())
	}
	return c
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
