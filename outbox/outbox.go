package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/outboxkit/customers/emitter"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/metrics"
	"github.com/outboxkit/customers/repository"
)

// Outbox implements the transactional outbox module: a writer that appends
// records inside the caller's business transaction, and (optionally) a
// relay dispatcher that drains committed records to the configured emitter.
type Outbox struct {
	settings   Settings
	logger     logger.Logger
	emitter    emitter.Emitter
	repository repository.Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// Option allows optional configuration.
type Option func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters
// for observability.
func WithCounters(success metrics.Counter, error metrics.Counter) Option {
	return func(o *Outbox) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// New creates an Outbox instance using the provided settings and options
// and the provided Repository and Emitter implementations. All the
// dependencies are injected and owned by the caller; no package level
// state is kept.
func New(s Settings, r repository.Repository, e emitter.Emitter, options ...Option) *Outbox {
	if e == nil || r == nil {
		panic("you must provide an emitter and a repository")
	}

	validateSettings(&s)

	o := &Outbox{
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    e,
		repository: r,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
	}

	for _, opt := range options {
		opt(o)
	}

	for _, a := range []any{e, r} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(o.logger)
		}
	}

	return o
}

// Publish records a domain event reliably within the business transaction
// carried in the context, following the transactional outbox pattern. The
// record becomes durable if and only if the surrounding transaction
// commits; actual delivery is deferred to the relay dispatcher.
func (o *Outbox) Publish(ctx context.Context, e *Event) error {
	return o.repository.Save(ctx, &repository.OutboxRecord{
		Id:            uuid.New(),
		AggregateType: e.AggregateType,
		AggregateId:   e.AggregateId,
		EventType:     e.EventType,
		Payload:       e.Payload,
		CreatedAt:     time.Now().UTC(),
	})
}

// Start launches the relay dispatcher if it is enabled in the settings.
// The dispatcher runs until the context is cancelled; in-flight deliveries
// are completed before the loops exit.
func (o *Outbox) Start(ctx context.Context) {
	if !o.settings.EnableDispatcher {
		return
	}
	o.logger.Debug("the polling publisher dispatcher is enabled")
	d := dispatcher{
		id:         uuid.New(),
		settings:   o.settings,
		logger:     o.logger,
		emitter:    o.emitter,
		repository: o.repository,
		successCtr: o.successCtr,
		errorCtr:   o.errorCtr,
	}
	go d.run(ctx)
}
