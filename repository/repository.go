package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	LockMaxDuration     = time.Second * 30 // max duration of a table lock on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)

// TxKey is the context key under which callers store the ambient business
// transaction. The concrete transaction type depends on the repository
// implementation (pgx.Tx for pgxv5, *gorm.DB for gorm).
type TxKey any

// OutboxRecord is a durable outbox row. Records are written once by the
// producing side, read and deleted by the relay dispatcher, and never
// updated in between.
type OutboxRecord struct {
	Id            uuid.UUID
	AggregateType string
	AggregateId   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record using the business transaction carried
	// in the context. The record must become durable if and only if that
	// transaction commits.
	Save(ctx context.Context, r *OutboxRecord) error

	// AcquireLock gets a lock on the outbox table so that only one relay
	// dispatcher processes deliveries at a time. Implementations should use
	// a locking mechanism that tolerates crashed lock holders.
	AcquireLock(dispatcherId uuid.UUID) (bool, error)

	// ReleaseLock releases a lock previously acquired with AcquireLock.
	ReleaseLock(dispatcherId uuid.UUID) error

	// FindInBatches retrieves committed outbox records in commit order and
	// hands them to fc in batches of batchSize, up to limit records
	// (-1 means no limit).
	FindInBatches(batchSize int, limit int, fc func([]*OutboxRecord) error) error

	// DeleteInBatches removes delivered records from the outbox table.
	DeleteInBatches(batchSize int, records []uuid.UUID) error

	// SubscribeDispatcher tries to register a relay dispatcher taking into
	// account the maximum allowed dispatchers.
	SubscribeDispatcher(dispatcherId uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription refreshes the dispatcher subscription to prevent
	// other dispatchers from stealing it.
	UpdateSubscription(dispatcherId uuid.UUID) (updated bool, err error)
}
