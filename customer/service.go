package customer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/outbox"
	"github.com/outboxkit/customers/repository"
)

// pool is a helper interface to work with pgxpool.Pool.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Request carries the mutable customer attributes for create and update
// operations.
type Request struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Service implements the customer operations. Every successful mutation
// (and every audited read) appends exactly one outbox record inside the
// same transaction as the entity write: both commit or both roll back,
// which is the whole point of the outbox pattern.
type Service struct {
	db     pool
	store  *Store
	outbox *outbox.Outbox
	txKey  repository.TxKey
	logger logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

func NewService(db pool, store *Store, ob *outbox.Outbox, txKey repository.TxKey) *Service {
	if db == nil || reflect.ValueOf(db).IsNil() {
		panic("db is mandatory")
	}
	if store == nil {
		panic("store is mandatory")
	}
	if ob == nil {
		panic("outbox is mandatory")
	}
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &Service{
		db:     db,
		store:  store,
		outbox: ob,
		txKey:  txKey,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Service) SetLogger(l logger.Logger) {
	s.logger = l
}

// Create persists a new customer and records a CUSTOMER_CREATED event.
func (s *Service) Create(ctx context.Context, req Request) (Customer, error) {
	c := Customer{
		ID:        uuid.NewString(),
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.store.Insert(ctx, tx, c); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, EventCreated, c)
	})
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

// Update overwrites the customer attributes and records a CUSTOMER_UPDATED
// event carrying the new state. The row is locked while read so concurrent
// updates to the same id serialize instead of losing writes.
func (s *Service) Update(ctx context.Context, id string, req Request) (Customer, error) {
	var c Customer
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := s.store.FindByID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		c = existing
		c.Email = req.Email
		c.FirstName = req.FirstName
		c.LastName = req.LastName
		if err := s.store.Update(ctx, tx, c); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, EventUpdated, c)
	})
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

// Delete removes the customer and records a CUSTOMER_DELETED event with the
// last known state, so consumers can act without a lookup on a row that no
// longer exists.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := s.store.FindByID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, EventDeleted, existing)
	})
}

// Get returns the customer and records a CUSTOMER_READ audit event. The
// read runs as a write transaction from the storage engine's perspective;
// that throughput cost is the price of audit completeness.
func (s *Service) Get(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := s.store.FindByID(ctx, tx, id, false)
		if err != nil {
			return err
		}
		c = existing
		return s.recordEvent(ctx, tx, EventRead, c)
	})
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

// recordEvent serializes the event envelope and appends it to the outbox
// using the surrounding transaction. A serialization failure aborts the
// whole transaction; silently skipping the outbox write would break the
// atomicity invariant.
func (s *Service) recordEvent(ctx context.Context, tx pgx.Tx, eventType string, c Customer) error {
	payload, err := json.Marshal(Envelope{
		EventType: eventType,
		Customer:  &c,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize outbox payload: %w", err)
	}
	return s.outbox.Publish(context.WithValue(ctx, s.txKey, tx), &outbox.Event{
		AggregateType: AggregateType,
		AggregateId:   c.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}

func (s *Service) inTx(ctx context.Context, fc func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fc(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
