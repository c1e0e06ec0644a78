package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outboxkit/customers/repository"
	"github.com/stretchr/testify/assert"
)

func Test_processOutbox(t *testing.T) {
	okRecord := &repository.OutboxRecord{Id: uuid.New(), AggregateType: "customers", AggregateId: "1", EventType: "CUSTOMER_CREATED"}
	failedDelivery := &repository.OutboxRecord{Id: uuid.New(), AggregateType: "customers", AggregateId: "2", EventType: "CUSTOMER_UPDATED"}
	failedProduce := &repository.OutboxRecord{Id: uuid.New(), AggregateType: "customers", AggregateId: "3", EventType: "CUSTOMER_DELETED"}

	repo := &fakeRepository{
		pending: []*repository.OutboxRecord{okRecord, failedDelivery, failedProduce},
	}
	emt := &fakeEmitter{
		produceErr: map[uuid.UUID]error{failedProduce.Id: assert.AnError},
		reportErr:  map[uuid.UUID]error{failedDelivery.Id: assert.AnError},
	}
	successCtr := &testCounter{}
	errorCtr := &testCounter{}

	settings := Settings{EnableDispatcher: true, MaxEventsPerBatch: 2}
	validateSettings(&settings)

	d := dispatcher{
		id:         uuid.New(),
		settings:   settings,
		logger:     nopLogger,
		emitter:    emt,
		repository: repo,
		successCtr: successCtr,
		errorCtr:   errorCtr,
	}
	d.processOutbox()

	// only the acknowledged record is removed from the outbox table; the
	// failed ones stay there for the next round.
	assert.Equal(t, []uuid.UUID{okRecord.Id}, repo.deletedIds())
	assert.Len(t, repo.pending, 2)
	assert.Equal(t, int64(1), successCtr.value())
	assert.Equal(t, int64(1), errorCtr.value())
}

func Test_processOutbox_emptyOutbox(t *testing.T) {
	repo := &fakeRepository{}
	settings := Settings{EnableDispatcher: true}
	validateSettings(&settings)

	d := dispatcher{
		id:         uuid.New(),
		settings:   settings,
		logger:     nopLogger,
		emitter:    &fakeEmitter{},
		repository: repo,
		successCtr: nopCounter,
		errorCtr:   nopCounter,
	}
	d.processOutbox()

	assert.Empty(t, repo.deletedIds())
}

func TestStart_drainsOutboxUntilCancelled(t *testing.T) {
	record := &repository.OutboxRecord{Id: uuid.New(), AggregateType: "customers", AggregateId: "1", EventType: "CUSTOMER_CREATED"}
	repo := &fakeRepository{pending: []*repository.OutboxRecord{record}}

	o := New(Settings{
		EnableDispatcher: true,
		MaxDispatchers:   1,
		PollingInterval:  10 * time.Millisecond,
	}, repo, &fakeEmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(repo.deletedIds()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, record.Id, repo.deletedIds()[0])
}

func TestStart_dispatcherDisabled(t *testing.T) {
	repo := &fakeRepository{pending: []*repository.OutboxRecord{
		{Id: uuid.New(), AggregateType: "customers", AggregateId: "1", EventType: "CUSTOMER_CREATED"},
	}}

	o := New(Settings{}, repo, &fakeEmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, repo.deletedIds())
}
