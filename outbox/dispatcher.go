package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outboxkit/customers/emitter"
	"github.com/outboxkit/customers/logger"
	"github.com/outboxkit/customers/metrics"
	"github.com/outboxkit/customers/repository"
)

const subscriptionInterval = 10 * time.Second

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	emitter    emitter.Emitter
	repository repository.Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// run keeps trying to register this dispatcher within the
// 'outbox_dispatcher_subscription' table. Only subscribed dispatchers can
// deliver outbox entries to the configured emitter. Once subscribed, the
// loop keeps the 'alive_at' column fresh to avoid losing the subscription.
func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(subscriptionInterval)
	defer ticker.Stop()
	subscribed := false
	for {
		if !subscribed {
			if success, subscription, err := d.repository.SubscribeDispatcher(d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				go d.pollLoop(ctx)
				subscribed = true
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription!"))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollLoop polls the outbox table on every interval, delivering pending
// records while this dispatcher holds the outbox lock. The loop exits when
// the context is cancelled; a delivery round in progress is completed
// first so no acknowledged record is left undeleted.
func (d *dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		if acquired, err := d.repository.AcquireLock(d.id); acquired {
			d.processOutbox()
			if err := d.repository.ReleaseLock(d.id); err != nil {
				d.logger.Error("releasing the outbox lock", err)
			}
		} else if err != nil {
			d.logger.Error("unable to get the lock", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOutbox scans the outbox table within the limits defined by
// Settings.MaxEventsPerInterval and delivers the entries in batches of
// Settings.MaxEventsPerBatch. Successfully delivered records are deleted;
// failed ones stay in the table and are retried on the next interval.
func (d *dispatcher) processOutbox() {
	var delivered []uuid.UUID
	var totalProcessed int
	var totalErr int
	var deliveryChan = make(chan *emitter.DeliveryReport, d.settings.MaxEventsPerBatch)
	var wg sync.WaitGroup

	d.logger.Debug("processing outbox messages")

	go func() {
		for dr := range deliveryChan {
			if dr.Error != nil {
				d.logger.Error("delivery problem", dr.Error)
				totalErr++
				d.errorCtr.Inc(1)
			} else {
				d.logger.Debug(dr.Details)
				delivered = append(delivered, dr.Record.Id)
				d.successCtr.Inc(1)
			}
			totalProcessed++
			wg.Done()
		}
		d.logger.Debug("the goroutine for delivery reports has finished")
	}()

	err := d.repository.FindInBatches(d.settings.MaxEventsPerBatch, d.settings.MaxEventsPerInterval, func(batch []*repository.OutboxRecord) error {
		d.logger.Debug(fmt.Sprintf("emitting %d outbox records", len(batch)))
		for _, r := range batch {
			wg.Add(1)
			if err := d.emitter.Emit(r, deliveryChan); err != nil {
				// no retry needed here: the record remains in the outbox
				// table and will be sent in the next outbox processing.
				d.logger.Error("when producing a message", err)
				wg.Done()
			}
		}
		return nil
	})

	if err != nil {
		d.logger.Error("when trying to get outbox rows in batches", err)
	}

	// Wait until we get all the delivery reports from the emitter.
	wg.Wait()

	// The channel is dedicated to this processing round and receives exactly
	// one report per emitted record, so it can be closed safely now.
	close(deliveryChan)
	d.logger.Info(fmt.Sprintf("%d messages were successfully delivered (with %d failed) from a total of %d processed from outbox", len(delivered), totalErr, totalProcessed))

	if len(delivered) > 0 {
		d.logger.Debug(fmt.Sprintf("deleting %d elements from outbox", len(delivered)))
		if err := d.repository.DeleteInBatches(d.settings.MaxEventsPerBatch, delivered); err != nil {
			d.logger.Error("when deleting sent outbox records in batches", err)
		}
	}
}
