package emitter

import "github.com/outboxkit/customers/repository"

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *repository.OutboxRecord // record related to the delivery
	Error   error                    // error during the delivery if any
	Details string                   // more information about the delivery
}

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker in a reliable way. Exactly one delivery report per accepted
	// record is written to the provided channel.
	Emit(*repository.OutboxRecord, chan *DeliveryReport) error
}
