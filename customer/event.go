package customer

// AggregateType names the customer collection in outbox records.
const AggregateType = "customers"

// Event type tags. The set is open ended: consumers treat unrecognized
// tags as a legitimate runtime case, not a defect, so new tags can be
// added here without branching logic elsewhere.
const (
	EventCreated = "CUSTOMER_CREATED"
	EventUpdated = "CUSTOMER_UPDATED"
	EventDeleted = "CUSTOMER_DELETED"
	EventRead    = "CUSTOMER_READ"
)

// Envelope is the wire form of a customer event: the event type tag plus a
// complete snapshot of the customer at the moment of the triggering
// operation (the pre-delete state for deletions). Outbox internals (record
// id, creation time) do not cross to the consumer.
type Envelope struct {
	EventType string    `json:"eventType"`
	Customer  *Customer `json:"customer"`
}
