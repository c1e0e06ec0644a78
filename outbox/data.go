package outbox

// Event contains high level information about a domain event and is
// provided by the producing side (e.g. the customer service). The payload
// must be a complete snapshot of the aggregate at the time of the
// triggering operation, so consumers can act on it without a side lookup.
type Event struct {
	AggregateType string // the aggregate collection name (e.g. "customers")
	AggregateId   string // the aggregate identifier
	EventType     string // the event type tag (e.g. "CUSTOMER_CREATED")
	Payload       []byte // serialized event envelope
}
