package consumer

import (
	"fmt"

	"github.com/outboxkit/customers/customer"
)

// fallbackSubject is used for events that carry no usable delivery target;
// the raw payload travels in the body so no event is silently swallowed.
const fallbackSubject = "CDC Event (no email)"

// Notification is the rendered side effect for a recognized event.
type Notification struct {
	Subject string
	Body    string
}

type renderer struct {
	subject string
	body    func(c customer.Customer) string
}

// renderers maps every recognized event type to its notification. New event
// types are supported by extending this table, not by branching elsewhere;
// tags absent from the table are skipped without error.
var renderers = map[string]renderer{
	customer.EventCreated: {
		subject: "Customer Created",
		body: func(c customer.Customer) string {
			return fmt.Sprintf("New customer created: %s", c)
		},
	},
	customer.EventUpdated: {
		subject: "Customer Updated",
		body: func(c customer.Customer) string {
			return fmt.Sprintf("Customer updated: %s", c)
		},
	},
	customer.EventDeleted: {
		subject: "Customer Deleted",
		body: func(c customer.Customer) string {
			return fmt.Sprintf("Customer deleted (last known state): %s", c)
		},
	},
	customer.EventRead: {
		subject: "Customer Read",
		body: func(c customer.Customer) string {
			return fmt.Sprintf("Customer with id=%s and email=%s was read.", c.ID, c.Email)
		},
	},
}

// notificationFor renders the notification for an event type, reporting
// whether the type is recognized.
func notificationFor(eventType string, c customer.Customer) (Notification, bool) {
	r, ok := renderers[eventType]
	if !ok {
		return Notification{}, false
	}
	return Notification{
		Subject: r.subject,
		Body:    r.body(c),
	}, true
}
