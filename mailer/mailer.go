package mailer

// Sender performs the externally visible side effect of an event: sending
// a notification message. Implementations may fail; callers treat Send as
// an opaque external call.
type Sender interface {
	Send(subject string, body string) error
}
