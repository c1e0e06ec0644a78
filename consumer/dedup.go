package consumer

import "context"

// Deduplicator tracks recently processed outbox record identifiers so a
// redelivered message does not repeat its side effect. Implementations may
// bound the set (e.g. with a TTL); an expired entry simply degrades back
// to at-least-once behavior.
type Deduplicator interface {
	// FirstSeen marks id as processed and reports whether this is the first
	// time it is seen.
	FirstSeen(ctx context.Context, id string) (bool, error)
}

// NopDeduplicator never reports duplicates, preserving plain at-least-once
// processing.
type NopDeduplicator struct{}

var _ Deduplicator = (*NopDeduplicator)(nil)

func (*NopDeduplicator) FirstSeen(ctx context.Context, id string) (bool, error) {
	return true, nil
}
