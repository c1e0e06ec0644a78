package pgxv5

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		uuid.UUID(o.lockedBy.Bytes),
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

type dispatcherSubscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      time.Time
	version      int64
}
