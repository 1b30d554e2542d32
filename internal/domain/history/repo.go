package history

import (
	"context"
	"time"
)

// Repository persists ledger rows. Implementations never update or delete
// a row once written.
type Repository interface {
	// AppendIfAbsent stores rec unless a row with the same (name, day)
	// exists. inserted reports whether a row was written.
	AppendIfAbsent(ctx context.Context, rec Record) (inserted bool, err error)
	// Find returns the row for (name, day), or nil.
	Find(ctx context.Context, name string, day time.Time) (*Record, error)
	// List returns every row in insertion order.
	List(ctx context.Context) ([]Record, error)
}
