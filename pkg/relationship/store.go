package relationship

import (
	"context"

	"socialmedia/pkg/model"
)

// RecordStore is the document store holding user records. AddToSet and
// RemoveFromSet must be atomic for a single field of a single record and
// idempotent. All methods return ErrNotFound (possibly wrapped) for unknown ids.
type RecordStore interface {
	Get(ctx context.Context, userID int64) (model.UserRecord, error)
	AddToSet(ctx context.Context, userID int64, field model.Side, value int64) error
	RemoveFromSet(ctx context.Context, userID int64, field model.Side, value int64) error
}

// Ledger is an append-only list of pairs that may violate the edge invariant.
type Ledger interface {
	Append(ctx context.Context, entry model.LedgerEntry) error
	// Pending returns at most limit entries, oldest first
	Pending(ctx context.Context, limit int) ([]model.LedgerEntry, error)
	Clear(ctx context.Context, entryID string) error
}

// Sampler picks the user ids audited by a reconciliation pass.
type Sampler interface {
	Sample(ctx context.Context, n int) ([]int64, error)
}

// setMember makes value present in (or absent from) field of userID.
func setMember(ctx context.Context, store RecordStore, userID int64, field model.Side, value int64, present bool) error {
	if present {
		return store.AddToSet(ctx, userID, field, value)
	}
	return store.RemoveFromSet(ctx, userID, field, value)
}
