package links

import (
	"context"
	"time"

	"github.com/vaultdrop/vaultdrop/models"
)

// MetadataStore is the durable record keeper for link metadata. The FileRecord
// row is the only contended resource in the system, so the one mutating
// operation, ConsumeSlot, must be atomic.
type MetadataStore interface {
	// Get returns the record for token, or ErrNotFound.
	Get(ctx context.Context, token string) (*models.FileRecord, error)

	// Insert stores a brand-new record. Tokens are unique; inserting an
	// existing token is an error.
	Insert(ctx context.Context, rec *models.FileRecord) error

	// ConsumeSlot atomically increments DownloadCount if and only if it is
	// still below MaxDownloads. Returns false when no slot was available —
	// including when the record vanished concurrently. This is the quota
	// check and the increment in one linearizable step.
	ConsumeSlot(ctx context.Context, token string) (bool, error)

	// Delete removes the record. Idempotent: deleting a missing token is a
	// no-op, not an error.
	Delete(ctx context.Context, token string) error

	// ListExpired returns up to limit records whose TTL elapsed before the
	// given instant, for the background sweep.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]models.FileRecord, error)
}
