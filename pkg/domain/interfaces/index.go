package interfaces

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// Index is an append-only vector store keyed by chunk ID.
//
// Upsert is idempotent per entry: an entry whose chunk ID already exists is
// skipped, never rewritten. A batch is not transactional; entries that could
// not be written are reported in UpsertResult.Failed while the rest stay
// committed. A returned error means the backend was unusable and nothing
// can be assumed about the batch.
type Index interface {
	Upsert(ctx context.Context, entries []*model.IndexEntry) (*model.UpsertResult, error)

	// Query returns up to k entries by descending cosine similarity. Ties are
	// broken by smaller sequence index, then chunk ID.
	Query(ctx context.Context, vector []float32, k int, filter *model.IndexFilter) ([]*model.ScoredEntry, error)

	// Delete removes all entries of a document
	Delete(ctx context.Context, docID model.DocumentID) error

	// Count returns the number of entries of a document
	Count(ctx context.Context, docID model.DocumentID) (int, error)
}
