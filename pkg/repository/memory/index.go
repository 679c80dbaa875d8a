package memory

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// index is a brute-force cosine index. A batch upsert holds the write lock
// for the whole batch, so queries never observe half of a batch.
type index struct {
	mu      sync.RWMutex
	entries map[model.ChunkID]*model.IndexEntry
}

func newIndex() *index {
	return &index{
		entries: make(map[model.ChunkID]*model.IndexEntry),
	}
}

func (x *index) Upsert(ctx context.Context, entries []*model.IndexEntry) (*model.UpsertResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	result := &model.UpsertResult{}
	for _, e := range entries {
		if e == nil || e.ChunkID == "" || len(e.Embedding) == 0 {
			var id model.ChunkID
			if e != nil {
				id = e.ChunkID
			}
			result.Failed = append(result.Failed, model.FailedEntry{
				ChunkID: id,
				Err:     goerr.Wrap(model.ErrIndex, "entry requires chunk ID and embedding"),
			})
			continue
		}
		if _, exists := x.entries[e.ChunkID]; exists {
			result.Skipped++
			continue
		}
		x.entries[e.ChunkID] = e.Copy()
		result.Inserted++
	}
	return result, nil
}

func (x *index) Query(ctx context.Context, vector []float32, k int, filter *model.IndexFilter) ([]*model.ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]*model.ScoredEntry, 0, len(x.entries))
	for _, e := range x.entries {
		if !filter.Match(e) {
			continue
		}
		hits = append(hits, &model.ScoredEntry{
			Entry: e.Copy(),
			Score: model.CosineSimilarity(vector, e.Embedding),
		})
	}

	model.SortScoredEntries(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *index) Delete(ctx context.Context, docID model.DocumentID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for id, e := range x.entries {
		if e.Metadata.DocumentID == docID {
			delete(x.entries, id)
		}
	}
	return nil
}

func (x *index) Count(ctx context.Context, docID model.DocumentID) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	count := 0
	for _, e := range x.entries {
		if e.Metadata.DocumentID == docID {
			count++
		}
	}
	return count, nil
}
