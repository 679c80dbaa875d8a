package memory

import (
	"context"
	"sync"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type chunkRepository struct {
	mu     sync.RWMutex
	chunks map[model.ChunkID]*model.Chunk
	byDoc  map[model.DocumentID]map[model.ChunkID]struct{}
}

func newChunkRepository() *chunkRepository {
	return &chunkRepository{
		chunks: make(map[model.ChunkID]*model.Chunk),
		byDoc:  make(map[model.DocumentID]map[model.ChunkID]struct{}),
	}
}

func (r *chunkRepository) PutMany(ctx context.Context, chunks []*model.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range chunks {
		r.chunks[c.ID] = c.Copy()
		if _, exists := r.byDoc[c.DocumentID]; !exists {
			r.byDoc[c.DocumentID] = make(map[model.ChunkID]struct{})
		}
		r.byDoc[c.DocumentID][c.ID] = struct{}{}
	}
	return nil
}

func (r *chunkRepository) GetMany(ctx context.Context, ids []model.ChunkID) (map[model.ChunkID]*model.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[model.ChunkID]*model.Chunk, len(ids))
	for _, id := range ids {
		if c, exists := r.chunks[id]; exists {
			result[id] = c.Copy()
		}
	}
	return result, nil
}

func (r *chunkRepository) ListByDocument(ctx context.Context, docID model.DocumentID) ([]*model.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.Chunk
	for id := range r.byDoc[docID] {
		result = append(result, r.chunks[id].Copy())
	}
	model.SortChunks(result)
	return result, nil
}

func (r *chunkRepository) DeleteByDocument(ctx context.Context, docID model.DocumentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.byDoc[docID] {
		delete(r.chunks, id)
	}
	delete(r.byDoc, docID)
	return nil
}
