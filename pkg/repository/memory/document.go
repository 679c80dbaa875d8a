package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type documentRepository struct {
	mu        sync.RWMutex
	documents map[model.DocumentID]*model.Document
}

func newDocumentRepository() *documentRepository {
	return &documentRepository{
		documents: make(map[model.DocumentID]*model.Document),
	}
}

func (r *documentRepository) Put(ctx context.Context, doc *model.Document) error {
	if doc == nil || doc.ID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "document ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.documents[doc.ID] = doc.Copy()
	return nil
}

func (r *documentRepository) Get(ctx context.Context, id model.DocumentID) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.documents[id]
	if !exists {
		return nil, goerr.Wrap(model.ErrDocumentNotFound, "document not found", goerr.V(model.DocumentIDKey, id))
	}
	return doc.Copy(), nil
}

func (r *documentRepository) GetMany(ctx context.Context, ids []model.DocumentID) (map[model.DocumentID]*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[model.DocumentID]*model.Document, len(ids))
	for _, id := range ids {
		if doc, exists := r.documents[id]; exists {
			result[id] = doc.Copy()
		}
	}
	return result, nil
}

func (r *documentRepository) List(ctx context.Context) ([]*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*model.Document, 0, len(r.documents))
	for _, doc := range r.documents {
		all = append(all, doc.Copy())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UploadedAt.Equal(all[j].UploadedAt) {
			return all[i].UploadedAt.After(all[j].UploadedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func (r *documentRepository) Delete(ctx context.Context, id model.DocumentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.documents, id)
	return nil
}
