package interfaces

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// DocumentRepository persists documents and their ingestion status
type DocumentRepository interface {
	// Put creates or replaces the document record
	Put(ctx context.Context, doc *model.Document) error

	// Get returns the document or an error wrapping model.ErrDocumentNotFound
	Get(ctx context.Context, id model.DocumentID) (*model.Document, error)

	// GetMany returns the documents that exist among ids, keyed by ID
	GetMany(ctx context.Context, ids []model.DocumentID) (map[model.DocumentID]*model.Document, error)

	// List returns all documents ordered by upload time, newest first
	List(ctx context.Context) ([]*model.Document, error)

	// Delete removes the document record. Deleting a missing document is not an error.
	Delete(ctx context.Context, id model.DocumentID) error
}

// ChunkRepository persists chunks produced by the chunker
type ChunkRepository interface {
	// PutMany stores chunks; existing chunk IDs are overwritten with identical content
	PutMany(ctx context.Context, chunks []*model.Chunk) error

	// GetMany returns the chunks that exist among ids, keyed by ID
	GetMany(ctx context.Context, ids []model.ChunkID) (map[model.ChunkID]*model.Chunk, error)

	// ListByDocument returns a document's chunks in sequence order
	ListByDocument(ctx context.Context, docID model.DocumentID) ([]*model.Chunk, error)

	// DeleteByDocument removes every chunk of a document
	DeleteByDocument(ctx context.Context, docID model.DocumentID) error
}
