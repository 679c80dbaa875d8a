package bolt

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"go.etcd.io/bbolt"
)

type documentRepository struct {
	db *bbolt.DB
}

type documentRecord struct {
	SourceName  string    `json:"source_name"`
	Text        string    `json:"text"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toDocumentRecord(doc *model.Document) *documentRecord {
	return &documentRecord{
		SourceName:  doc.SourceName,
		Text:        doc.Text,
		UploadedAt:  doc.UploadedAt,
		Status:      doc.Status.String(),
		FailedStage: doc.FailedStage.String(),
		Error:       doc.Error,
		ChunkCount:  doc.ChunkCount,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func (r *documentRecord) toModel(id model.DocumentID) *model.Document {
	return &model.Document{
		ID:          id,
		SourceName:  r.SourceName,
		Text:        r.Text,
		UploadedAt:  r.UploadedAt,
		Status:      types.IngestionStatus(r.Status),
		FailedStage: types.IngestionStatus(r.FailedStage),
		Error:       r.Error,
		ChunkCount:  r.ChunkCount,
		UpdatedAt:   r.UpdatedAt,
	}
}

func decodeDocument(id model.DocumentID, data []byte) (*model.Document, error) {
	var rec documentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, goerr.Wrap(err, "failed to decode document", goerr.V(model.DocumentIDKey, id))
	}
	return rec.toModel(id), nil
}

func (r *documentRepository) Put(ctx context.Context, doc *model.Document) error {
	if doc == nil || doc.ID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "document ID is required")
	}

	data, err := json.Marshal(toDocumentRecord(doc))
	if err != nil {
		return goerr.Wrap(err, "failed to encode document", goerr.V(model.DocumentIDKey, doc.ID))
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data); err != nil {
			return goerr.Wrap(err, "failed to put document", goerr.V(model.DocumentIDKey, doc.ID))
		}
		return nil
	})
}

func (r *documentRepository) Get(ctx context.Context, id model.DocumentID) (*model.Document, error) {
	var doc *model.Document
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return goerr.Wrap(model.ErrDocumentNotFound, "document not found", goerr.V(model.DocumentIDKey, id))
		}
		var err error
		doc, err = decodeDocument(id, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepository) GetMany(ctx context.Context, ids []model.DocumentID) (map[model.DocumentID]*model.Document, error) {
	result := make(map[model.DocumentID]*model.Document, len(ids))
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			doc, err := decodeDocument(id, data)
			if err != nil {
				return err
			}
			result[id] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *documentRepository) List(ctx context.Context) ([]*model.Document, error) {
	var docs []*model.Document
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			doc, err := decodeDocument(model.DocumentID(k), v)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (r *documentRepository) Delete(ctx context.Context, id model.DocumentID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Delete([]byte(id)); err != nil {
			return goerr.Wrap(err, "failed to delete document", goerr.V(model.DocumentIDKey, id))
		}
		return nil
	})
}
