package bolt

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"go.etcd.io/bbolt"
)

type chunkRepository struct {
	db *bbolt.DB
}

type chunkRecord struct {
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	TokenCount    int    `json:"token_count"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
}

func decodeChunk(id model.ChunkID, data []byte) (*model.Chunk, error) {
	var rec chunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V(model.ChunkIDKey, id))
	}
	return &model.Chunk{
		ID:            id,
		DocumentID:    model.DocumentID(rec.DocumentID),
		SequenceIndex: rec.SequenceIndex,
		Text:          rec.Text,
		TokenCount:    rec.TokenCount,
		Start:         rec.Start,
		End:           rec.End,
	}, nil
}

func (r *chunkRepository) PutMany(ctx context.Context, chunks []*model.Chunk) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for _, c := range chunks {
			data, err := json.Marshal(&chunkRecord{
				DocumentID:    c.DocumentID.String(),
				SequenceIndex: c.SequenceIndex,
				Text:          c.Text,
				TokenCount:    c.TokenCount,
				Start:         c.Start,
				End:           c.End,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to encode chunk", goerr.V(model.ChunkIDKey, c.ID))
			}
			if err := b.Put([]byte(c.ID), data); err != nil {
				return goerr.Wrap(err, "failed to put chunk", goerr.V(model.ChunkIDKey, c.ID))
			}
		}
		return nil
	})
}

func (r *chunkRepository) GetMany(ctx context.Context, ids []model.ChunkID) (map[model.ChunkID]*model.Chunk, error) {
	result := make(map[model.ChunkID]*model.Chunk, len(ids))
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			c, err := decodeChunk(id, data)
			if err != nil {
				return err
			}
			result[id] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *chunkRepository) ListByDocument(ctx context.Context, docID model.DocumentID) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	prefix := docPrefix(docID.String())
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			chunk, err := decodeChunk(model.ChunkID(k), v)
			if err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	model.SortChunks(chunks)
	return chunks, nil
}

func (r *chunkRepository) DeleteByDocument(ctx context.Context, docID model.DocumentID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketChunks), docPrefix(docID.String()))
	})
}
