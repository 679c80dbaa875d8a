package bolt

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"go.etcd.io/bbolt"
)

// index stores one JSON record per chunk and answers queries with a full
// scan. Each Upsert runs in a single bolt transaction, so readers see
// either none or all of a batch.
type index struct {
	db *bbolt.DB
}

type indexRecord struct {
	Embedding     []float32 `json:"embedding"`
	DocumentID    string    `json:"document_id"`
	SourceName    string    `json:"source_name"`
	SequenceIndex int       `json:"sequence_index"`
}

func decodeIndexEntry(id model.ChunkID, data []byte) (*model.IndexEntry, error) {
	var rec indexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, goerr.Wrap(model.ErrIndex, "failed to decode index entry", goerr.V(model.ChunkIDKey, id), goerr.V("cause", err.Error()))
	}
	return &model.IndexEntry{
		ChunkID:   id,
		Embedding: rec.Embedding,
		Metadata: model.IndexMetadata{
			DocumentID:    model.DocumentID(rec.DocumentID),
			SourceName:    rec.SourceName,
			SequenceIndex: rec.SequenceIndex,
		},
	}, nil
}

func (x *index) Upsert(ctx context.Context, entries []*model.IndexEntry) (*model.UpsertResult, error) {
	result := &model.UpsertResult{}
	err := x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndex)
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
			if b.Get([]byte(e.ChunkID)) != nil {
				result.Skipped++
				continue
			}

			data, err := json.Marshal(&indexRecord{
				Embedding:     e.Embedding,
				DocumentID:    e.Metadata.DocumentID.String(),
				SourceName:    e.Metadata.SourceName,
				SequenceIndex: e.Metadata.SequenceIndex,
			})
			if err != nil {
				result.Failed = append(result.Failed, model.FailedEntry{ChunkID: e.ChunkID, Err: err})
				continue
			}
			if err := b.Put([]byte(e.ChunkID), data); err != nil {
				return goerr.Wrap(err, "failed to put index entry", goerr.V(model.ChunkIDKey, e.ChunkID))
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(model.ErrIndex, "bolt upsert failed", goerr.V("cause", err.Error()))
	}
	return result, nil
}

func (x *index) Query(ctx context.Context, vector []float32, k int, filter *model.IndexFilter) ([]*model.ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	var hits []*model.ScoredEntry
	err := x.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			entry, err := decodeIndexEntry(model.ChunkID(k), v)
			if err != nil {
				return err
			}
			if !filter.Match(entry) {
				return nil
			}
			hits = append(hits, &model.ScoredEntry{
				Entry: entry,
				Score: model.CosineSimilarity(vector, entry.Embedding),
			})
			return nil
		})
	})
	if err != nil {
		return nil, goerr.Wrap(err, "bolt query failed")
	}

	model.SortScoredEntries(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *index) Delete(ctx context.Context, docID model.DocumentID) error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		keys, err := keysOfDocument(b, docID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return goerr.Wrap(err, "failed to delete index entry", goerr.V(model.ChunkIDKey, string(k)))
			}
		}
		return nil
	})
}

func (x *index) Count(ctx context.Context, docID model.DocumentID) (int, error) {
	count := 0
	err := x.db.View(func(tx *bbolt.Tx) error {
		keys, err := keysOfDocument(tx.Bucket(bucketIndex), docID)
		count = len(keys)
		return err
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count index entries", goerr.V(model.DocumentIDKey, docID))
	}
	return count, nil
}

// keysOfDocument scans by metadata rather than key prefix, so entries
// written with arbitrary chunk IDs are still found.
func keysOfDocument(b *bbolt.Bucket, docID model.DocumentID) ([][]byte, error) {
	var keys [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var rec struct {
			DocumentID string `json:"document_id"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return goerr.Wrap(err, "failed to decode index entry", goerr.V(model.ChunkIDKey, string(k)))
		}
		if rec.DocumentID == docID.String() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	return keys, err
}
