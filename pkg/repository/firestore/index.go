package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// distanceField receives the cosine distance computed by FindNearest
const distanceField = "VectorDistance"

// maxInFilter is the largest value list Firestore accepts for an "in" filter
const maxInFilter = 30

// indexDoc stores the embedding as firestore.Vector32 so that FindNearest
// vector search works.
type indexDoc struct {
	Embedding     firestore.Vector32 `firestore:"Embedding"`
	DocumentID    string             `firestore:"DocumentID"`
	SourceName    string             `firestore:"SourceName"`
	SequenceIndex int                `firestore:"SequenceIndex"`
}

// index writes each entry with Create so an existing chunk ID is never
// overwritten. Writes are atomic per entry, not per batch.
type index struct {
	client           *firestore.Client
	collectionPrefix string
}

func (x *index) collection() *firestore.CollectionRef {
	return x.client.Collection(x.collectionPrefix + CollectionIndex)
}

func (x *index) Upsert(ctx context.Context, entries []*model.IndexEntry) (*model.UpsertResult, error) {
	result := &model.UpsertResult{}
	if len(entries) == 0 {
		return result, nil
	}

	type pending struct {
		chunkID model.ChunkID
		job     *firestore.BulkWriterJob
	}

	bw := x.client.BulkWriter(ctx)
	jobs := make([]pending, 0, len(entries))
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

		job, err := bw.Create(x.collection().Doc(e.ChunkID.String()), &indexDoc{
			Embedding:     firestore.Vector32(e.Embedding),
			DocumentID:    e.Metadata.DocumentID.String(),
			SourceName:    e.Metadata.SourceName,
			SequenceIndex: e.Metadata.SequenceIndex,
		})
		if err != nil {
			result.Failed = append(result.Failed, model.FailedEntry{ChunkID: e.ChunkID, Err: err})
			continue
		}
		jobs = append(jobs, pending{chunkID: e.ChunkID, job: job})
	}
	bw.End()

	for _, p := range jobs {
		_, err := p.job.Results()
		switch {
		case err == nil:
			result.Inserted++
		case status.Code(err) == codes.AlreadyExists:
			result.Skipped++
		default:
			result.Failed = append(result.Failed, model.FailedEntry{
				ChunkID: p.chunkID,
				Err:     errors.Join(model.ErrIndex, err),
			})
		}
	}
	return result, nil
}

// Query runs one nearest neighbour search per group of at most maxInFilter
// document IDs and merges the groups' results
func (x *index) Query(ctx context.Context, vector []float32, k int, filter *model.IndexFilter) ([]*model.ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	if filter == nil || len(filter.DocumentIDs) == 0 {
		return x.queryGroup(ctx, vector, k, nil)
	}

	var hits []*model.ScoredEntry
	for start := 0; start < len(filter.DocumentIDs); start += maxInFilter {
		end := min(start+maxInFilter, len(filter.DocumentIDs))
		group, err := x.queryGroup(ctx, vector, k, filter.DocumentIDs[start:end])
		if err != nil {
			return nil, err
		}
		hits = append(hits, group...)
	}

	model.SortScoredEntries(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *index) queryGroup(ctx context.Context, vector []float32, k int, docIDs []model.DocumentID) ([]*model.ScoredEntry, error) {
	q := x.collection().Query
	if len(docIDs) > 0 {
		ids := make([]string, len(docIDs))
		for i, id := range docIDs {
			ids[i] = id.String()
		}
		q = q.Where("DocumentID", "in", ids)
	}

	vq := q.FindNearest("Embedding", firestore.Vector32(vector), k, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	hits := make([]*model.ScoredEntry, 0, k)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(errors.Join(model.ErrIndex, err), "failed to iterate vector search results")
		}

		var d indexDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to unmarshal index entry", goerr.V(model.ChunkIDKey, snap.Ref.ID))
		}
		entry := &model.IndexEntry{
			ChunkID:   model.ChunkID(snap.Ref.ID),
			Embedding: []float32(d.Embedding),
			Metadata: model.IndexMetadata{
				DocumentID:    model.DocumentID(d.DocumentID),
				SourceName:    d.SourceName,
				SequenceIndex: d.SequenceIndex,
			},
		}

		score := model.CosineSimilarity(vector, entry.Embedding)
		if dist, ok := snap.Data()[distanceField].(float64); ok {
			score = 1 - dist
		}
		hits = append(hits, &model.ScoredEntry{Entry: entry, Score: score})
	}

	model.SortScoredEntries(hits)
	return hits, nil
}

func (x *index) Delete(ctx context.Context, docID model.DocumentID) error {
	if err := deleteWhere(ctx, x.client, x.collection(), "DocumentID", docID.String()); err != nil {
		return goerr.Wrap(errors.Join(model.ErrIndex, err), "failed to delete index entries", goerr.V(model.DocumentIDKey, docID))
	}
	return nil
}

func (x *index) Count(ctx context.Context, docID model.DocumentID) (int, error) {
	snaps, err := x.collection().Where("DocumentID", "==", docID.String()).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, goerr.Wrap(errors.Join(model.ErrIndex, err), "failed to count index entries", goerr.V(model.DocumentIDKey, docID))
	}
	return len(snaps), nil
}
