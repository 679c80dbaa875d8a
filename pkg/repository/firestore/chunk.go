package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type chunkDoc struct {
	DocumentID    string `firestore:"DocumentID"`
	SequenceIndex int    `firestore:"SequenceIndex"`
	Text          string `firestore:"Text"`
	TokenCount    int    `firestore:"TokenCount"`
	Start         int    `firestore:"Start"`
	End           int    `firestore:"End"`
}

func snapshotToChunk(snap *firestore.DocumentSnapshot) (*model.Chunk, error) {
	var d chunkDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal chunk", goerr.V(model.ChunkIDKey, snap.Ref.ID))
	}
	return &model.Chunk{
		ID:            model.ChunkID(snap.Ref.ID),
		DocumentID:    model.DocumentID(d.DocumentID),
		SequenceIndex: d.SequenceIndex,
		Text:          d.Text,
		TokenCount:    d.TokenCount,
		Start:         d.Start,
		End:           d.End,
	}, nil
}

type chunkRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func (r *chunkRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(r.collectionPrefix + CollectionChunks)
}

func (r *chunkRepository) PutMany(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(chunks))
	for _, c := range chunks {
		job, err := bw.Set(r.collection().Doc(c.ID.String()), &chunkDoc{
			DocumentID:    c.DocumentID.String(),
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			TokenCount:    c.TokenCount,
			Start:         c.Start,
			End:           c.End,
		})
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue chunk", goerr.V(model.ChunkIDKey, c.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to put chunk", goerr.V(model.ChunkIDKey, chunks[i].ID))
		}
	}
	return nil
}

func (r *chunkRepository) GetMany(ctx context.Context, ids []model.ChunkID) (map[model.ChunkID]*model.Chunk, error) {
	result := make(map[model.ChunkID]*model.Chunk, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = r.collection().Doc(id.String())
	}

	snaps, err := r.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chunks", goerr.V("count", len(ids)))
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		c, err := snapshotToChunk(snap)
		if err != nil {
			return nil, err
		}
		result[c.ID] = c
	}
	return result, nil
}

func (r *chunkRepository) ListByDocument(ctx context.Context, docID model.DocumentID) ([]*model.Chunk, error) {
	snaps, err := r.collection().Where("DocumentID", "==", docID.String()).Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chunks", goerr.V(model.DocumentIDKey, docID))
	}

	chunks := make([]*model.Chunk, 0, len(snaps))
	for _, snap := range snaps {
		c, err := snapshotToChunk(snap)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	model.SortChunks(chunks)
	return chunks, nil
}

func (r *chunkRepository) DeleteByDocument(ctx context.Context, docID model.DocumentID) error {
	return deleteWhere(ctx, r.client, r.collection(), "DocumentID", docID.String())
}
