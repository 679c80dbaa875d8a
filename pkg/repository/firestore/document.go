package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type documentDoc struct {
	SourceName  string    `firestore:"SourceName"`
	Text        string    `firestore:"Text"`
	UploadedAt  time.Time `firestore:"UploadedAt"`
	Status      string    `firestore:"Status"`
	FailedStage string    `firestore:"FailedStage"`
	Error       string    `firestore:"Error"`
	ChunkCount  int       `firestore:"ChunkCount"`
	UpdatedAt   time.Time `firestore:"UpdatedAt"`
}

func snapshotToDocument(snap *firestore.DocumentSnapshot) (*model.Document, error) {
	var d documentDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal document", goerr.V(model.DocumentIDKey, snap.Ref.ID))
	}
	return &model.Document{
		ID:          model.DocumentID(snap.Ref.ID),
		SourceName:  d.SourceName,
		Text:        d.Text,
		UploadedAt:  d.UploadedAt,
		Status:      types.IngestionStatus(d.Status),
		FailedStage: types.IngestionStatus(d.FailedStage),
		Error:       d.Error,
		ChunkCount:  d.ChunkCount,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

type documentRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func (r *documentRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(r.collectionPrefix + CollectionDocuments)
}

func (r *documentRepository) Put(ctx context.Context, doc *model.Document) error {
	if doc == nil || doc.ID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "document ID is required")
	}

	_, err := r.collection().Doc(doc.ID.String()).Set(ctx, &documentDoc{
		SourceName:  doc.SourceName,
		Text:        doc.Text,
		UploadedAt:  doc.UploadedAt,
		Status:      doc.Status.String(),
		FailedStage: doc.FailedStage.String(),
		Error:       doc.Error,
		ChunkCount:  doc.ChunkCount,
		UpdatedAt:   doc.UpdatedAt,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to put document", goerr.V(model.DocumentIDKey, doc.ID))
	}
	return nil
}

func (r *documentRepository) Get(ctx context.Context, id model.DocumentID) (*model.Document, error) {
	snap, err := r.collection().Doc(id.String()).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrDocumentNotFound, "document not found", goerr.V(model.DocumentIDKey, id))
		}
		return nil, goerr.Wrap(err, "failed to get document", goerr.V(model.DocumentIDKey, id))
	}
	return snapshotToDocument(snap)
}

func (r *documentRepository) GetMany(ctx context.Context, ids []model.DocumentID) (map[model.DocumentID]*model.Document, error) {
	result := make(map[model.DocumentID]*model.Document, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = r.collection().Doc(id.String())
	}

	snaps, err := r.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get documents", goerr.V("count", len(ids)))
	}

	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		doc, err := snapshotToDocument(snap)
		if err != nil {
			return nil, err
		}
		result[doc.ID] = doc
	}
	return result, nil
}

func (r *documentRepository) List(ctx context.Context) ([]*model.Document, error) {
	snaps, err := r.collection().Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list documents")
	}

	docs := make([]*model.Document, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := snapshotToDocument(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
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
	if _, err := r.collection().Doc(id.String()).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V(model.DocumentIDKey, id))
	}
	return nil
}
