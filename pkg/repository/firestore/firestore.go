package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
)

// Collection names; a prefix set with WithCollectionPrefix is prepended
const (
	CollectionDocuments     = "documents"
	CollectionChunks        = "chunks"
	CollectionIndex         = "index_entries"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

type Firestore struct {
	client       *firestore.Client
	document     *documentRepository
	chunk        *chunkRepository
	index        *index
	conversation *conversationRepository
}

var _ interfaces.Repository = &Firestore{}

type Option func(*Firestore)

func WithCollectionPrefix(prefix string) Option {
	return func(f *Firestore) {
		f.document.collectionPrefix = prefix
		f.chunk.collectionPrefix = prefix
		f.index.collectionPrefix = prefix
		f.conversation.collectionPrefix = prefix
	}
}

// New connects to the given database. An empty databaseID selects the default database.
func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID),
			goerr.V("databaseID", databaseID))
	}

	f := &Firestore{
		client:       client,
		document:     &documentRepository{client: client},
		chunk:        &chunkRepository{client: client},
		index:        &index{client: client},
		conversation: &conversationRepository{client: client},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *Firestore) Document() interfaces.DocumentRepository {
	return f.document
}

func (f *Firestore) Chunk() interfaces.ChunkRepository {
	return f.chunk
}

func (f *Firestore) Index() interfaces.Index {
	return f.index
}

func (f *Firestore) Conversation() interfaces.ConversationRepository {
	return f.conversation
}

func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// deleteWhere removes every document of coll whose field equals value
func deleteWhere(ctx context.Context, client *firestore.Client, coll *firestore.CollectionRef, field string, value any) error {
	docs, err := coll.Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return goerr.Wrap(err, "failed to list documents for deletion", goerr.V("collection", coll.ID))
	}
	if len(docs) == 0 {
		return nil
	}

	bw := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue deletion", goerr.V("doc", doc.Ref.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to delete document", goerr.V("collection", coll.ID))
		}
	}
	return nil
}
