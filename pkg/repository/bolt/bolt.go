package bolt

import (
	"bytes"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"go.etcd.io/bbolt"
)

var (
	bucketDocuments     = []byte("documents")
	bucketChunks        = []byte("chunks")
	bucketIndex         = []byte("index")
	bucketConversations = []byte("conversations")
)

// Bolt is a single-file embedded repository. Chunk IDs start with their
// document ID, so per-document scans are prefix scans.
type Bolt struct {
	db           *bbolt.DB
	document     *documentRepository
	chunk        *chunkRepository
	index        *index
	conversation *conversationRepository
}

var _ interfaces.Repository = &Bolt{}

// New opens (or creates) the database file at path
func New(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open bolt db", goerr.V("path", path))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketChunks, bucketIndex, bucketConversations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return goerr.Wrap(err, "failed to create bucket", goerr.V("bucket", string(b)))
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Bolt{
		db:           db,
		document:     &documentRepository{db: db},
		chunk:        &chunkRepository{db: db},
		index:        &index{db: db},
		conversation: &conversationRepository{db: db},
	}, nil
}

func (b *Bolt) Document() interfaces.DocumentRepository {
	return b.document
}

func (b *Bolt) Chunk() interfaces.ChunkRepository {
	return b.chunk
}

func (b *Bolt) Index() interfaces.Index {
	return b.index
}

func (b *Bolt) Conversation() interfaces.ConversationRepository {
	return b.conversation
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// docPrefix is the key prefix shared by every chunk of a document
func docPrefix(docID string) []byte {
	return []byte(docID + "-")
}

// deletePrefix removes every key of bucket that starts with prefix
func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return goerr.Wrap(err, "failed to delete key", goerr.V("key", string(k)))
		}
	}
	return nil
}
