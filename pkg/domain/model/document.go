package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/secmon-lab/onboarder/pkg/domain/types"
)

// DocumentID is the hex-encoded SHA-256 of the document's raw bytes
type DocumentID string

// NewDocumentID derives the content-hash ID of raw document bytes
func NewDocumentID(content []byte) DocumentID {
	sum := sha256.Sum256(content)
	return DocumentID(hex.EncodeToString(sum[:]))
}

func (id DocumentID) String() string {
	return string(id)
}

// Document is an uploaded file after text extraction. Text and identity are
// immutable; only the ingestion bookkeeping fields change over its lifetime.
type Document struct {
	ID         DocumentID
	SourceName string
	Text       string
	UploadedAt time.Time

	Status      types.IngestionStatus
	FailedStage types.IngestionStatus // set only when Status is failed
	Error       string
	ChunkCount  int
	UpdatedAt   time.Time
}

// Searchable reports whether the document's chunks may be returned by retrieval
func (d *Document) Searchable() bool {
	return d != nil && d.Status == types.IngestionStatusComplete
}

// Copy returns a deep copy of the document
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}
	copied := *d
	return &copied
}
