package model

import (
	"math"
	"sort"
)

// EmbeddingDimension is the dimension of the embedding vector
// Gemini text-embedding-004 uses 768 dimensions
const EmbeddingDimension = 768

// IndexMetadata is stored alongside each vector
type IndexMetadata struct {
	DocumentID    DocumentID
	SourceName    string
	SequenceIndex int
}

// IndexEntry maps a chunk to its embedding
type IndexEntry struct {
	ChunkID   ChunkID
	Embedding []float32
	Metadata  IndexMetadata
}

// Copy returns a deep copy of the entry
func (e *IndexEntry) Copy() *IndexEntry {
	if e == nil {
		return nil
	}
	copied := *e
	if e.Embedding != nil {
		copied.Embedding = make([]float32, len(e.Embedding))
		copy(copied.Embedding, e.Embedding)
	}
	return &copied
}

// IndexFilter restricts a nearest-neighbor query. A nil filter matches every entry.
type IndexFilter struct {
	DocumentIDs []DocumentID
}

// Match reports whether entry passes the filter
func (f *IndexFilter) Match(entry *IndexEntry) bool {
	if f == nil || len(f.DocumentIDs) == 0 {
		return true
	}
	for _, id := range f.DocumentIDs {
		if entry.Metadata.DocumentID == id {
			return true
		}
	}
	return false
}

// ScoredEntry is a query hit with its cosine similarity
type ScoredEntry struct {
	Entry *IndexEntry
	Score float64
}

// FailedEntry reports one entry of a batch that could not be written
type FailedEntry struct {
	ChunkID ChunkID
	Err     error
}

// UpsertResult describes the outcome of a batch upsert. Entries not listed
// in Failed are committed, whether newly inserted or already present.
type UpsertResult struct {
	Inserted int
	Skipped  int
	Failed   []FailedEntry
}

// FailedChunkIDs returns the chunk IDs of failed entries
func (r *UpsertResult) FailedChunkIDs() []ChunkID {
	if r == nil {
		return nil
	}
	ids := make([]ChunkID, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ChunkID
	}
	return ids
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortScoredEntries orders hits by descending score, then ascending
// sequence index, then chunk ID, so equal scores always come back in the
// same order.
func SortScoredEntries(hits []*ScoredEntry) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Entry.Metadata.SequenceIndex != b.Entry.Metadata.SequenceIndex {
			return a.Entry.Metadata.SequenceIndex < b.Entry.Metadata.SequenceIndex
		}
		return a.Entry.ChunkID < b.Entry.ChunkID
	})
}
