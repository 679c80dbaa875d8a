package model

import (
	"fmt"
	"sort"
	"strings"
)

// ChunkID identifies a chunk. It is derived from the document ID and the
// sequence index, so re-chunking identical content yields identical IDs.
type ChunkID string

// NewChunkID builds the deterministic ID of the seq-th chunk of a document
func NewChunkID(docID DocumentID, seq int) ChunkID {
	return ChunkID(fmt.Sprintf("%s-%05d", docID, seq))
}

func (id ChunkID) String() string {
	return string(id)
}

// Chunk is a bounded span of a document's text. Start and End are byte
// offsets into Document.Text, so Text == doc.Text[Start:End].
type Chunk struct {
	ID            ChunkID
	DocumentID    DocumentID
	SequenceIndex int
	Text          string
	TokenCount    int
	Start         int
	End           int
}

// Copy returns a copy of the chunk
func (c *Chunk) Copy() *Chunk {
	if c == nil {
		return nil
	}
	copied := *c
	return &copied
}

// SortChunks orders chunks by sequence index in place
func SortChunks(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].SequenceIndex < chunks[j].SequenceIndex
	})
}

// ReconstructText concatenates the non-overlapping spans of chunks in
// sequence order. For the chunks of one document it returns the original text.
func ReconstructText(chunks []*Chunk) string {
	ordered := make([]*Chunk, len(chunks))
	copy(ordered, chunks)
	SortChunks(ordered)

	var b strings.Builder
	covered := 0
	for _, c := range ordered {
		if c.End <= covered {
			continue
		}
		skip := covered - c.Start
		if skip < 0 {
			skip = 0
		}
		b.WriteString(c.Text[skip:])
		covered = c.End
	}
	return b.String()
}
