package model

// RetrievalHit is one chunk selected for grounding with its relevance score
type RetrievalHit struct {
	Chunk      *Chunk
	SourceName string
	Score      float64
}

// RetrievalResult is ordered by descending score and holds at most k hits
type RetrievalResult struct {
	Query string
	Hits  []*RetrievalHit
}

// IsEmpty reports whether nothing relevant was found
func (r *RetrievalResult) IsEmpty() bool {
	return r == nil || len(r.Hits) == 0
}

// Citation names a document that grounded an answer
type Citation struct {
	DocumentID    DocumentID `json:"document_id"`
	SourceName    string     `json:"source_name"`
	SequenceIndex int        `json:"sequence_index"`
	Score         float64    `json:"score"`
}

// Citations returns one citation per hit, in hit order
func (r *RetrievalResult) Citations() []Citation {
	if r == nil {
		return nil
	}
	citations := make([]Citation, 0, len(r.Hits))
	for _, h := range r.Hits {
		citations = append(citations, Citation{
			DocumentID:    h.Chunk.DocumentID,
			SourceName:    h.SourceName,
			SequenceIndex: h.Chunk.SequenceIndex,
			Score:         h.Score,
		})
	}
	return citations
}
