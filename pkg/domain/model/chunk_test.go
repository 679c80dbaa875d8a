package model_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
)

func span(doc model.DocumentID, text string, seq, start, end int) *model.Chunk {
	return &model.Chunk{
		ID:            model.NewChunkID(doc, seq),
		DocumentID:    doc,
		SequenceIndex: seq,
		Text:          text[start:end],
		Start:         start,
		End:           end,
	}
}

func TestReconstructText(t *testing.T) {
	text := "Welcome aboard. Badges are issued on day one. Payroll runs monthly."
	doc := model.NewDocumentID([]byte(text))

	t.Run("overlapping chunks out of order", func(t *testing.T) {
		chunks := []*model.Chunk{
			span(doc, text, 2, 40, len(text)),
			span(doc, text, 0, 0, 30),
			span(doc, text, 1, 16, 50),
		}
		gt.Value(t, model.ReconstructText(chunks)).Equal(text)
		gt.Number(t, chunks[0].SequenceIndex).Equal(2)
	})

	t.Run("single chunk", func(t *testing.T) {
		gt.Value(t, model.ReconstructText([]*model.Chunk{span(doc, text, 0, 0, len(text))})).Equal(text)
	})

	t.Run("empty", func(t *testing.T) {
		gt.Value(t, model.ReconstructText(nil)).Equal("")
	})
}

func TestIdentifiers(t *testing.T) {
	a := model.NewDocumentID([]byte("same bytes"))
	b := model.NewDocumentID([]byte("same bytes"))
	c := model.NewDocumentID([]byte("other bytes"))

	gt.Value(t, a).Equal(b)
	gt.Value(t, a).NotEqual(c)
	gt.Number(t, len(a.String())).Equal(64)

	gt.Value(t, model.NewChunkID(a, 3)).Equal(model.NewChunkID(b, 3))
	gt.Value(t, model.NewChunkID(a, 3)).NotEqual(model.NewChunkID(a, 4))

	gt.Value(t, model.NewConversationID()).NotEqual(model.NewConversationID())
}

func TestDocumentSearchable(t *testing.T) {
	var nilDoc *model.Document
	gt.Bool(t, nilDoc.Searchable()).False()

	for _, s := range types.AllIngestionStatuses() {
		doc := &model.Document{Status: s}
		gt.Value(t, doc.Searchable()).Equal(s == types.IngestionStatusComplete)
	}
}

func TestRetrievalResultCitations(t *testing.T) {
	var empty *model.RetrievalResult
	gt.Bool(t, empty.IsEmpty()).True()
	gt.Array(t, empty.Citations()).Length(0)

	res := &model.RetrievalResult{
		Query: "badge",
		Hits: []*model.RetrievalHit{
			{Chunk: &model.Chunk{DocumentID: "d1", SequenceIndex: 4}, SourceName: "handbook.md", Score: 0.9},
			{Chunk: &model.Chunk{DocumentID: "d2", SequenceIndex: 0}, SourceName: "it.md", Score: 0.7},
		},
	}
	gt.Bool(t, res.IsEmpty()).False()

	citations := res.Citations()
	gt.Array(t, citations).Length(2)
	gt.Value(t, citations[0].SourceName).Equal("handbook.md")
	gt.Number(t, citations[0].SequenceIndex).Equal(4)
	gt.Value(t, citations[1].DocumentID).Equal(model.DocumentID("d2"))
}
