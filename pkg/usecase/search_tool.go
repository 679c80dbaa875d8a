package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

const (
	groundedInstruction = "Answer only from these excerpts and cite the source names. Mark anything else as outside the provided documents."
	emptyInstruction    = "No relevant content was found. Tell the user the information is not in the provided documents. Do not guess."
)

// searchDocumentsTool exposes the retriever to the model
type searchDocumentsTool struct {
	retriever    *Retriever
	k            int
	minRelevance float64
}

func (t *searchDocumentsTool) Spec() gollem.ToolSpec {
	return gollem.ToolSpec{
		Name:        SearchDocumentsName,
		Description: "Search the uploaded company documents (handbooks, policies, guides) for passages relevant to a question.",
		Parameters: map[string]*gollem.Parameter{
			"query": {
				Type:        gollem.TypeString,
				Description: "A self-contained search query describing what to look for",
				Required:    true,
			},
		},
	}
}

func (t *searchDocumentsTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	result, err := t.retriever.Retrieve(ctx, query, t.k, t.minRelevance)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search documents")
	}
	return retrievalPayload(result), nil
}

func retrievalPayload(result *model.RetrievalResult) map[string]any {
	if result.IsEmpty() {
		return map[string]any{
			"results":     []map[string]any{},
			"count":       0,
			"instruction": emptyInstruction,
		}
	}

	items := make([]map[string]any, 0, len(result.Hits))
	for _, h := range result.Hits {
		items = append(items, map[string]any{
			"source":   h.SourceName,
			"chunk_id": h.Chunk.ID.String(),
			"score":    h.Score,
			"text":     h.Chunk.Text,
		})
	}
	return map[string]any{
		"results":     items,
		"count":       len(items),
		"instruction": groundedInstruction,
	}
}
