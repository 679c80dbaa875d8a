package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

// Retriever finds the chunks most relevant to a query
type Retriever struct {
	repo            interfaces.Repository
	embedder        interfaces.Embedder
	policy          retry.Policy
	timeout         time.Duration
	candidateFactor int
}

// RetrieverOption configures a Retriever
type RetrieverOption func(*Retriever)

// WithRetrieverRetryPolicy sets the policy for embedding and index calls
func WithRetrieverRetryPolicy(p retry.Policy) RetrieverOption {
	return func(r *Retriever) {
		r.policy = p
	}
}

// WithRetrievalTimeout bounds one Retrieve call including retries
func WithRetrievalTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		r.timeout = d
	}
}

// WithCandidateFactor sets how many candidates per requested hit are fetched
// from the index before filtering
func WithCandidateFactor(n int) RetrieverOption {
	return func(r *Retriever) {
		r.candidateFactor = n
	}
}

// NewRetriever creates a Retriever
func NewRetriever(repo interfaces.Repository, emb interfaces.Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		repo:            repo,
		embedder:        emb,
		policy:          retry.Default(),
		timeout:         10 * time.Second,
		candidateFactor: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.candidateFactor < 2 {
		r.candidateFactor = 2
	}
	return r
}

// MaxPerDocument is the diversity cap: at most ceil(k/2) hits from one document
func MaxPerDocument(k int) int {
	return (k + 1) / 2
}

// Retrieve returns at most k hits scoring at least minRelevance, in
// descending score order, drawn only from completely ingested documents.
// It never pads the result with chunks below minRelevance.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, minRelevance float64) (*model.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "query is empty")
	}
	if k < 1 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "k must be positive", goerr.V("k", k))
	}
	if minRelevance < -1 || minRelevance > 1 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "min relevance must be within [-1, 1]", goerr.V("min_relevance", minRelevance))
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.retrieve(rctx, query, k, minRelevance)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, goerr.Wrap(errors.Join(model.ErrRetrievalTimeout, err), "retrieval timed out",
				goerr.V("timeout", r.timeout))
		}
		return nil, err
	}

	logging.From(ctx).Debug("retrieved chunks",
		slog.Int("k", k),
		slog.Float64("min_relevance", minRelevance),
		slog.Int("hits", len(result.Hits)))
	return result, nil
}

func (r *Retriever) retrieve(ctx context.Context, query string, k int, minRelevance float64) (*model.RetrievalResult, error) {
	var vector []float32
	if err := r.policy.Do(ctx, func(ctx context.Context) error {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return err
		}
		vector = vectors[0]
		return nil
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	result := &model.RetrievalResult{Query: query}

	docs, err := r.searchableDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return result, nil
	}

	selected, err := r.selectDiverse(ctx, vector, docs, k, minRelevance)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return result, nil
	}

	chunkIDs := make([]model.ChunkID, len(selected))
	for i, s := range selected {
		chunkIDs[i] = s.Entry.ChunkID
	}
	chunks, err := r.repo.Chunk().GetMany(ctx, chunkIDs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load chunks")
	}

	for _, s := range selected {
		chunk, ok := chunks[s.Entry.ChunkID]
		if !ok {
			logging.From(ctx).Warn("index entry without chunk", slog.String(model.ChunkIDKey, s.Entry.ChunkID.String()))
			continue
		}
		result.Hits = append(result.Hits, &model.RetrievalHit{
			Chunk:      chunk,
			SourceName: docs[s.Entry.Metadata.DocumentID].SourceName,
			Score:      s.Score,
		})
	}
	return result, nil
}

func (r *Retriever) searchableDocuments(ctx context.Context) (map[model.DocumentID]*model.Document, error) {
	all, err := r.repo.Document().List(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list documents")
	}
	docs := make(map[model.DocumentID]*model.Document, len(all))
	for _, doc := range all {
		if doc.Searchable() {
			docs[doc.ID] = doc
		}
	}
	return docs, nil
}

// selectDiverse picks up to k entries scoring at least minRelevance with at
// most MaxPerDocument(k) from one document. Each index query covers only the
// searchable documents still below the cap. It stops once a candidate falls
// below minRelevance or a query brings nothing new.
func (r *Retriever) selectDiverse(ctx context.Context, vector []float32, docs map[model.DocumentID]*model.Document, k int, minRelevance float64) ([]*model.ScoredEntry, error) {
	limit := MaxPerDocument(k)
	perDoc := make(map[model.DocumentID]int)
	picked := make(map[model.ChunkID]bool)
	var selected []*model.ScoredEntry

	for len(selected) < k {
		var allowed []model.DocumentID
		pickedFromAllowed := 0
		for id := range docs {
			if perDoc[id] < limit {
				allowed = append(allowed, id)
				pickedFromAllowed += perDoc[id]
			}
		}
		if len(allowed) == 0 {
			break
		}
		sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })

		// entries already picked from allowed documents come back again, so
		// they are added on top of the fresh candidates wanted
		want := pickedFromAllowed + (k-len(selected))*r.candidateFactor
		filter := &model.IndexFilter{DocumentIDs: allowed}

		var candidates []*model.ScoredEntry
		if err := r.policy.Do(ctx, func(ctx context.Context) error {
			hits, err := r.repo.Index().Query(ctx, vector, want, filter)
			if err != nil {
				return errors.Join(model.ErrIndex, err)
			}
			candidates = hits
			return nil
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to query index")
		}

		progressed, belowThreshold := false, false
		for _, c := range candidates {
			if len(selected) == k {
				break
			}
			if c.Score < minRelevance {
				belowThreshold = true
				break
			}
			id := c.Entry.Metadata.DocumentID
			if picked[c.Entry.ChunkID] || docs[id] == nil || perDoc[id] >= limit {
				continue
			}
			picked[c.Entry.ChunkID] = true
			perDoc[id]++
			selected = append(selected, c)
			progressed = true
		}

		if belowThreshold || !progressed || len(candidates) < want {
			break
		}
	}

	model.SortScoredEntries(selected)
	return selected, nil
}
