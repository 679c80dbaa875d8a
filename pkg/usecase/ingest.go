package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
	"github.com/secmon-lab/onboarder/pkg/service/extract"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
	"golang.org/x/sync/singleflight"
)

// IngestResult is the outcome of one upload
type IngestResult struct {
	Document *model.Document `json:"document"`

	// Deduplicated is set when identical content was already complete
	Deduplicated bool `json:"deduplicated"`

	// Joined is set when the call waited for an in-flight ingestion of the same content
	Joined bool `json:"joined"`

	// Err is the stage failure for a failed document
	Err error `json:"-"`
}

// Status returns the document's ingestion status
func (r *IngestResult) Status() types.IngestionStatus {
	return r.Document.Status
}

// IngestUseCase runs the ingestion state machine. It is the only writer of
// chunks and index entries.
type IngestUseCase struct {
	repo      interfaces.Repository
	embedder  interfaces.Embedder
	chunker   *chunker.Chunker
	extractor *extract.Extractor
	blobs     interfaces.BlobStore
	policy    retry.Policy
	now       func() time.Time
	group     singleflight.Group

	flightsMu sync.Mutex
	flights   map[model.DocumentID]*flight
}

// flight is the context shared by every caller waiting on one in-flight
// ingestion. It is canceled only when all of those callers are gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	callers []context.Context
}

// IngestOption configures an IngestUseCase
type IngestOption func(*IngestUseCase)

// WithBlobStore keeps the raw upload bytes under "<document_id><ext>"
func WithBlobStore(store interfaces.BlobStore) IngestOption {
	return func(uc *IngestUseCase) {
		uc.blobs = store
	}
}

// WithExtractor replaces the text extractor
func WithExtractor(e *extract.Extractor) IngestOption {
	return func(uc *IngestUseCase) {
		uc.extractor = e
	}
}

// WithIngestRetryPolicy sets the policy for embedding and index calls
func WithIngestRetryPolicy(p retry.Policy) IngestOption {
	return func(uc *IngestUseCase) {
		uc.policy = p
	}
}

// WithIngestClock replaces time.Now
func WithIngestClock(now func() time.Time) IngestOption {
	return func(uc *IngestUseCase) {
		uc.now = now
	}
}

// NewIngestUseCase creates the ingestion pipeline
func NewIngestUseCase(repo interfaces.Repository, emb interfaces.Embedder, ch *chunker.Chunker, opts ...IngestOption) *IngestUseCase {
	uc := &IngestUseCase{
		repo:      repo,
		embedder:  emb,
		chunker:   ch,
		extractor: extract.New(),
		policy:    retry.Default(),
		now:       time.Now,
		flights:   make(map[model.DocumentID]*flight),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Supports reports whether a file name has an accepted extension
func (uc *IngestUseCase) Supports(sourceName string) bool {
	return uc.extractor.Supports(sourceName)
}

// IngestFile reads path and ingests it under its base name
func (uc *IngestUseCase) IngestFile(ctx context.Context, path string) (*IngestResult, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read file", goerr.V("path", path))
	}
	return uc.Ingest(ctx, filepath.Base(path), data)
}

// Ingest runs raw file bytes through received, chunked, embedded, indexed and
// complete. Stage failures are reported in the result with status failed and
// the failed stage; the returned error is reserved for rejected input and
// storage failures that prevent recording the status.
//
// Identical content that is already complete is not processed again, and a
// concurrent upload of identical content joins the in-flight run.
func (uc *IngestUseCase) Ingest(ctx context.Context, sourceName string, data []byte) (*IngestResult, error) {
	sourceName = filepath.Base(strings.TrimSpace(sourceName))
	if !uc.extractor.Supports(sourceName) {
		return nil, goerr.Wrap(model.ErrChunking, "unsupported file type", goerr.V(model.SourceNameKey, sourceName))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, goerr.Wrap(model.ErrChunking, "empty document", goerr.V(model.SourceNameKey, sourceName))
	}

	id := model.NewDocumentID(data)
	var started bool
	f, ch := uc.attach(ctx, id, func(f *flight) (any, error) {
		started = true
		return uc.ingest(f.ctx, f, id, sourceName, data)
	})
	stop := context.AfterFunc(ctx, func() { uc.abandon(f) })
	res := <-ch
	stop()
	uc.detach(id, f, ctx)

	if res.Err != nil {
		return nil, res.Err
	}

	result := *res.Val.(*IngestResult)
	result.Document = result.Document.Copy()
	if !started {
		result.Joined = true
		logging.From(ctx).Info("joined in-flight ingestion", slog.String(model.DocumentIDKey, id.String()))
	}
	return &result, nil
}

// attach registers ctx as a caller of the flight for id and joins or starts
// the ingestion run. Both happen under one lock so a registered caller is
// always part of the run.
func (uc *IngestUseCase) attach(ctx context.Context, id model.DocumentID, fn func(f *flight) (any, error)) (*flight, <-chan singleflight.Result) {
	uc.flightsMu.Lock()
	defer uc.flightsMu.Unlock()

	f, ok := uc.flights[id]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		uc.flights[id] = f
	}
	f.callers = append(f.callers, ctx)

	ch := uc.group.DoChan(id.String(), func() (any, error) {
		return fn(f)
	})
	return f, ch
}

func (uc *IngestUseCase) detach(id model.DocumentID, f *flight, ctx context.Context) {
	uc.flightsMu.Lock()
	defer uc.flightsMu.Unlock()

	for i, c := range f.callers {
		if c == ctx {
			f.callers = append(f.callers[:i], f.callers[i+1:]...)
			break
		}
	}
	if len(f.callers) == 0 {
		if uc.flights[id] == f {
			delete(uc.flights, id)
		}
		f.cancel()
	}
}

// abandon cancels the shared run once no caller is left to receive it
func (uc *IngestUseCase) abandon(f *flight) {
	if err := uc.abandoned(f); err != nil {
		f.cancel()
	}
}

// abandoned returns the cancellation cause when every caller of f is done
func (uc *IngestUseCase) abandoned(f *flight) error {
	uc.flightsMu.Lock()
	defer uc.flightsMu.Unlock()

	var cause error
	for _, c := range f.callers {
		err := c.Err()
		if err == nil {
			return nil
		}
		if cause == nil {
			cause = err
		}
	}
	return cause
}

func (uc *IngestUseCase) ingest(ctx context.Context, f *flight, id model.DocumentID, sourceName string, data []byte) (*IngestResult, error) {
	logger := logging.From(ctx).With(slog.String(model.DocumentIDKey, id.String()), slog.String(model.SourceNameKey, sourceName))
	ctx = logging.With(ctx, logger)

	existing, err := uc.repo.Document().Get(ctx, id)
	switch {
	case err == nil && existing.Status == types.IngestionStatusComplete:
		logger.Info("document already ingested")
		return &IngestResult{Document: existing, Deduplicated: true}, nil

	case err == nil:
		// a previous run failed or was interrupted; start over from clean state
		logger.Info("re-ingesting incomplete document", slog.String("status", existing.Status.String()))
		if err := uc.rollback(ctx, id); err != nil {
			return nil, err
		}

	case !errors.Is(err, model.ErrDocumentNotFound):
		return nil, goerr.Wrap(err, "failed to look up document", goerr.V(model.DocumentIDKey, id))
	}

	now := uc.now().UTC()
	doc := &model.Document{
		ID:         id,
		SourceName: sourceName,
		UploadedAt: now,
		Status:     types.IngestionStatusReceived,
		UpdatedAt:  now,
	}
	if err := uc.repo.Document().Put(ctx, doc); err != nil {
		return nil, goerr.Wrap(err, "failed to record document", goerr.V(model.DocumentIDKey, id))
	}
	logger.Info("ingestion stage", slog.String("from", ""), slog.String("to", doc.Status.String()))

	if uc.blobs != nil {
		key := id.String() + strings.ToLower(filepath.Ext(sourceName))
		if err := uc.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
			logger.Warn("failed to keep raw upload", slog.String("key", key), logging.ErrAttr(err))
		}
	}

	p := &pipeline{uc: uc, flight: f, doc: doc, data: data}
	return p.run(ctx)
}

// pipeline holds the state of one document's run. Stages execute strictly in
// order and cancellation is checked between them.
type pipeline struct {
	uc      *IngestUseCase
	flight  *flight
	doc     *model.Document
	data    []byte
	chunks  []*model.Chunk
	entries []*model.IndexEntry
}

func (p *pipeline) run(ctx context.Context) (*IngestResult, error) {
	stages := []struct {
		to types.IngestionStatus
		fn func(ctx context.Context) error
	}{
		{types.IngestionStatusChunked, p.chunk},
		{types.IngestionStatusEmbedded, p.embed},
		{types.IngestionStatusIndexed, p.index},
	}

	for _, stage := range stages {
		if err := p.canceled(ctx); err != nil {
			return p.fail(ctx, stage.to, goerr.Wrap(err, "ingestion canceled"))
		}
		if err := stage.fn(ctx); err != nil {
			return p.fail(ctx, stage.to, err)
		}
		if err := p.transition(ctx, stage.to); err != nil {
			return nil, err
		}
	}

	if err := p.transition(ctx, types.IngestionStatusComplete); err != nil {
		return nil, err
	}
	return &IngestResult{Document: p.doc.Copy()}, nil
}

// canceled reports cancellation at a stage boundary. A run shared by several
// uploads stops only when all of them have been canceled.
func (p *pipeline) canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.flight != nil {
		return p.uc.abandoned(p.flight)
	}
	return nil
}

func (p *pipeline) transition(ctx context.Context, to types.IngestionStatus) error {
	from := p.doc.Status
	p.doc.Status = to
	p.doc.UpdatedAt = p.uc.now().UTC()
	if err := p.uc.repo.Document().Put(ctx, p.doc); err != nil {
		return goerr.Wrap(err, "failed to update document status",
			goerr.V(model.DocumentIDKey, p.doc.ID),
			goerr.V(model.StageKey, to))
	}
	logging.From(ctx).Info("ingestion stage", slog.String("from", from.String()), slog.String("to", to.String()))
	return nil
}

// fail removes every chunk and index entry of the document and records
// failed(stage). Status writes use a context detached from cancellation.
func (p *pipeline) fail(ctx context.Context, stage types.IngestionStatus, cause error) (*IngestResult, error) {
	wctx := context.WithoutCancel(ctx)
	logger := logging.From(ctx)

	if err := p.uc.rollback(wctx, p.doc.ID); err != nil {
		logger.Error("rollback failed", logging.ErrAttr(err))
	}

	from := p.doc.Status
	p.doc.Status = types.IngestionStatusFailed
	p.doc.FailedStage = stage
	p.doc.Error = cause.Error()
	p.doc.ChunkCount = 0
	p.doc.UpdatedAt = p.uc.now().UTC()
	if err := p.uc.repo.Document().Put(wctx, p.doc); err != nil {
		return nil, goerr.Wrap(err, "failed to record ingestion failure",
			goerr.V(model.DocumentIDKey, p.doc.ID),
			goerr.V(model.StageKey, stage))
	}

	logger.Warn("ingestion stage",
		slog.String("from", from.String()),
		slog.String("to", "failed("+stage.String()+")"),
		logging.ErrAttr(cause))
	return &IngestResult{Document: p.doc.Copy(), Err: cause}, nil
}

func (p *pipeline) chunk(ctx context.Context) error {
	text, err := p.uc.extractor.Extract(ctx, p.doc.SourceName, p.data)
	if err != nil {
		return err
	}
	p.doc.Text = text

	chunks, err := p.uc.chunker.Chunk(p.doc.ID, text)
	if err != nil {
		return err
	}
	if err := p.uc.repo.Chunk().PutMany(ctx, chunks); err != nil {
		return goerr.Wrap(err, "failed to store chunks", goerr.V(model.DocumentIDKey, p.doc.ID))
	}

	p.chunks = chunks
	p.doc.ChunkCount = len(chunks)
	return nil
}

// embed sends chunks in batches. Each batch is retried on its own, so a
// transient failure only repeats the batch that failed.
func (p *pipeline) embed(ctx context.Context) error {
	entries, err := p.uc.embedChunks(ctx, p.doc, p.chunks)
	if err != nil {
		return err
	}
	p.entries = entries
	return nil
}

// index upserts all entries. Entries the index reports as failed are
// re-embedded and upserted again within the retry budget.
func (p *pipeline) index(ctx context.Context) error {
	byID := make(map[model.ChunkID]*model.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		byID[c.ID] = c
	}

	pending := p.entries
	var reembed []*model.Chunk
	err := p.uc.policy.Do(ctx, func(ctx context.Context) error {
		if len(reembed) > 0 {
			entries, err := p.uc.embedChunks(ctx, p.doc, reembed)
			if err != nil {
				return err
			}
			pending = entries
			reembed = nil
		}

		res, err := p.uc.repo.Index().Upsert(ctx, pending)
		if err != nil {
			return errors.Join(model.ErrIndex, err)
		}
		if len(res.Failed) == 0 {
			return nil
		}

		for _, id := range res.FailedChunkIDs() {
			reembed = append(reembed, byID[id])
		}
		return retry.Transient(goerr.Wrap(model.ErrIndex, "index entries failed",
			goerr.V("failed", len(res.Failed)),
			goerr.V("first_error", res.Failed[0].Err)))
	})
	if err != nil {
		return goerr.Wrap(err, "failed to index document", goerr.V(model.DocumentIDKey, p.doc.ID))
	}

	n, err := p.uc.repo.Index().Count(ctx, p.doc.ID)
	if err != nil {
		return goerr.Wrap(errors.Join(model.ErrIndex, err), "failed to count index entries")
	}
	if n != len(p.chunks) {
		return goerr.Wrap(model.ErrIndex, "index entry count mismatch",
			goerr.V("expected", len(p.chunks)),
			goerr.V("actual", n))
	}
	return nil
}

func (uc *IngestUseCase) embedChunks(ctx context.Context, doc *model.Document, chunks []*model.Chunk) ([]*model.IndexEntry, error) {
	batchSize := max(uc.embedder.BatchSize(), 1)
	entries := make([]*model.IndexEntry, 0, len(chunks))

	for start := 0; start < len(chunks); start += batchSize {
		batch := chunks[start:min(start+batchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		var vectors [][]float32
		err := uc.policy.Do(ctx, func(ctx context.Context) error {
			v, err := uc.embedder.Embed(ctx, texts)
			if err != nil {
				return err
			}
			vectors = v
			return nil
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed chunks",
				goerr.V(model.DocumentIDKey, doc.ID),
				goerr.V("offset", start))
		}

		for i, c := range batch {
			entries = append(entries, &model.IndexEntry{
				ChunkID:   c.ID,
				Embedding: vectors[i],
				Metadata: model.IndexMetadata{
					DocumentID:    doc.ID,
					SourceName:    doc.SourceName,
					SequenceIndex: c.SequenceIndex,
				},
			})
		}
	}
	return entries, nil
}

// rollback deletes index entries before chunks so no entry ever points at a
// missing chunk
func (uc *IngestUseCase) rollback(ctx context.Context, id model.DocumentID) error {
	if err := uc.repo.Index().Delete(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to delete index entries", goerr.V(model.DocumentIDKey, id))
	}
	if err := uc.repo.Chunk().DeleteByDocument(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to delete chunks", goerr.V(model.DocumentIDKey, id))
	}
	return nil
}

// Get returns one document
func (uc *IngestUseCase) Get(ctx context.Context, id model.DocumentID) (*model.Document, error) {
	doc, err := uc.repo.Document().Get(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get document", goerr.V(model.DocumentIDKey, id))
	}
	return doc, nil
}

// List returns all documents, newest first
func (uc *IngestUseCase) List(ctx context.Context) ([]*model.Document, error) {
	docs, err := uc.repo.Document().List(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list documents")
	}
	return docs, nil
}

// Delete removes a document with its index entries, chunks and raw upload
func (uc *IngestUseCase) Delete(ctx context.Context, id model.DocumentID) error {
	doc, err := uc.repo.Document().Get(ctx, id)
	if err != nil {
		return goerr.Wrap(err, "failed to get document", goerr.V(model.DocumentIDKey, id))
	}

	if err := uc.rollback(ctx, id); err != nil {
		return err
	}
	if uc.blobs != nil {
		key := id.String() + strings.ToLower(filepath.Ext(doc.SourceName))
		if err := uc.blobs.Delete(ctx, key); err != nil {
			logging.From(ctx).Warn("failed to delete raw upload", slog.String("key", key), logging.ErrAttr(err))
		}
	}
	if err := uc.repo.Document().Delete(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V(model.DocumentIDKey, id))
	}

	logging.From(ctx).Info("document deleted", slog.String(model.DocumentIDKey, id.String()))
	return nil
}
