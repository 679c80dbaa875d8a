package usecase_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/repository/memory"
	"github.com/secmon-lab/onboarder/pkg/service/storage"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

func TestIngest_ThreeThousandTokenDocument(t *testing.T) {
	repo := memory.New()
	emb := &hashEmbedder{}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50), usecase.WithIngestRetryPolicy(fastPolicy()))

	ctx := context.Background()
	text := sentences("w", 300, 10)
	res, err := uc.Ingest(ctx, "handbook.txt", []byte(text))
	gt.NoError(t, err).Required()
	gt.Value(t, res.Status()).Equal(types.IngestionStatusComplete)
	gt.Value(t, res.Document.ChunkCount).Equal(7)
	gt.Value(t, res.Document.ID).Equal(model.NewDocumentID([]byte(text)))

	chunks, err := repo.Chunk().ListByDocument(ctx, res.Document.ID)
	gt.NoError(t, err).Required()
	gt.Array(t, chunks).Length(7).Required()
	for i := 1; i < len(chunks); i++ {
		gt.Number(t, chunks[i].TokenCount).LessOrEqual(500)
		prev := strings.Fields(chunks[i-1].Text)
		next := strings.Fields(chunks[i].Text)
		gt.Value(t, strings.Join(prev[len(prev)-50:], " ")).Equal(strings.Join(next[:50], " "))
	}
	gt.Value(t, model.ReconstructText(chunks)).Equal(text)

	n, err := repo.Index().Count(ctx, res.Document.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(7)
}

func TestIngest_Idempotent(t *testing.T) {
	repo := memory.New()
	emb := &hashEmbedder{}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 50, 5))
	ctx := context.Background()
	data := []byte(sentences("p", 20, 10))

	first, err := uc.Ingest(ctx, "policy.md", data)
	gt.NoError(t, err).Required()
	gt.Value(t, first.Status()).Equal(types.IngestionStatusComplete)
	embedCalls := emb.calls.Load()

	second, err := uc.Ingest(ctx, "policy-copy.md", data)
	gt.NoError(t, err).Required()
	gt.Bool(t, second.Deduplicated).True()
	gt.Value(t, second.Status()).Equal(types.IngestionStatusComplete)
	gt.Value(t, second.Document.SourceName).Equal("policy.md")
	gt.Value(t, emb.calls.Load()).Equal(embedCalls)

	docs, err := uc.List(ctx)
	gt.NoError(t, err).Required()
	gt.Array(t, docs).Length(1)

	n, err := repo.Index().Count(ctx, first.Document.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(first.Document.ChunkCount)
}

// waitForCallers blocks until n uploads are attached to the ingestion of id
func waitForCallers(t *testing.T, uc *usecase.IngestUseCase, id model.DocumentID, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for uc.IngestCallers(id) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d callers, got %d", n, uc.IngestCallers(id))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIngest_ConcurrentDuplicateJoins(t *testing.T) {
	repo := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	emb := &hashEmbedder{}
	emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
		once.Do(func() { close(entered) })
		<-release
		return hashVectors(texts), nil
	}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50))
	ctx := context.Background()
	data := []byte(sentences("d", 5, 10))
	id := model.NewDocumentID(data)

	results := make([]*usecase.IngestResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(ctx, "a.txt", data)
		gt.NoError(t, err)
		results[0] = res
	}()

	<-entered
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(ctx, "a.txt", data)
		gt.NoError(t, err)
		results[1] = res
	}()
	waitForCallers(t, uc, id, 2)
	close(release)
	wg.Wait()

	gt.Value(t, emb.calls.Load()).Equal(int32(1))
	for _, res := range results {
		gt.Value(t, res).NotNil().Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusComplete)
	}
	gt.Bool(t, results[0].Joined).False()
	gt.Bool(t, results[1].Joined).True()
	gt.Value(t, uc.IngestCallers(id)).Equal(0)

	n, err := repo.Index().Count(ctx, id)
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(1)
}

func TestIngest_JoinedRunSurvivesFirstCallerCancel(t *testing.T) {
	repo := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	emb := &hashEmbedder{}
	emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
		once.Do(func() { close(entered) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return hashVectors(texts), nil
	}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50), usecase.WithIngestRetryPolicy(fastPolicy()))
	data := []byte(sentences("j", 5, 10))
	id := model.NewDocumentID(data)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	results := make([]*usecase.IngestResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(firstCtx, "upload.txt", data)
		gt.NoError(t, err)
		results[0] = res
	}()

	<-entered
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(context.Background(), "upload.txt", data)
		gt.NoError(t, err)
		results[1] = res
	}()
	waitForCallers(t, uc, id, 2)

	cancelFirst()
	close(release)
	wg.Wait()

	gt.Value(t, results[1]).NotNil().Required()
	gt.Bool(t, results[1].Joined).True()
	gt.Value(t, results[1].Status()).Equal(types.IngestionStatusComplete)
	gt.Value(t, results[1].Document.FailedStage).Equal(types.IngestionStatus(""))

	doc, err := repo.Document().Get(context.Background(), id)
	gt.NoError(t, err).Required()
	gt.Value(t, doc.Status).Equal(types.IngestionStatusComplete)
}

func TestIngest_AllCallersCanceledStopsSharedRun(t *testing.T) {
	repo := memory.New()
	entered := make(chan struct{})
	var once sync.Once
	emb := &hashEmbedder{}
	emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50), usecase.WithIngestRetryPolicy(fastPolicy()))
	data := []byte(sentences("k", 5, 10))
	id := model.NewDocumentID(data)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelA()
	defer cancelB()

	results := make([]*usecase.IngestResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(ctxA, "a.txt", data)
		gt.NoError(t, err)
		results[0] = res
	}()
	<-entered
	go func() {
		defer wg.Done()
		res, err := uc.Ingest(ctxB, "a.txt", data)
		gt.NoError(t, err)
		results[1] = res
	}()
	waitForCallers(t, uc, id, 2)

	cancelA()
	cancelB()
	wg.Wait()

	for _, res := range results {
		gt.Value(t, res).NotNil().Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusEmbedded)
	}
	gt.Value(t, uc.IngestCallers(id)).Equal(0)
}

func TestIngest_EmbeddingRetry(t *testing.T) {
	t.Run("transient failure of one batch is retried alone", func(t *testing.T) {
		repo := memory.New()
		emb := &hashEmbedder{batch: 2}
		emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
			if call == 2 {
				return nil, errors.Join(model.ErrEmbeddingService, retry.Transient(errors.New("503")))
			}
			return hashVectors(texts), nil
		}
		uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 10, 0), usecase.WithIngestRetryPolicy(fastPolicy()))

		res, err := uc.Ingest(context.Background(), "faq.txt", []byte(sentences("f", 5, 10)))
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusComplete)
		gt.Value(t, res.Document.ChunkCount).Equal(5)
		// 3 batches of 2, 2, 1 chunks plus one retry of the second batch
		gt.Value(t, emb.calls.Load()).Equal(int32(4))
	})

	t.Run("exhausted retries fail the embedded stage with nothing indexed", func(t *testing.T) {
		repo := memory.New()
		emb := &hashEmbedder{batch: 2}
		emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
			if call == 1 {
				return hashVectors(texts), nil
			}
			return nil, errors.Join(model.ErrEmbeddingService, retry.Transient(errors.New("503")))
		}
		uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 10, 0), usecase.WithIngestRetryPolicy(fastPolicy()))
		ctx := context.Background()

		res, err := uc.Ingest(ctx, "faq.txt", []byte(sentences("f", 5, 10)))
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusEmbedded)
		gt.Error(t, res.Err).Is(model.ErrEmbeddingService)
		// first batch succeeds, second batch tries three times
		gt.Value(t, emb.calls.Load()).Equal(int32(4))

		n, err := repo.Index().Count(ctx, res.Document.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, n).Equal(0)
		chunks, err := repo.Chunk().ListByDocument(ctx, res.Document.ID)
		gt.NoError(t, err).Required()
		gt.Array(t, chunks).Length(0)

		stored, err := uc.Get(ctx, res.Document.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Status).Equal(types.IngestionStatusFailed)
		gt.Bool(t, stored.Searchable()).False()
	})

	t.Run("oversized input is not retried", func(t *testing.T) {
		repo := memory.New()
		emb := &hashEmbedder{}
		emb.embedFn = func(ctx context.Context, call int, texts []string) ([][]float32, error) {
			return nil, model.ErrInputTooLarge
		}
		uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50), usecase.WithIngestRetryPolicy(fastPolicy()))

		res, err := uc.Ingest(context.Background(), "big.txt", []byte(sentences("b", 3, 10)))
		gt.NoError(t, err).Required()
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusEmbedded)
		gt.Error(t, res.Err).Is(model.ErrInputTooLarge)
		gt.Value(t, emb.calls.Load()).Equal(int32(1))
	})
}

func TestIngest_IndexFailures(t *testing.T) {
	t.Run("failed entries are re-embedded and upserted again", func(t *testing.T) {
		base := memory.New()
		idx := &flakyIndex{Index: base.Index()}
		var failedID model.ChunkID
		idx.upsertFn = func(call int, entries []*model.IndexEntry) (*model.UpsertResult, bool, error) {
			if call != 1 {
				return nil, false, nil
			}
			// commit all but the last entry
			last := entries[len(entries)-1]
			failedID = last.ChunkID
			res, err := base.Index().Upsert(context.Background(), entries[:len(entries)-1])
			if err != nil {
				return nil, true, err
			}
			res.Failed = []model.FailedEntry{{ChunkID: last.ChunkID, Err: errors.New("write conflict")}}
			return res, true, nil
		}
		repo := &indexOverride{Repository: base, index: idx}
		emb := &hashEmbedder{}
		uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 10, 0), usecase.WithIngestRetryPolicy(fastPolicy()))
		ctx := context.Background()

		res, err := uc.Ingest(ctx, "guide.txt", []byte(sentences("g", 4, 10)))
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusComplete)
		gt.Value(t, idx.upserts).Equal(2)
		// one embed for the document, one for the failed chunk
		gt.Value(t, emb.calls.Load()).Equal(int32(2))
		gt.Value(t, failedID).NotEqual(model.ChunkID(""))

		n, err := repo.Index().Count(ctx, res.Document.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, n).Equal(4)
	})

	t.Run("persistent failure rolls back to failed indexed", func(t *testing.T) {
		base := memory.New()
		idx := &flakyIndex{Index: base.Index()}
		idx.upsertFn = func(call int, entries []*model.IndexEntry) (*model.UpsertResult, bool, error) {
			res, err := base.Index().Upsert(context.Background(), entries[:1])
			if err != nil {
				return nil, true, err
			}
			for _, e := range entries[1:] {
				res.Failed = append(res.Failed, model.FailedEntry{ChunkID: e.ChunkID, Err: errors.New("quota")})
			}
			return res, true, nil
		}
		repo := &indexOverride{Repository: base, index: idx}
		uc := usecase.NewIngestUseCase(repo, &hashEmbedder{}, newChunker(t, 10, 0), usecase.WithIngestRetryPolicy(fastPolicy()))
		ctx := context.Background()

		res, err := uc.Ingest(ctx, "guide.txt", []byte(sentences("g", 4, 10)))
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusIndexed)
		gt.Error(t, res.Err).Is(model.ErrIndex)
		gt.Value(t, idx.upserts).Equal(3)

		n, err := base.Index().Count(ctx, res.Document.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, n).Equal(0)
	})

	t.Run("failed document is ingested again on re-upload", func(t *testing.T) {
		base := memory.New()
		idx := &flakyIndex{Index: base.Index()}
		broken := true
		idx.upsertFn = func(call int, entries []*model.IndexEntry) (*model.UpsertResult, bool, error) {
			if broken {
				return nil, true, errors.New("permission denied")
			}
			return nil, false, nil
		}
		repo := &indexOverride{Repository: base, index: idx}
		uc := usecase.NewIngestUseCase(repo, &hashEmbedder{}, newChunker(t, 10, 0), usecase.WithIngestRetryPolicy(fastPolicy()))
		ctx := context.Background()
		data := []byte(sentences("r", 3, 10))

		res, err := uc.Ingest(ctx, "retry.txt", data)
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)

		broken = false
		res, err = uc.Ingest(ctx, "retry.txt", data)
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusComplete)
		gt.Bool(t, res.Deduplicated).False()
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatus(""))
	})
}

func TestIngest_RejectsInput(t *testing.T) {
	repo := memory.New()
	uc := usecase.NewIngestUseCase(repo, &hashEmbedder{}, newChunker(t, 500, 50))
	ctx := context.Background()

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := uc.Ingest(ctx, "photo.png", []byte("abc"))
		gt.Error(t, err).Is(model.ErrChunking)
	})

	t.Run("empty upload", func(t *testing.T) {
		_, err := uc.Ingest(ctx, "blank.txt", []byte(" \n "))
		gt.Error(t, err).Is(model.ErrChunking)
	})

	t.Run("binary content fails the chunked stage", func(t *testing.T) {
		res, err := uc.Ingest(ctx, "bin.txt", []byte{'a', 0, 'b'})
		gt.NoError(t, err).Required()
		gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)
		gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusChunked)
		gt.Error(t, res.Err).Is(model.ErrChunking)
	})

	docs, err := uc.List(ctx)
	gt.NoError(t, err).Required()
	gt.Array(t, docs).Length(1)
}

func TestIngest_Canceled(t *testing.T) {
	repo := memory.New()
	emb := &hashEmbedder{}
	uc := usecase.NewIngestUseCase(repo, emb, newChunker(t, 500, 50))

	ctx, cancel := context.WithCancel(context.Background())
	emb.embedFn = func(_ context.Context, call int, texts []string) ([][]float32, error) {
		cancel()
		return hashVectors(texts), nil
	}

	res, err := uc.Ingest(ctx, "doc.txt", []byte(sentences("c", 3, 10)))
	gt.NoError(t, err).Required()
	gt.Value(t, res.Status()).Equal(types.IngestionStatusFailed)
	gt.Value(t, res.Document.FailedStage).Equal(types.IngestionStatusIndexed)
	gt.Error(t, res.Err).Is(context.Canceled)

	n, err := repo.Index().Count(context.Background(), res.Document.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(0)
}

func TestIngest_Delete(t *testing.T) {
	repo := memory.New()
	blobs, err := storage.NewLocal(t.TempDir())
	gt.NoError(t, err).Required()
	uc := usecase.NewIngestUseCase(repo, &hashEmbedder{}, newChunker(t, 10, 0), usecase.WithBlobStore(blobs))
	ctx := context.Background()

	res, err := uc.Ingest(ctx, "Benefits.MD", []byte(sentences("b", 3, 10)))
	gt.NoError(t, err).Required()
	id := res.Document.ID

	r, err := blobs.Get(ctx, id.String()+".md")
	gt.NoError(t, err).Required()
	gt.NoError(t, r.Close())

	gt.NoError(t, uc.Delete(ctx, id)).Required()

	_, err = uc.Get(ctx, id)
	gt.Error(t, err).Is(model.ErrDocumentNotFound)
	chunks, err := repo.Chunk().ListByDocument(ctx, id)
	gt.NoError(t, err).Required()
	gt.Array(t, chunks).Length(0)
	n, err := repo.Index().Count(ctx, id)
	gt.NoError(t, err).Required()
	gt.Value(t, n).Equal(0)
	_, err = blobs.Get(ctx, id.String()+".md")
	gt.Error(t, err).Is(storage.ErrObjectNotFound)

	gt.Error(t, uc.Delete(ctx, id)).Is(model.ErrDocumentNotFound)
}
