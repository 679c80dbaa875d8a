package cli_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/cli"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/usecase"
)

func init() {
	color.NoColor = true
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	gt.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755)).Required()
	gt.NoError(t, os.WriteFile(path, []byte(content), 0o600)).Required()
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "docs", "b.md"), "b")
	writeFile(t, filepath.Join(dir, "docs", "nested", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "docs", "logo.png"), "png")
	writeFile(t, filepath.Join(dir, "single.png"), "png")

	supports := func(name string) bool {
		ext := filepath.Ext(name)
		return ext == ".md" || ext == ".txt"
	}

	t.Run("directory keeps supported files only", func(t *testing.T) {
		paths, err := cli.CollectFiles([]string{filepath.Join(dir, "docs")}, supports)
		gt.NoError(t, err).Required()
		gt.Array(t, paths).Length(2)
		gt.Value(t, paths[0]).Equal(filepath.Join(dir, "docs", "b.md"))
		gt.Value(t, paths[1]).Equal(filepath.Join(dir, "docs", "nested", "a.txt"))
	})

	t.Run("explicit file is kept", func(t *testing.T) {
		paths, err := cli.CollectFiles([]string{filepath.Join(dir, "single.png")}, supports)
		gt.NoError(t, err).Required()
		gt.Array(t, paths).Length(1)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := cli.CollectFiles([]string{filepath.Join(dir, "nope")}, supports)
		gt.Value(t, err).NotNil()
	})
}

type mockFileIngester struct {
	mu    sync.Mutex
	seen  []string
	runFn func(path string) (*usecase.IngestResult, error)
}

func (m *mockFileIngester) IngestFile(ctx context.Context, path string) (*usecase.IngestResult, error) {
	m.mu.Lock()
	m.seen = append(m.seen, path)
	m.mu.Unlock()
	return m.runFn(path)
}

func TestIngestFiles(t *testing.T) {
	doc := func(id string, status types.IngestionStatus) *model.Document {
		return &model.Document{ID: model.DocumentID(id), Status: status, ChunkCount: 4}
	}

	ing := &mockFileIngester{
		runFn: func(path string) (*usecase.IngestResult, error) {
			switch path {
			case "new.md":
				return &usecase.IngestResult{Document: doc("d1", types.IngestionStatusComplete)}, nil
			case "dup.md":
				return &usecase.IngestResult{Document: doc("d1", types.IngestionStatusComplete), Deduplicated: true}, nil
			case "broken.md":
				d := doc("d2", types.IngestionStatusFailed)
				d.FailedStage = types.IngestionStatusEmbedded
				d.Error = "quota exceeded"
				return &usecase.IngestResult{Document: d, Err: model.ErrEmbeddingService}, nil
			default:
				return nil, goerr.Wrap(model.ErrChunking, "unsupported extension")
			}
		},
	}

	var out bytes.Buffer
	failed := cli.IngestFiles(context.Background(), ing, []string{"new.md", "dup.md", "broken.md", "logo.png"}, 2, &out)

	gt.Number(t, failed).Equal(2)
	gt.Array(t, ing.seen).Length(4)

	lines := out.String()
	gt.String(t, lines).Contains("OK new.md: 4 chunks (d1)")
	gt.String(t, lines).Contains("-- dup.md: already ingested as d1")
	gt.String(t, lines).Contains("NG broken.md: failed at embedded: quota exceeded")
	gt.String(t, lines).Contains("NG logo.png")
}

type mockChatHandler struct {
	texts    []string
	handleFn func(id model.ConversationID, text string) (*usecase.ChatReply, error)
}

func (m *mockChatHandler) Handle(ctx context.Context, id model.ConversationID, text string) (*usecase.ChatReply, error) {
	m.texts = append(m.texts, text)
	return m.handleFn(id, text)
}

func TestChatLoop(t *testing.T) {
	chat := &mockChatHandler{
		handleFn: func(id model.ConversationID, text string) (*usecase.ChatReply, error) {
			return &usecase.ChatReply{
				ConversationID: id,
				Reply:          "reply to " + text,
				ToolResults: []*model.ToolResult{
					{Name: "list_events", Status: types.ToolStatusOK},
					{Name: "create_event", Status: types.ToolStatusError, Error: "start is in the past"},
				},
				Citations: []model.Citation{
					{SourceName: "handbook.md", SequenceIndex: 0},
					{SourceName: "handbook.md", SequenceIndex: 1},
					{SourceName: "benefits.md", SequenceIndex: 0},
				},
				Limitation: "stopped after 4 tool rounds",
			}, nil
		},
	}

	var out bytes.Buffer
	in := strings.NewReader("first question\n  second question  \nexit\nnever sent\n")
	err := cli.ChatLoop(context.Background(), chat, "conv-1", in, &out)
	gt.NoError(t, err).Required()

	gt.Array(t, chat.texts).Length(2)
	gt.Value(t, chat.texts[1]).Equal("second question")

	text := out.String()
	gt.String(t, text).Contains("conversation conv-1")
	gt.String(t, text).Contains("reply to first question")
	gt.String(t, text).Contains("[list_events] ok")
	gt.String(t, text).Contains("[create_event] start is in the past")
	gt.String(t, text).Contains("note: stopped after 4 tool rounds")
	gt.Number(t, strings.Count(text, "source: handbook.md")).Equal(2)
	gt.Number(t, strings.Count(text, "source: benefits.md")).Equal(2)
}

func TestSendMessageError(t *testing.T) {
	chat := &mockChatHandler{
		handleFn: func(id model.ConversationID, text string) (*usecase.ChatReply, error) {
			return nil, context.Canceled
		},
	}

	var out bytes.Buffer
	err := cli.SendMessage(context.Background(), chat, "conv-1", "hello", &out)
	gt.Bool(t, errors.Is(err, context.Canceled)).True()
	gt.Number(t, out.Len()).Equal(0)
}

func TestIndexConfig(t *testing.T) {
	cfg := cli.IndexConfig("test_", 768)

	gt.Array(t, cfg.Collections).Length(2)
	gt.Value(t, cfg.Collections[0].Name).Equal("test_index_entries")
	gt.Value(t, cfg.Collections[1].Name).Equal("test_chunks")

	vectorIdx := cfg.Collections[0].Indexes[0]
	gt.Value(t, vectorIdx.Fields[0].Path).Equal("Embedding")
	gt.Value(t, vectorIdx.Fields[0].Vector.Dimension).Equal(768)

	filtered := cfg.Collections[0].Indexes[1]
	gt.Array(t, filtered.Fields).Length(2)
	gt.Value(t, filtered.Fields[0].Path).Equal("DocumentID")
}
