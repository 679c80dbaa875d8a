package usecase_test

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gollem"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

const testDim = 64

// hashEmbedder maps each word to a dimension so texts sharing words are similar
type hashEmbedder struct {
	calls   atomic.Int32
	embedFn func(ctx context.Context, call int, texts []string) ([][]float32, error)
	batch   int
}

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := int(e.calls.Add(1))
	if e.embedFn != nil {
		return e.embedFn(ctx, n, texts)
	}
	return hashVectors(texts), nil
}

func (e *hashEmbedder) Dimension() int { return testDim }

func (e *hashEmbedder) BatchSize() int {
	if e.batch > 0 {
		return e.batch
	}
	return 32
}

func hashVectors(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, testDim)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,!?\"'")
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%testDim]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x * x)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range v {
				v[j] /= n
			}
		}
		out[i] = v
	}
	return out
}

// unitVector returns a vector along axis, blended toward axis+1 by mix
func unitVector(axis int, mix float64) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = float32(math.Cos(mix))
	v[(axis+1)%testDim] = float32(math.Sin(mix))
	return v
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func newChunker(t *testing.T, maxTokens, overlap int) *chunker.Chunker {
	t.Helper()
	c, err := chunker.New(chunker.Config{MaxTokens: maxTokens, OverlapTokens: overlap})
	gt.NoError(t, err).Required()
	return c
}

// sentences builds count sentences of wordsPerSentence tokens
func sentences(prefix string, count, wordsPerSentence int) string {
	var b strings.Builder
	for i := 0; i < count; i++ {
		for j := 0; j < wordsPerSentence; j++ {
			if j > 0 {
				b.WriteString(" ")
			}
			if j == wordsPerSentence-1 {
				fmt.Fprintf(&b, "%s%d.", prefix, i)
			} else {
				fmt.Fprintf(&b, "%s%d_%d", prefix, i, j)
			}
		}
		b.WriteString(" ")
	}
	return b.String()
}

// indexOverride swaps the index of a repository
type indexOverride struct {
	interfaces.Repository
	index interfaces.Index
}

func (r *indexOverride) Index() interfaces.Index { return r.index }

type flakyIndex struct {
	interfaces.Index
	mu       sync.Mutex
	upserts  int
	upsertFn func(call int, entries []*model.IndexEntry) (res *model.UpsertResult, handled bool, err error)
}

// Upsert calls upsertFn first; when it returns handled=false the real index is used
func (f *flakyIndex) Upsert(ctx context.Context, entries []*model.IndexEntry) (*model.UpsertResult, error) {
	f.mu.Lock()
	f.upserts++
	call := f.upserts
	f.mu.Unlock()

	if f.upsertFn != nil {
		if res, handled, err := f.upsertFn(call, entries); handled {
			return res, err
		}
	}
	return f.Index.Upsert(ctx, entries)
}

// mockSession replays scripted responses. Each step sees the inputs of its call.
type mockSession struct {
	mu     sync.Mutex
	steps  []func(inputs []gollem.Input) (*gollem.Response, error)
	calls  int
	inputs [][]gollem.Input
}

func (s *mockSession) GenerateContent(ctx context.Context, input ...gollem.Input) (*gollem.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputs = append(s.inputs, input)
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		return &gollem.Response{Texts: []string{"done"}}, nil
	}
	return s.steps[i](input)
}

func (s *mockSession) GenerateStream(ctx context.Context, input ...gollem.Input) (<-chan *gollem.Response, error) {
	return nil, nil
}

func (s *mockSession) History() (*gollem.History, error) {
	return nil, nil
}

func (s *mockSession) AppendHistory(*gollem.History) error {
	return nil
}

func (s *mockSession) CountToken(ctx context.Context, input ...gollem.Input) (int, error) {
	return 0, nil
}

type mockLLMClient struct {
	newSessionFn func(ctx context.Context, options ...gollem.SessionOption) (gollem.Session, error)
	sessions     atomic.Int32
}

func (c *mockLLMClient) NewSession(ctx context.Context, options ...gollem.SessionOption) (gollem.Session, error) {
	c.sessions.Add(1)
	if c.newSessionFn != nil {
		return c.newSessionFn(ctx, options...)
	}
	return &mockSession{}, nil
}

func (c *mockLLMClient) GenerateEmbedding(ctx context.Context, dimension int, input []string) ([][]float64, error) {
	return nil, nil
}

// scripted returns a client whose every session replays steps
func scripted(steps ...func(inputs []gollem.Input) (*gollem.Response, error)) (*mockLLMClient, *mockSession) {
	session := &mockSession{steps: steps}
	return &mockLLMClient{
		newSessionFn: func(ctx context.Context, options ...gollem.SessionOption) (gollem.Session, error) {
			return session, nil
		},
	}, session
}

func callTool(id, name string, args map[string]any) func([]gollem.Input) (*gollem.Response, error) {
	return func([]gollem.Input) (*gollem.Response, error) {
		return &gollem.Response{FunctionCalls: []*gollem.FunctionCall{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

func answer(text string) func([]gollem.Input) (*gollem.Response, error) {
	return func([]gollem.Input) (*gollem.Response, error) {
		return &gollem.Response{Texts: []string{text}}, nil
	}
}

func functionResponses(inputs []gollem.Input) []gollem.FunctionResponse {
	var out []gollem.FunctionResponse
	for _, in := range inputs {
		if fr, ok := in.(gollem.FunctionResponse); ok {
			out = append(out, fr)
		}
	}
	return out
}

type mockCalendar struct {
	mu          sync.Mutex
	listCalls   int
	createCalls []*model.Event
	createFn    func(ctx context.Context, ev *model.Event) (*model.Event, error)
}

func (m *mockCalendar) ListEvents(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return nil, nil
}

func (m *mockCalendar) CreateEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, ev)
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, ev)
	}
	created := *ev
	created.ID = fmt.Sprintf("evt-%d", len(m.createCalls))
	return &created, nil
}
