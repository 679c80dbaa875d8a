package usecase

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/utils/errutil"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
)

//go:embed prompt/chat_system.md
var chatSystemPromptTmpl string

var chatSystemPrompt = template.Must(template.New("chat_system").Parse(chatSystemPromptTmpl))

// NotInDocumentsReply is the answer when document search finds nothing relevant
const NotInDocumentsReply = "That information is not in the provided documents, so I can't answer it reliably. Please check with HR or your manager."

// SearchDocumentsName is the internal tool the model calls to request retrieval
const SearchDocumentsName = "search_documents"

const (
	defaultHistoryLimit = 40
	historyEntryLimit   = 600
)

// ChatReply is the result of one user turn
type ChatReply struct {
	ConversationID model.ConversationID `json:"conversation_id"`
	Reply          string               `json:"reply"`
	ToolResults    []*model.ToolResult  `json:"tool_results"`
	Citations      []model.Citation     `json:"citations"`

	// Limitation explains why the reply may be incomplete
	Limitation string `json:"limitation,omitempty"`
}

// ChatUseCase is the agent orchestrator. Turns of the same conversation run
// one at a time; turns of different conversations run concurrently.
type ChatUseCase struct {
	repo      interfaces.Repository
	llm       gollem.LLMClient
	retriever *Retriever
	registry  *tool.Registry

	maxToolRounds int
	topK          int
	minRelevance  float64
	location      *time.Location
	historyLimit  int
	now           func() time.Time

	locksMu sync.Mutex
	locks   map[model.ConversationID]*convLock
}

// convLock is dropped from the map when no turn holds or waits for it
type convLock struct {
	ch   chan struct{}
	refs int
}

// ChatOption configures a ChatUseCase
type ChatOption func(*ChatUseCase)

// WithMaxToolRounds bounds tool-dispatch rounds per turn
func WithMaxToolRounds(n int) ChatOption {
	return func(uc *ChatUseCase) {
		uc.maxToolRounds = n
	}
}

// WithRetrievalParams sets k and the minimum relevance for document search
func WithRetrievalParams(k int, minRelevance float64) ChatOption {
	return func(uc *ChatUseCase) {
		uc.topK = k
		uc.minRelevance = minRelevance
	}
}

// WithLocation sets the timezone used to resolve relative dates
func WithLocation(loc *time.Location) ChatOption {
	return func(uc *ChatUseCase) {
		uc.location = loc
	}
}

// WithChatClock replaces time.Now
func WithChatClock(now func() time.Time) ChatOption {
	return func(uc *ChatUseCase) {
		uc.now = now
	}
}

// WithHistoryLimit sets how many earlier messages are shown to the model
func WithHistoryLimit(n int) ChatOption {
	return func(uc *ChatUseCase) {
		uc.historyLimit = n
	}
}

// NewChatUseCase creates the orchestrator
func NewChatUseCase(repo interfaces.Repository, llm gollem.LLMClient, retriever *Retriever, registry *tool.Registry, opts ...ChatOption) *ChatUseCase {
	uc := &ChatUseCase{
		repo:          repo,
		llm:           llm,
		retriever:     retriever,
		registry:      registry,
		maxToolRounds: 4,
		topK:          6,
		minRelevance:  0.3,
		location:      time.UTC,
		historyLimit:  defaultHistoryLimit,
		now:           time.Now,
		locks:         make(map[model.ConversationID]*convLock),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// History returns the stored messages of a conversation
func (uc *ChatUseCase) History(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	conv, err := uc.repo.Conversation().Get(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.V(model.ConversationIDKey, id))
	}
	return conv, nil
}

// Handle runs one turn: it appends the user message, lets the model plan,
// retrieve and call tools within the round limits, then appends and returns
// the assistant reply. Model, retrieval and tool failures degrade the reply
// instead of failing the call. An error is returned only for invalid input,
// cancellation or when the conversation cannot be stored.
func (uc *ChatUseCase) Handle(ctx context.Context, id model.ConversationID, text string) (*ChatReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message is empty")
	}
	if id == "" {
		id = model.NewConversationID()
	}

	unlock, err := uc.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var history []*model.Message
	conv, err := uc.repo.Conversation().Get(ctx, id)
	switch {
	case err == nil:
		history = conv.Messages
	case !errors.Is(err, model.ErrConversationNotFound):
		return nil, goerr.Wrap(err, "failed to load conversation", goerr.V(model.ConversationIDKey, id))
	}

	ctx = logging.With(ctx, logging.From(ctx).With(slog.String(model.ConversationIDKey, id.String())))
	t := &turn{
		uc:      uc,
		id:      id,
		state:   types.OrchestratorStateAwaitingInput,
		reply:   &ChatReply{ConversationID: id, ToolResults: []*model.ToolResult{}, Citations: []model.Citation{}},
		callIDs: make(map[model.CallID]bool),
	}
	for _, m := range history {
		if m.ToolCall != nil {
			t.callIDs[m.ToolCall.ID] = true
		}
	}

	if err := t.persist(ctx, model.NewUserMessage(text)); err != nil {
		return nil, err
	}
	if err := t.run(ctx, history, text); err != nil {
		return nil, err
	}
	return t.reply, nil
}

// lock serializes turns per conversation
func (uc *ChatUseCase) lock(ctx context.Context, id model.ConversationID) (func(), error) {
	uc.locksMu.Lock()
	l, ok := uc.locks[id]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		uc.locks[id] = l
	}
	l.refs++
	uc.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			uc.release(id, l)
		}, nil
	case <-ctx.Done():
		uc.release(id, l)
		return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for conversation", goerr.V(model.ConversationIDKey, id))
	}
}

func (uc *ChatUseCase) release(id model.ConversationID, l *convLock) {
	uc.locksMu.Lock()
	defer uc.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(uc.locks, id)
	}
}

// turn is the per-turn state machine
type turn struct {
	uc    *ChatUseCase
	id    model.ConversationID
	state types.OrchestratorState
	reply *ChatReply

	toolRounds      int
	retrieved       bool
	retrievalFailed bool
	retrieval       *model.RetrievalResult
	callIDs         map[model.CallID]bool
}

func (t *turn) enter(ctx context.Context, next types.OrchestratorState) {
	if !t.state.CanTransition(next) {
		logging.From(ctx).Warn("unexpected orchestrator transition",
			slog.String("from", t.state.String()),
			slog.String("to", next.String()))
	}
	logging.From(ctx).Debug("orchestrator state", slog.String("from", t.state.String()), slog.String("to", next.String()))
	t.state = next
}

func (t *turn) persist(ctx context.Context, msgs ...*model.Message) error {
	if err := t.uc.repo.Conversation().Append(context.WithoutCancel(ctx), t.id, msgs...); err != nil {
		return goerr.Wrap(err, "failed to append to conversation", goerr.V(model.ConversationIDKey, t.id))
	}
	return nil
}

func (t *turn) run(ctx context.Context, history []*model.Message, text string) error {
	t.enter(ctx, types.OrchestratorStatePlanning)

	loc := t.uc.location
	prompt, err := buildChatSystemPrompt(t.uc.now().In(loc), loc, renderHistory(history, t.uc.historyLimit))
	if err != nil {
		return goerr.Wrap(err, "failed to build system prompt")
	}

	tools := append([]gollem.Tool{&searchDocumentsTool{retriever: t.uc.retriever, k: t.uc.topK, minRelevance: t.uc.minRelevance}}, t.uc.registry.Tools()...)
	session, err := t.uc.llm.NewSession(ctx,
		gollem.WithSessionSystemPrompt(prompt),
		gollem.WithSessionTools(tools...),
	)
	if err != nil {
		return t.degrade(ctx, "the language model is unavailable", err)
	}

	ctx = tool.WithLocation(tool.WithClock(ctx, t.uc.now), loc)
	inputs := []gollem.Input{gollem.Text(text)}
	for {
		resp, err := session.GenerateContent(ctx, inputs...)
		if err != nil {
			if ctx.Err() != nil {
				return goerr.Wrap(ctx.Err(), "chat turn canceled")
			}
			return t.degrade(ctx, "the language model request failed", err)
		}

		if len(resp.FunctionCalls) == 0 {
			return t.respond(ctx, strings.Join(resp.Texts, "\n"))
		}

		if t.countsAsToolRound(resp.FunctionCalls) {
			if t.toolRounds >= t.uc.maxToolRounds {
				return t.finishOverLimit(ctx, session, resp.FunctionCalls)
			}
			t.toolRounds++
		}

		inputs, err = t.dispatch(ctx, resp.FunctionCalls)
		if err != nil {
			return err
		}
		t.enter(ctx, types.OrchestratorStatePlanning)
	}
}

// countsAsToolRound is false only for the turn's first retrieval on its own
func (t *turn) countsAsToolRound(calls []*gollem.FunctionCall) bool {
	if t.retrieved {
		return true
	}
	for _, fc := range calls {
		if fc.Name != SearchDocumentsName {
			return true
		}
	}
	return false
}

func (t *turn) newCallID(fc *gollem.FunctionCall) model.CallID {
	id := model.CallID(fc.ID)
	if id == "" || t.callIDs[id] {
		id = model.NewCallID()
	}
	t.callIDs[id] = true
	return id
}

// dispatch runs each requested call, records the call and its result, and
// returns the function responses for the next planning step
func (t *turn) dispatch(ctx context.Context, calls []*gollem.FunctionCall) ([]gollem.Input, error) {
	inputs := make([]gollem.Input, 0, len(calls))

	for _, fc := range calls {
		call := &model.ToolCall{ID: t.newCallID(fc), Name: fc.Name, Arguments: fc.Arguments}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}

		isSearch := fc.Name == SearchDocumentsName
		if !isSearch {
			if err := ctx.Err(); err != nil {
				return nil, goerr.Wrap(err, "canceled before tool dispatch", goerr.V(model.ToolNameKey, fc.Name))
			}
		}
		if err := t.persist(ctx, model.NewToolCallMessage(call)); err != nil {
			return nil, err
		}

		var result *model.ToolResult
		if isSearch {
			t.enter(ctx, types.OrchestratorStateRetrieving)
			result = t.search(ctx, call)
		} else {
			t.enter(ctx, types.OrchestratorStateToolDispatch)
			result = t.uc.registry.Invoke(ctx, call)
			if err := ctx.Err(); err != nil {
				logging.From(ctx).Info("discarding tool result after cancel", slog.String(model.CallIDKey, string(call.ID)))
				return nil, goerr.Wrap(err, "chat turn canceled during tool dispatch")
			}
			t.reply.ToolResults = append(t.reply.ToolResults, result)
		}

		if err := t.persist(ctx, model.NewToolResultMessage(result)); err != nil {
			return nil, err
		}
		inputs = append(inputs, toFunctionResponse(fc, result))
	}
	return inputs, nil
}

func toFunctionResponse(fc *gollem.FunctionCall, result *model.ToolResult) gollem.FunctionResponse {
	resp := gollem.FunctionResponse{
		ID:   fc.ID,
		Name: fc.Name,
		Data: result.Payload,
	}
	if !result.OK() {
		resp.Error = errors.New(result.Error)
	}
	return resp
}

// search runs the turn's single retrieval. Later requests get an error result
// telling the model to answer with what it has.
func (t *turn) search(ctx context.Context, call *model.ToolCall) *model.ToolResult {
	if t.retrieved {
		return tool.ErrorResult(call, goerr.Wrap(model.ErrOrchestrationLimit,
			"documents were already searched for this message; answer from those results or say the information is not in the provided documents"))
	}
	if err := tool.Validate((&searchDocumentsTool{}).Spec(), call.Arguments); err != nil {
		return tool.ErrorResult(call, err)
	}
	t.retrieved = true

	query, _ := call.Arguments["query"].(string)
	result, err := t.uc.retriever.Retrieve(ctx, query, t.uc.topK, t.uc.minRelevance)
	if err != nil {
		t.retrievalFailed = true
		t.reply.Limitation = "document search failed, so the answer is not grounded in company documents"
		if errors.Is(err, model.ErrRetrievalTimeout) {
			t.reply.Limitation = "document search timed out, so the answer is not grounded in company documents"
		}
		_ = errutil.Handle(ctx, err, "document search failed")
		return tool.ErrorResult(call, err)
	}

	t.retrieval = result
	t.reply.Citations = result.Citations()
	return &model.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Status:  types.ToolStatusOK,
		Payload: retrievalPayload(result),
	}
}

// finishOverLimit answers the pending calls with a limit error and asks the
// model once more for a best-effort reply, ignoring further tool requests
func (t *turn) finishOverLimit(ctx context.Context, session gollem.Session, calls []*gollem.FunctionCall) error {
	t.reply.Limitation = fmt.Sprintf("stopped after %d tool rounds; the request may be only partly done", t.uc.maxToolRounds)
	logging.From(ctx).Warn("tool round limit reached", slog.Int("max_tool_rounds", t.uc.maxToolRounds))

	inputs := make([]gollem.Input, 0, len(calls))
	for _, fc := range calls {
		call := &model.ToolCall{ID: t.newCallID(fc), Name: fc.Name, Arguments: fc.Arguments}
		result := tool.ErrorResult(call, goerr.Wrap(model.ErrOrchestrationLimit,
			"tool round limit reached; do not call more tools and answer with what you have"))
		if err := t.persist(ctx, model.NewToolCallMessage(call), model.NewToolResultMessage(result)); err != nil {
			return err
		}
		inputs = append(inputs, toFunctionResponse(fc, result))
	}

	var text string
	resp, err := session.GenerateContent(ctx, inputs...)
	switch {
	case err != nil && ctx.Err() != nil:
		return goerr.Wrap(ctx.Err(), "chat turn canceled")
	case err != nil:
		_ = errutil.Handle(ctx, err, "best-effort reply failed")
	default:
		text = strings.Join(resp.Texts, "\n")
	}

	if strings.TrimSpace(text) == "" {
		text = t.summarizeToolResults("I wasn't able to finish this request within the allowed number of steps.")
	}
	return t.respond(ctx, text)
}

func (t *turn) degrade(ctx context.Context, reason string, err error) error {
	_ = errutil.Handle(ctx, err, "chat turn degraded")
	t.reply.Limitation = reason
	return t.respond(ctx, t.summarizeToolResults(fmt.Sprintf("Sorry, I couldn't complete your request because %s. Please try again later.", reason)))
}

func (t *turn) summarizeToolResults(lead string) string {
	var b strings.Builder
	b.WriteString(lead)
	for _, r := range t.reply.ToolResults {
		if msg, ok := r.Payload["message"].(string); ok && r.OK() {
			b.WriteString("\n- ")
			b.WriteString(msg)
		}
	}
	return b.String()
}

// respond applies the grounding rule and records the assistant message. When
// document search found nothing, the reply states that the information is
// not in the provided documents.
func (t *turn) respond(ctx context.Context, text string) error {
	t.enter(ctx, types.OrchestratorStateResponding)

	text = strings.TrimSpace(text)
	if t.retrieved && !t.retrievalFailed && t.retrieval.IsEmpty() && !strings.Contains(text, NotInDocumentsReply) {
		if len(t.reply.ToolResults) == 0 || text == "" {
			text = NotInDocumentsReply
		} else {
			text = text + "\n\n" + NotInDocumentsReply
		}
	}
	if text == "" {
		text = "Sorry, I couldn't produce an answer. Could you rephrase your question?"
		if t.reply.Limitation == "" {
			t.reply.Limitation = "the language model returned an empty answer"
		}
	}

	if err := t.persist(ctx, model.NewAssistantMessage(text)); err != nil {
		return err
	}
	t.reply.Reply = text
	t.enter(ctx, types.OrchestratorStateAwaitingInput)
	return nil
}

type chatPromptData struct {
	Now            string
	Today          string
	Weekday        string
	Tomorrow       string
	Timezone       string
	Offset         string
	SearchTool     string
	NotInDocuments string
	History        []string
}

func buildChatSystemPrompt(now time.Time, loc *time.Location, history []string) (string, error) {
	now = now.In(loc)
	data := chatPromptData{
		Now:            now.Format("2006-01-02 15:04"),
		Today:          now.Format(time.DateOnly),
		Weekday:        now.Weekday().String(),
		Tomorrow:       now.AddDate(0, 0, 1).Format("2006-01-02 (Monday)"),
		Timezone:       loc.String(),
		Offset:         now.Format("-07:00"),
		SearchTool:     SearchDocumentsName,
		NotInDocuments: NotInDocumentsReply,
		History:        history,
	}

	var buf bytes.Buffer
	if err := chatSystemPrompt.Execute(&buf, data); err != nil {
		return "", goerr.Wrap(err, "failed to render chat system prompt")
	}
	return buf.String(), nil
}

// renderHistory formats the last limit messages as transcript lines
func renderHistory(msgs []*model.Message, limit int) []string {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.ToolCall != nil:
			lines = append(lines, fmt.Sprintf("Assistant called %s(%s)", m.ToolCall.Name, compactJSON(m.ToolCall.Arguments)))
		case m.ToolResult != nil:
			body := compactJSON(m.ToolResult.Payload)
			lines = append(lines, fmt.Sprintf("Tool %s returned %s: %s", m.ToolResult.Name, m.ToolResult.Status, body))
		case m.Role == types.MessageRoleUser:
			lines = append(lines, "User: "+truncate(m.Content, historyEntryLimit))
		default:
			lines = append(lines, "Assistant: "+truncate(m.Content, historyEntryLimit))
		}
	}
	return lines
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return truncate(string(raw), historyEntryLimit)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
