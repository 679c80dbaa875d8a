package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
)

// ConversationID identifies a chat session
type ConversationID string

// NewConversationID generates a new UUID v7 ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.Must(uuid.NewV7()).String())
}

func (id ConversationID) String() string {
	return string(id)
}

// CallID correlates a ToolCall with its ToolResult
type CallID string

// NewCallID generates a CallID for calls the model did not label
func NewCallID() CallID {
	return CallID("call_" + uuid.New().String())
}

// ToolCall is a structured request from the agent to run a tool
type ToolCall struct {
	ID        CallID         `json:"call_id"`
	Name      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one ToolCall
type ToolResult struct {
	CallID  CallID           `json:"call_id"`
	Name    string           `json:"tool_name"`
	Status  types.ToolStatus `json:"status"`
	Payload map[string]any   `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// OK reports whether the tool succeeded
func (r *ToolResult) OK() bool {
	return r != nil && r.Status == types.ToolStatusOK
}

// Message is one entry of a conversation
type Message struct {
	Role       types.MessageRole
	Content    string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	CreatedAt  time.Time
}

// NewUserMessage creates a user message
func NewUserMessage(text string) *Message {
	return &Message{Role: types.MessageRoleUser, Content: text, CreatedAt: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant message
func NewAssistantMessage(text string) *Message {
	return &Message{Role: types.MessageRoleAssistant, Content: text, CreatedAt: time.Now().UTC()}
}

// NewToolCallMessage records that the assistant requested a tool
func NewToolCallMessage(call *ToolCall) *Message {
	return &Message{Role: types.MessageRoleAssistant, ToolCall: call, CreatedAt: time.Now().UTC()}
}

// NewToolResultMessage records the outcome of a tool call
func NewToolResultMessage(result *ToolResult) *Message {
	return &Message{Role: types.MessageRoleTool, ToolResult: result, CreatedAt: time.Now().UTC()}
}

// Conversation is an append-only message log. Messages are never edited or
// reordered; Append is the only mutator.
type Conversation struct {
	ID       ConversationID
	Messages []*Message
}

// NewConversation creates an empty conversation
func NewConversation(id ConversationID) *Conversation {
	return &Conversation{ID: id}
}

// ValidateAppend checks that msgs can be appended after existing. Every
// tool result must follow exactly one tool call with the same call ID.
func ValidateAppend(existing []*Message, msgs ...*Message) error {
	calls := make(map[CallID]bool)
	answered := make(map[CallID]bool)
	for _, m := range existing {
		if m.ToolCall != nil {
			calls[m.ToolCall.ID] = true
		}
		if m.ToolResult != nil {
			answered[m.ToolResult.CallID] = true
		}
	}

	for _, m := range msgs {
		if m == nil || !m.Role.IsValid() {
			return goerr.Wrap(ErrInvalidArgument, "invalid message role")
		}
		if m.ToolCall != nil {
			if m.ToolCall.ID == "" {
				return goerr.Wrap(ErrInvalidArgument, "tool call requires call ID")
			}
			if calls[m.ToolCall.ID] {
				return goerr.Wrap(ErrInvalidArgument, "duplicate tool call ID", goerr.V(CallIDKey, m.ToolCall.ID))
			}
			calls[m.ToolCall.ID] = true
		}
		if m.ToolResult != nil {
			id := m.ToolResult.CallID
			if !calls[id] || answered[id] {
				return goerr.Wrap(ErrUnpairedToolResult, "cannot append tool result", goerr.V(CallIDKey, id))
			}
			answered[id] = true
		}
	}
	return nil
}

// Append validates and adds messages to the end of the conversation
func (c *Conversation) Append(msgs ...*Message) error {
	if err := ValidateAppend(c.Messages, msgs...); err != nil {
		return goerr.Wrap(err, "failed to append messages", goerr.V(ConversationIDKey, c.ID))
	}
	c.Messages = append(c.Messages, msgs...)
	return nil
}

// Len returns the number of messages
func (c *Conversation) Len() int {
	return len(c.Messages)
}
