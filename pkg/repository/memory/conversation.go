package memory

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type conversationRepository struct {
	mu            sync.RWMutex
	conversations map[model.ConversationID][]*model.Message
}

func newConversationRepository() *conversationRepository {
	return &conversationRepository{
		conversations: make(map[model.ConversationID][]*model.Message),
	}
}

func copyMessage(m *model.Message) *model.Message {
	copied := *m
	if m.ToolCall != nil {
		call := *m.ToolCall
		copied.ToolCall = &call
	}
	if m.ToolResult != nil {
		result := *m.ToolResult
		copied.ToolResult = &result
	}
	return &copied
}

func (r *conversationRepository) Get(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs, exists := r.conversations[id]
	if !exists {
		return nil, goerr.Wrap(model.ErrConversationNotFound, "conversation not found", goerr.V(model.ConversationIDKey, id))
	}

	conv := model.NewConversation(id)
	for _, m := range msgs {
		conv.Messages = append(conv.Messages, copyMessage(m))
	}
	return conv, nil
}

func (r *conversationRepository) Append(ctx context.Context, id model.ConversationID, msgs ...*model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.conversations[id]
	if err := model.ValidateAppend(existing, msgs...); err != nil {
		return goerr.Wrap(err, "failed to append messages", goerr.V(model.ConversationIDKey, id))
	}

	for _, m := range msgs {
		existing = append(existing, copyMessage(m))
	}
	r.conversations[id] = existing
	return nil
}
