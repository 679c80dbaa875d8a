package interfaces

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// ConversationRepository stores conversations as append-only message logs
type ConversationRepository interface {
	// Get returns the conversation or an error wrapping model.ErrConversationNotFound
	Get(ctx context.Context, id model.ConversationID) (*model.Conversation, error)

	// Append adds messages to the end of a conversation, creating it if needed.
	// Messages are validated with model.ValidateAppend against the stored log.
	Append(ctx context.Context, id model.ConversationID, msgs ...*model.Message) error
}
