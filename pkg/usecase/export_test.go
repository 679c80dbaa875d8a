package usecase

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// BuildChatSystemPrompt is exported for testing
var BuildChatSystemPrompt = buildChatSystemPrompt

// RenderHistory is exported for testing
var RenderHistory = renderHistory

// IngestCallers reports how many uploads are attached to the in-flight
// ingestion of id
func (uc *IngestUseCase) IngestCallers(id model.DocumentID) int {
	uc.flightsMu.Lock()
	defer uc.flightsMu.Unlock()
	if f, ok := uc.flights[id]; ok {
		return len(f.callers)
	}
	return 0
}

// LockConversation is exported for testing
func (uc *ChatUseCase) LockConversation(ctx context.Context, id model.ConversationID) (func(), error) {
	return uc.lock(ctx, id)
}

// ConversationLocks reports how many conversations have a held or awaited lock
func (uc *ChatUseCase) ConversationLocks() int {
	uc.locksMu.Lock()
	defer uc.locksMu.Unlock()
	return len(uc.locks)
}
