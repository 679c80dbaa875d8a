package memory

import (
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
)

// Memory keeps everything in process. Contents are lost on exit.
type Memory struct {
	document     *documentRepository
	chunk        *chunkRepository
	index        *index
	conversation *conversationRepository
}

var _ interfaces.Repository = &Memory{}

func New() *Memory {
	return &Memory{
		document:     newDocumentRepository(),
		chunk:        newChunkRepository(),
		index:        newIndex(),
		conversation: newConversationRepository(),
	}
}

func (m *Memory) Document() interfaces.DocumentRepository {
	return m.document
}

func (m *Memory) Chunk() interfaces.ChunkRepository {
	return m.chunk
}

func (m *Memory) Index() interfaces.Index {
	return m.index
}

func (m *Memory) Conversation() interfaces.ConversationRepository {
	return m.conversation
}

func (m *Memory) Close() error {
	return nil
}
