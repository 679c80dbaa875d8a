package interfaces

// Repository defines the interface for data persistence
type Repository interface {
	Document() DocumentRepository
	Chunk() ChunkRepository
	Index() Index
	Conversation() ConversationRepository

	Close() error
}
