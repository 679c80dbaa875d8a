package usecase

import (
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
)

type UseCases struct {
	Ingest    *IngestUseCase
	Retriever *Retriever
	Chat      *ChatUseCase

	ingestOpts    []IngestOption
	retrieverOpts []RetrieverOption
	chatOpts      []ChatOption
}

type Option func(*UseCases)

func WithIngestOptions(opts ...IngestOption) Option {
	return func(uc *UseCases) {
		uc.ingestOpts = append(uc.ingestOpts, opts...)
	}
}

func WithRetrieverOptions(opts ...RetrieverOption) Option {
	return func(uc *UseCases) {
		uc.retrieverOpts = append(uc.retrieverOpts, opts...)
	}
}

func WithChatOptions(opts ...ChatOption) Option {
	return func(uc *UseCases) {
		uc.chatOpts = append(uc.chatOpts, opts...)
	}
}

// New wires the ingestion pipeline, retriever and orchestrator over one repository
func New(repo interfaces.Repository, llm gollem.LLMClient, emb interfaces.Embedder, ch *chunker.Chunker, registry *tool.Registry, opts ...Option) *UseCases {
	uc := &UseCases{}
	for _, opt := range opts {
		opt(uc)
	}

	uc.Ingest = NewIngestUseCase(repo, emb, ch, uc.ingestOpts...)
	uc.Retriever = NewRetriever(repo, emb, uc.retrieverOpts...)
	uc.Chat = NewChatUseCase(repo, llm, uc.Retriever, registry, uc.chatOpts...)

	return uc
}
