package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/secmon-lab/onboarder/pkg/utils/safe"
)

// IngestUseCase is the document side of the API
type IngestUseCase interface {
	Ingest(ctx context.Context, sourceName string, data []byte) (*usecase.IngestResult, error)
	Get(ctx context.Context, id model.DocumentID) (*model.Document, error)
	List(ctx context.Context) ([]*model.Document, error)
	Delete(ctx context.Context, id model.DocumentID) error
}

// ChatUseCase is the conversation side of the API
type ChatUseCase interface {
	Handle(ctx context.Context, id model.ConversationID, text string) (*usecase.ChatReply, error)
	History(ctx context.Context, id model.ConversationID) (*model.Conversation, error)
}

const defaultMaxUploadBytes = 32 << 20

type Server struct {
	router         *chi.Mux
	ingest         IngestUseCase
	chat           ChatUseCase
	maxUploadBytes int64
}

type Options func(*Server)

// WithMaxUploadBytes bounds the size of one upload request
func WithMaxUploadBytes(n int64) Options {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

func New(ingest IngestUseCase, chat ChatUseCase, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:         r,
		ingest:         ingest,
		chat:           chat,
		maxUploadBytes: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.uploadDocument)
			r.Get("/", s.listDocuments)
			r.Get("/{id}", s.getDocument)
			r.Delete("/{id}", s.deleteDocument)
		})
		r.Post("/chat", s.postChat)
		r.Get("/conversations/{id}", s.getConversation)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.From(ctx).Error("failed to marshal response", logging.ErrAttr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	safe.Write(ctx, w, data)
}
