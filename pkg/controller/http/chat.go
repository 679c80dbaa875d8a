package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/errutil"
)

const maxChatRequestBytes = 64 << 10

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatRequestBytes))
	if err := dec.Decode(&req); err != nil {
		errutil.HandleHTTP(ctx, w, goerr.Wrap(model.ErrInvalidArgument, "invalid chat request body", goerr.V("cause", err.Error())))
		return
	}

	reply, err := s.chat.Handle(ctx, model.ConversationID(req.ConversationID), req.Message)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, reply)
}

type messageResponse struct {
	Role       types.MessageRole `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCall   *model.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *model.ToolResult `json:"tool_result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.History(r.Context(), model.ConversationID(chi.URLParam(r, "id")))
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err)
		return
	}

	resp := struct {
		ConversationID string            `json:"conversation_id"`
		Messages       []messageResponse `json:"messages"`
	}{
		ConversationID: conv.ID.String(),
		Messages:       make([]messageResponse, len(conv.Messages)),
	}
	for i, m := range conv.Messages {
		resp.Messages[i] = messageResponse{
			Role:       m.Role,
			Content:    m.Content,
			ToolCall:   m.ToolCall,
			ToolResult: m.ToolResult,
			CreatedAt:  m.CreatedAt,
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

var _ ChatUseCase = (*usecase.ChatUseCase)(nil)
