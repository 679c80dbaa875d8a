package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/errutil"
	"github.com/secmon-lab/onboarder/pkg/utils/safe"
)

type documentResponse struct {
	ID          string                `json:"id"`
	SourceName  string                `json:"source_name"`
	Status      types.IngestionStatus `json:"status"`
	FailedStage types.IngestionStatus `json:"failed_stage,omitempty"`
	Error       string                `json:"error,omitempty"`
	ChunkCount  int                   `json:"chunk_count"`
	UploadedAt  time.Time             `json:"uploaded_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toDocumentResponse(doc *model.Document) documentResponse {
	return documentResponse{
		ID:          doc.ID.String(),
		SourceName:  doc.SourceName,
		Status:      doc.Status,
		FailedStage: doc.FailedStage,
		Error:       doc.Error,
		ChunkCount:  doc.ChunkCount,
		UploadedAt:  doc.UploadedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

type uploadResponse struct {
	Document     documentResponse `json:"document"`
	Deduplicated bool             `json:"deduplicated"`
	Joined       bool             `json:"joined"`
}

// uploadDocument ingests the multipart field "file". A new complete document
// is 201, already ingested content is 200 and a failed ingestion carries the
// status of its cause with the document in the body.
func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload is too large"})
			return
		}
		errutil.HandleHTTP(ctx, w, goerr.Wrap(model.ErrInvalidArgument, "multipart field \"file\" is required", goerr.V("cause", err.Error())))
		return
	}
	defer safe.Close(ctx, file)

	data, err := io.ReadAll(file)
	if err != nil {
		errutil.HandleHTTP(ctx, w, goerr.Wrap(err, "failed to read upload"))
		return
	}

	result, err := s.ingest.Ingest(ctx, header.Filename, data)
	if err != nil {
		errutil.HandleHTTP(ctx, w, err)
		return
	}

	resp := uploadResponse{
		Document:     toDocumentResponse(result.Document),
		Deduplicated: result.Deduplicated,
		Joined:       result.Joined,
	}

	status := http.StatusCreated
	switch {
	case result.Status() == types.IngestionStatusFailed:
		status = errutil.HTTPStatus(result.Err)
		_ = errutil.Handle(ctx, result.Err, "document ingestion failed")
	case result.Deduplicated || result.Joined:
		status = http.StatusOK
	}
	writeJSON(ctx, w, status, resp)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.ingest.List(r.Context())
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err)
		return
	}

	resp := struct {
		Documents []documentResponse `json:"documents"`
	}{Documents: make([]documentResponse, len(docs))}
	for i, doc := range docs {
		resp.Documents[i] = toDocumentResponse(doc)
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ingest.Get(r.Context(), model.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.Delete(r.Context(), model.DocumentID(chi.URLParam(r, "id"))); err != nil {
		errutil.HandleHTTP(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ IngestUseCase = (*usecase.IngestUseCase)(nil)
