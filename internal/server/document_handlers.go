package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/ingestion"
	"github.com/acervo-ai/acervo-backend/internal/jobs"
	"github.com/acervo-ai/acervo-backend/internal/policy"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

type documentResponse struct {
	ID           uuid.UUID         `json:"id"`
	WorkspaceID  uuid.UUID         `json:"workspace_id"`
	Title        string            `json:"title"`
	Status       string            `json:"status"`
	FileName     string            `json:"file_name,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func toDocumentResponse(doc *repository.Document) documentResponse {
	return documentResponse{
		ID:           doc.ID,
		WorkspaceID:  doc.WorkspaceID,
		Title:        doc.Title,
		Status:       doc.Status,
		FileName:     doc.FileName,
		MimeType:     doc.MimeType,
		Tags:         doc.Tags,
		Metadata:     doc.Metadata,
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt,
	}
}

func (s *Server) ingestDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, r, apperr.Validation("workspace_id", "invalid workspace id"))
		return
	}

	var body struct {
		Title    string            `json:"title"`
		Text     string            `json:"text"`
		Tags     []string          `json:"tags"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Title == "" {
		writeError(w, r, apperr.Validation("title", "title is required"))
		return
	}

	result, err := s.deps.Ingestion.Ingest(r.Context(), ingestion.IngestRequest{
		WorkspaceID: workspaceID,
		Actor:       actorFrom(r),
		Title:       body.Title,
		Text:        body.Text,
		Tags:        body.Tags,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"document_id":    result.DocumentID,
		"status":         result.Status,
		"chunks_created": result.ChunksCreated,
		"deduplicated":   result.Deduplicated,
	})
}

// uploadDocument accepts a multipart file, stores the raw bytes and enqueues
// asynchronous processing. The document starts PENDING; polling GET shows
// the transition to READY or FAILED.
func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanWrite(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("workspace is read-only for this actor"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.New(apperr.CodePayloadTooLarge, "upload exceeds the size limit"))
			return
		}
		writeError(w, r, apperr.Validation("body", "invalid multipart request").WithCause(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Validation("file", "file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.New(apperr.CodePayloadTooLarge, "upload exceeds the size limit"))
			return
		}
		writeError(w, r, err)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "text/plain"
	}
	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	doc := &repository.Document{
		ID:          uuid.New(),
		WorkspaceID: ws.ID,
		Title:       title,
		Status:      repository.StatusPending,
		FileName:    header.Filename,
		MimeType:    mimeType,
		StorageKey:  ws.ID.String() + "/" + uuid.NewString(),
		CreatedAt:   time.Now(),
	}

	if err := s.deps.Blobs.Upload(r.Context(), doc.StorageKey, data); err != nil {
		writeError(w, r, apperr.Unavailable("object store is unavailable").WithCause(err))
		return
	}
	if err := s.deps.Documents.SaveDocumentWithChunks(r.Context(), doc, nil, nil); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Queue.Enqueue(jobs.Job{WorkspaceID: ws.ID, DocumentID: doc.ID}); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := repository.DocumentFilter{
		Query:  q.Get("q"),
		Status: q.Get("status"),
		Tag:    q.Get("tag"),
		Sort:   q.Get("sort"),
	}
	limit, offset := pagination(r)

	// Fetch one extra row to decide has_more without a count query.
	list, err := s.deps.Documents.List(r.Context(), ws.ID, filter, limit+1, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hasMore := len(list) > limit
	if hasMore {
		list = list[:limit]
	}

	out := make([]documentResponse, len(list))
	for i, doc := range list {
		out[i] = toDocumentResponse(doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out, "has_more": hasMore})
}

func (s *Server) loadDocument(r *http.Request, ws *repository.Workspace) (*repository.Document, error) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		return nil, apperr.Validation("document_id", "invalid document id")
	}
	doc, err := s.deps.Documents.GetByID(r.Context(), ws.ID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("document")
		}
		return nil, err
	}
	return doc, nil
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.loadDocument(r, ws)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanWrite(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("workspace is read-only for this actor"))
		return
	}
	doc, err := s.loadDocument(r, ws)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Documents.Delete(r.Context(), ws.ID, doc.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, r, apperr.Validation("document_id", "invalid document id"))
		return
	}
	if err := jobs.Reprocess(r.Context(), s.deps.Documents, s.deps.Queue, ws.ID, id, actorFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
