package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/policy"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

type workspaceResponse struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	OwnerUserID string     `json:"owner_user_id"`
	Visibility  string     `json:"visibility"`
	FTSLanguage string     `json:"fts_language"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toWorkspaceResponse(ws *repository.Workspace) workspaceResponse {
	return workspaceResponse{
		ID:          ws.ID,
		Name:        ws.Name,
		OwnerUserID: ws.OwnerUserID,
		Visibility:  ws.Visibility,
		FTSLanguage: ws.FTSLanguage,
		ArchivedAt:  ws.ArchivedAt,
		CreatedAt:   ws.CreatedAt,
	}
}

func validVisibility(v string) bool {
	switch v {
	case repository.VisibilityPrivate, repository.VisibilityOrgRead, repository.VisibilityShared:
		return true
	}
	return false
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Visibility  string `json:"visibility"`
		FTSLanguage string `json:"fts_language"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Name == "" {
		writeError(w, r, apperr.Validation("name", "name is required"))
		return
	}
	if body.Visibility == "" {
		body.Visibility = repository.VisibilityPrivate
	}
	if !validVisibility(body.Visibility) {
		writeError(w, r, apperr.Validationf("visibility", "unknown visibility %q", body.Visibility))
		return
	}

	now := time.Now()
	ws := &repository.Workspace{
		ID:          uuid.New(),
		Name:        body.Name,
		OwnerUserID: actorFrom(r).UserID,
		Visibility:  body.Visibility,
		FTSLanguage: repository.NormalizeFTSLanguage(body.FTSLanguage),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Workspaces.Create(r.Context(), ws); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, r, apperr.Conflict("a workspace with this name already exists"))
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkspaceResponse(ws))
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	list, err := s.deps.Workspaces.ListByOwner(r.Context(), actorFrom(r).UserID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]workspaceResponse, len(list))
	for i, ws := range list {
		out[i] = toWorkspaceResponse(ws)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

// loadWorkspace resolves the path workspace and enforces readability.
// Unreadable and missing workspaces are indistinguishable to the caller.
func (s *Server) loadWorkspace(r *http.Request) (*repository.Workspace, []*repository.ACLEntry, error) {
	id, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		return nil, nil, apperr.Validation("workspace_id", "invalid workspace id")
	}
	ws, err := s.deps.Workspaces.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperr.NotFound("workspace")
		}
		return nil, nil, err
	}
	acl, err := s.deps.Workspaces.ListACL(r.Context(), ws.ID)
	if err != nil {
		return nil, nil, err
	}
	if !policy.CanRead(ws, actorFrom(r), acl) {
		return nil, nil, apperr.NotFound("workspace")
	}
	return ws, acl, nil
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkspaceResponse(ws))
}

func (s *Server) updateWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanWrite(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("workspace is read-only for this actor"))
		return
	}

	var body struct {
		Name        *string `json:"name"`
		Visibility  *string `json:"visibility"`
		FTSLanguage *string `json:"fts_language"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Name != nil {
		if *body.Name == "" {
			writeError(w, r, apperr.Validation("name", "name cannot be empty"))
			return
		}
		ws.Name = *body.Name
	}
	if body.Visibility != nil {
		if !validVisibility(*body.Visibility) {
			writeError(w, r, apperr.Validationf("visibility", "unknown visibility %q", *body.Visibility))
			return
		}
		ws.Visibility = *body.Visibility
	}
	if body.FTSLanguage != nil {
		ws.FTSLanguage = repository.NormalizeFTSLanguage(*body.FTSLanguage)
	}

	if err := s.deps.Workspaces.Update(r.Context(), ws); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkspaceResponse(ws))
}

func (s *Server) archiveWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanManageACL(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("only the owner or an admin may archive"))
		return
	}
	if err := s.deps.Workspaces.Archive(r.Context(), ws.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) listACL(w http.ResponseWriter, r *http.Request) {
	ws, acl, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanManageACL(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("only the owner or an admin may view grants"))
		return
	}
	type entry struct {
		UserID    string    `json:"user_id"`
		Role      string    `json:"role"`
		GrantedBy string    `json:"granted_by"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entry, len(acl))
	for i, e := range acl {
		out[i] = entry{UserID: e.UserID, Role: e.Role, GrantedBy: e.GrantedBy, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) grantACL(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanManageACL(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("only the owner or an admin may grant access"))
		return
	}

	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.UserID == "" {
		writeError(w, r, apperr.Validation("user_id", "user_id is required"))
		return
	}
	if body.Role != repository.ACLRoleViewer && body.Role != repository.ACLRoleEditor {
		writeError(w, r, apperr.Validationf("role", "unknown role %q", body.Role))
		return
	}

	entry := &repository.ACLEntry{
		WorkspaceID: ws.ID,
		UserID:      body.UserID,
		Role:        body.Role,
		GrantedBy:   actorFrom(r).UserID,
		CreatedAt:   time.Now(),
	}
	if err := s.deps.Workspaces.GrantACL(r.Context(), entry); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

func (s *Server) revokeACL(w http.ResponseWriter, r *http.Request) {
	ws, _, err := s.loadWorkspace(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !policy.CanManageACL(ws, actorFrom(r)) {
		writeError(w, r, apperr.Forbidden("only the owner or an admin may revoke access"))
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Workspaces.RevokeACL(r.Context(), ws.ID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, apperr.NotFound("grant"))
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
