// Package repository defines domain models and data access interfaces for
// workspaces, documents, chunks, nodes and audit events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write hits a uniqueness constraint.
// Callers on the ingest path recover it by re-reading the winner.
var ErrDuplicate = errors.New("duplicate")

// EmbeddingDim is the fixed dimension of every chunk and node embedding.
const EmbeddingDim = 768

// Workspace visibility levels.
const (
	VisibilityPrivate = "PRIVATE"
	VisibilityOrgRead = "ORG_READ"
	VisibilityShared  = "SHARED"
)

// Document lifecycle statuses.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusReady      = "READY"
	StatusFailed     = "FAILED"
)

// ACL roles grantable on a workspace.
const (
	ACLRoleViewer = "VIEWER"
	ACLRoleEditor = "EDITOR"
)

// Actor roles at the system level.
const (
	RoleAdmin    = "ADMIN"
	RoleEmployee = "EMPLOYEE"
	RoleService  = "SERVICE"
)

// FTS language allowlist. Anything else falls back to DefaultFTSLanguage.
const DefaultFTSLanguage = "spanish"

var ftsLanguages = map[string]bool{
	"spanish": true,
	"english": true,
	"simple":  true,
}

// NormalizeFTSLanguage maps an arbitrary value onto the allowlist.
func NormalizeFTSLanguage(lang string) string {
	if ftsLanguages[lang] {
		return lang
	}
	return DefaultFTSLanguage
}

// Actor is the authenticated principal a request acts as. A zero-value
// Actor has no access anywhere.
type Actor struct {
	UserID string
	Role   string
}

// Workspace is the isolation boundary for all documents and retrieval.
type Workspace struct {
	ID          uuid.UUID
	Name        string
	OwnerUserID string
	Visibility  string
	FTSLanguage string
	ArchivedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Archived reports whether the workspace is read-only.
func (w *Workspace) Archived() bool { return w.ArchivedAt != nil }

// Document represents an ingested or uploaded document.
type Document struct {
	ID                   uuid.UUID
	WorkspaceID          uuid.UUID
	Title                string
	Status               string
	ContentHash          string
	FileName             string
	MimeType             string
	StorageKey           string
	Tags                 []string
	AllowedRoles         []string
	ExternalSourceID     string
	ExternalETag         string
	ExternalModifiedTime *time.Time
	ErrorMessage         string
	Metadata             map[string]string
	CreatedAt            time.Time
	DeletedAt            *time.Time
}

// Chunk is the atomic retrieval unit: a passage with its own embedding.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Node groups consecutive chunks for coarse first-pass retrieval. Span
// bounds are inclusive chunk indexes.
type Node struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	DocumentID  uuid.UUID
	NodeIndex   int
	NodeText    string
	Embedding   []float32
	SpanStart   int
	SpanEnd     int
}

// NodeSpan identifies a chunk range within a document, as returned by node
// search and consumed by the span fetch.
type NodeSpan struct {
	DocumentID uuid.UUID
	SpanStart  int
	SpanEnd    int
}

// ScoredChunk is a chunk with its retrieval similarity score.
type ScoredChunk struct {
	Chunk
	Score float32
}

// ScoredNode is a node with its retrieval similarity score.
type ScoredNode struct {
	Node
	Score float32
}

// ACLEntry grants a user access to a SHARED workspace.
type ACLEntry struct {
	WorkspaceID uuid.UUID
	UserID      string
	Role        string
	GrantedBy   string
	CreatedAt   time.Time
}

// AuditEvent is an append-only record of a sensitive action.
type AuditEvent struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	TargetID  string
	Metadata  map[string]string
	CreatedAt time.Time
}

// DocumentFilter narrows List results.
type DocumentFilter struct {
	Query  string
	Status string
	Tag    string
	Sort   string // created_at_desc (default), created_at_asc, title_asc, title_desc
}

// WorkspaceRepository defines operations for workspace persistence
type WorkspaceRepository interface {
	Create(ctx context.Context, ws *Workspace) error
	GetByID(ctx context.Context, id uuid.UUID) (*Workspace, error)
	ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*Workspace, error)
	Update(ctx context.Context, ws *Workspace) error
	Archive(ctx context.Context, id uuid.UUID) error

	// ACL operations
	GrantACL(ctx context.Context, entry *ACLEntry) error
	RevokeACL(ctx context.Context, workspaceID uuid.UUID, userID string) error
	ListACL(ctx context.Context, workspaceID uuid.UUID) ([]*ACLEntry, error)
}

// DocumentRepository defines operations for document, chunk and node
// persistence. Every read and write is scoped to a workspace.
type DocumentRepository interface {
	// SaveDocumentWithChunks inserts a document, its chunks and optional
	// nodes in one transaction. On a (workspace_id, content_hash)
	// uniqueness violation it returns ErrDuplicate without persisting.
	SaveDocumentWithChunks(ctx context.Context, doc *Document, chunks []*Chunk, nodes []*Node) error

	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*Document, error)
	GetByContentHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*Document, error)
	List(ctx context.Context, workspaceID uuid.UUID, filter DocumentFilter, limit, offset int) ([]*Document, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, workspaceID, id uuid.UUID) error

	// TransitionStatus applies a compare-and-swap status change and reports
	// whether the swap was applied.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	// Chunk operations
	CreateChunks(ctx context.Context, documentID uuid.UUID, chunks []*Chunk) error
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error
	CountChunks(ctx context.Context, documentID uuid.UUID) (int, error)

	// Node operations
	CreateNodes(ctx context.Context, nodes []*Node) error
	DeleteNodes(ctx context.Context, documentID uuid.UUID) error
}

// SearchRepository defines the retrieval-side queries.
type SearchRepository interface {
	FindSimilarChunks(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]ScoredChunk, error)
	FindSimilarChunksMMR(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int, lambda float32, poolSize int) ([]ScoredChunk, error)
	FindChunksFullText(ctx context.Context, workspaceID uuid.UUID, query string, topK int) ([]ScoredChunk, error)
	FindSimilarNodes(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]ScoredNode, error)
	FindChunksByNodeSpans(ctx context.Context, workspaceID uuid.UUID, spans []NodeSpan) ([]Chunk, error)
}

// AuditRepository records append-only audit events.
type AuditRepository interface {
	Record(ctx context.Context, event *AuditEvent) error
}
