// Package store persists curation sessions, curator sources, and the schema
// entities the committer writes to. Two backends are provided: SQLite for
// local use and Postgres for shared deployments.
package store

import (
	"context"
	"errors"

	"github.com/reportly/curator/internal/model"
)

// ErrNotFound is returned when a session or entity id does not resolve.
var ErrNotFound = errors.New("store: not found")

// ErrSessionImmutable is returned when writing to a session whose status has
// left in_progress. Completed and failed sessions are an audit trail.
var ErrSessionImmutable = errors.New("store: session is no longer mutable")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Kind   model.SessionKind   `json:"kind,omitempty"`
	Status model.SessionStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the curation pipeline.
type Store interface {
	// Sessions. Sessions are never deleted; once a session's status leaves
	// in_progress all writes are refused.
	InsertSession(ctx context.Context, s *model.CurationSession) error
	GetSession(ctx context.Context, id string) (*model.CurationSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionSummary, error)
	AppendSessionItems(ctx context.Context, id string, items []model.ExtractedItem, sourceIDs []string, tokens int) error
	CompleteSession(ctx context.Context, id string, status model.SessionStatus, failureReason string) error

	// Sources. Upsert-by-URL reconciles concurrent fetches of the same URL:
	// the fetch count is incremented atomically instead of racing to insert
	// duplicate rows.
	UpsertSourceByURL(ctx context.Context, url, title string, tier model.AuthorityTier) (*model.CuratorSource, error)
	ListSources(ctx context.Context, limit int) ([]model.CuratorSource, error)

	// Schema entities. Fields are stored as a JSON map per entity; updates
	// merge the supplied fields and leave the rest unchanged.
	CreateEntity(ctx context.Context, et model.EntityType, fields map[string]any) (string, error)
	UpdateEntity(ctx context.Context, et model.EntityType, id string, fields map[string]any) error
	GetEntity(ctx context.Context, et model.EntityType, id string) (map[string]any, error)
	FindEntityByName(ctx context.Context, et model.EntityType, name string) (string, map[string]any, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// entityNameKey returns the field used as the identifying name for an entity
// kind (soul docs are titled, everything else is named).
func entityNameKey(et model.EntityType) string {
	if et == model.EntitySoulDoc {
		return "title"
	}
	return "name"
}

// appendNewSources appends source ids not already on the session, preserving
// first-seen order.
func appendNewSources(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		existing = append(existing, id)
	}
	return existing
}

// mergeFields overlays updates onto existing, returning the merged map.
// Supplied fields replace existing values; absent fields are left unchanged.
func mergeFields(existing, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
