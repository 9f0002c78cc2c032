// Package committer writes approved fields to the schema store. A commit
// batch is processed with per-item isolation: one bad item never rolls back
// its siblings, and results come back in input order so the review UI can
// line them up against what was submitted.
package committer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/store"
)

// Committer validates approved fields against the whitelists and writes them.
type Committer struct {
	store    store.Store
	registry *registry.Registry
}

// New creates a Committer.
func New(st store.Store, reg *registry.Registry) *Committer {
	return &Committer{store: st, registry: reg}
}

// Request is one commit batch. SessionID is optional; when set, the session
// is marked completed after the batch is processed, freezing its audit trail.
type Request struct {
	SessionID string             `json:"session_id,omitempty"`
	Items     []model.CommitItem `json:"items"`
}

// Commit processes the batch. The returned error covers batch-level failures
// only (an unusable session); per-item failures land in the result.
func (c *Committer) Commit(ctx context.Context, req Request) (*model.CommitResult, error) {
	result := &model.CommitResult{
		Results: make([]model.ItemResult, len(req.Items)),
	}

	for i, item := range req.Items {
		res := c.commitOne(ctx, item)
		result.Results[i] = res
		if res.Success {
			result.CommittedCount++
		} else {
			result.FailedCount++
		}
	}

	if req.SessionID != "" {
		// First commit freezes the session's audit trail. A session that
		// already left in_progress stays frozen, and re-committing against it
		// is allowed: the reviewer can revisit and partially recommit without
		// re-running extraction.
		err := c.store.CompleteSession(ctx, req.SessionID, model.SessionCompleted, "")
		if err != nil && !eris.Is(err, store.ErrSessionImmutable) {
			return result, eris.Wrapf(err, "committer: complete session %s", req.SessionID)
		}
	}

	zap.L().Info("commit batch finished",
		zap.String("session_id", req.SessionID),
		zap.Int("committed", result.CommittedCount),
		zap.Int("failed", result.FailedCount))
	return result, nil
}

// commitOne validates and writes a single item. All failure modes are
// reported on the item result; nothing escapes to the batch.
func (c *Committer) commitOne(ctx context.Context, item model.CommitItem) model.ItemResult {
	if !item.EntityType.Valid() {
		return failed("unknown entity type " + string(item.EntityType))
	}
	wl := c.registry.Whitelist(item.EntityType)
	if wl == nil {
		return failed("no field whitelist for " + string(item.EntityType))
	}
	if len(item.Fields) == 0 {
		return failed("no fields to commit")
	}

	// Whitelist pass: unknown fields are dropped (and reported), known
	// fields are type-checked. A type violation fails the whole item so a
	// half-valid record never lands.
	accepted := make(map[string]any, len(item.Fields))
	var dropped []string
	for _, f := range item.Fields {
		spec := wl.ByName(f.Name)
		if spec == nil {
			dropped = append(dropped, f.Name)
			continue
		}
		if err := spec.CheckValue(f.Value); err != nil {
			return failed(err.Error())
		}
		accepted[f.Name] = f.Value
	}
	if len(accepted) == 0 {
		return failed("no whitelisted fields remain after validation")
	}

	if item.EntityID != "" {
		return c.update(ctx, item.EntityType, item.EntityID, accepted, dropped)
	}
	return c.create(ctx, item.EntityType, wl, accepted, dropped)
}

// update merges the accepted fields into an existing entity.
func (c *Committer) update(ctx context.Context, et model.EntityType, id string, fields map[string]any, dropped []string) model.ItemResult {
	if err := c.store.UpdateEntity(ctx, et, id, fields); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return failed(string(et) + " " + id + " does not exist")
		}
		return failed(err.Error())
	}
	return model.ItemResult{Success: true, EntityID: id, DroppedFields: dropped}
}

// create inserts a new entity, first checking required fields and then
// deduplicating by name: re-committing the same approved batch updates the
// existing record instead of minting a duplicate.
func (c *Committer) create(ctx context.Context, et model.EntityType, wl *registry.Whitelist, fields map[string]any, dropped []string) model.ItemResult {
	for _, name := range wl.Required() {
		if _, ok := fields[name]; !ok {
			return failed("missing required field " + name)
		}
	}

	if name, ok := entityName(et, fields); ok {
		existingID, _, err := c.store.FindEntityByName(ctx, et, name)
		if err == nil {
			return c.update(ctx, et, existingID, fields, dropped)
		}
		if !eris.Is(err, store.ErrNotFound) {
			return failed(err.Error())
		}
	}

	id, err := c.store.CreateEntity(ctx, et, fields)
	if err != nil {
		return failed(err.Error())
	}
	return model.ItemResult{Success: true, EntityID: id, DroppedFields: dropped}
}

// entityName pulls the identifying name value out of the accepted fields.
func entityName(et model.EntityType, fields map[string]any) (string, bool) {
	key := "name"
	if et == model.EntitySoulDoc {
		key = "title"
	}
	name, ok := fields[key].(string)
	return name, ok && name != ""
}

func failed(msg string) model.ItemResult {
	return model.ItemResult{Success: false, Error: msg}
}
