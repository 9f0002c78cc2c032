package committer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/store"
)

func newCommitter(t *testing.T) (*Committer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "commit_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st, registry.Default()), st
}

func platformItem(name string, extra ...model.ExtractedField) model.CommitItem {
	fields := append([]model.ExtractedField{
		{Name: "name", Value: name, Confidence: 0.9, Source: model.SourceTextExtraction},
	}, extra...)
	return model.CommitItem{EntityType: model.EntityPlatform, Fields: fields}
}

func TestCommit_CreatesEntity(t *testing.T) {
	c, st := newCommitter(t)
	ctx := context.Background()

	res, err := c.Commit(ctx, Request{Items: []model.CommitItem{
		platformItem("Facebook", model.ExtractedField{Name: "attribution_window", Value: "7-day click", Confidence: 0.9}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommittedCount)
	assert.Equal(t, 0, res.FailedCount)
	require.Len(t, res.Results, 1)
	require.True(t, res.Results[0].Success)

	fields, err := st.GetEntity(ctx, model.EntityPlatform, res.Results[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Facebook", fields["name"])
	assert.Equal(t, "7-day click", fields["attribution_window"])
}

func TestCommit_PerItemIsolation(t *testing.T) {
	c, _ := newCommitter(t)
	ctx := context.Background()

	// Middle item fails on a type violation; its neighbors commit anyway and
	// results stay in input order.
	res, err := c.Commit(ctx, Request{Items: []model.CommitItem{
		platformItem("Facebook"),
		{EntityType: model.EntityPlatform, Fields: []model.ExtractedField{
			{Name: "name", Value: 42, Confidence: 0.9},
		}},
		platformItem("TikTok"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CommittedCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].Error, "expected string")
	assert.True(t, res.Results[2].Success)
}

func TestCommit_UnknownFieldsDroppedNotFatal(t *testing.T) {
	c, st := newCommitter(t)
	ctx := context.Background()

	res, err := c.Commit(ctx, Request{Items: []model.CommitItem{
		platformItem("Facebook",
			model.ExtractedField{Name: "monthly_actives", Value: "3 billion", Confidence: 0.7}),
	}})
	require.NoError(t, err)
	require.True(t, res.Results[0].Success)
	assert.Equal(t, []string{"monthly_actives"}, res.Results[0].DroppedFields)

	fields, err := st.GetEntity(ctx, model.EntityPlatform, res.Results[0].EntityID)
	require.NoError(t, err)
	_, leaked := fields["monthly_actives"]
	assert.False(t, leaked)
}

func TestCommit_OnlyUnknownFieldsFails(t *testing.T) {
	c, _ := newCommitter(t)

	res, err := c.Commit(context.Background(), Request{Items: []model.CommitItem{
		{EntityType: model.EntityPlatform, Fields: []model.ExtractedField{
			{Name: "monthly_actives", Value: "3 billion", Confidence: 0.7},
		}},
	}})
	require.NoError(t, err)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "no whitelisted fields")
}

func TestCommit_MissingRequiredFieldOnCreate(t *testing.T) {
	c, _ := newCommitter(t)

	res, err := c.Commit(context.Background(), Request{Items: []model.CommitItem{
		{EntityType: model.EntityPlatform, Fields: []model.ExtractedField{
			{Name: "description", Value: "a platform", Confidence: 0.6},
		}},
	}})
	require.NoError(t, err)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "missing required field name")
}

func TestCommit_UpdateMergesFields(t *testing.T) {
	c, st := newCommitter(t)
	ctx := context.Background()

	id, err := st.CreateEntity(ctx, model.EntityPlatform, map[string]any{
		"name":               "Facebook",
		"attribution_window": "7-day click",
	})
	require.NoError(t, err)

	res, err := c.Commit(ctx, Request{Items: []model.CommitItem{
		{EntityType: model.EntityPlatform, EntityID: id, Fields: []model.ExtractedField{
			{Name: "description", Value: "Social advertising platform", Confidence: 0.85},
		}},
	}})
	require.NoError(t, err)
	require.True(t, res.Results[0].Success)
	assert.Equal(t, id, res.Results[0].EntityID)

	fields, err := st.GetEntity(ctx, model.EntityPlatform, id)
	require.NoError(t, err)
	// Untouched fields survive the merge.
	assert.Equal(t, "7-day click", fields["attribution_window"])
	assert.Equal(t, "Social advertising platform", fields["description"])
}

func TestCommit_UpdateMissingEntityFailsItem(t *testing.T) {
	c, _ := newCommitter(t)

	res, err := c.Commit(context.Background(), Request{Items: []model.CommitItem{
		{EntityType: model.EntityPlatform, EntityID: "ghost", Fields: []model.ExtractedField{
			{Name: "description", Value: "x", Confidence: 0.5},
		}},
	}})
	require.NoError(t, err)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "does not exist")
}

func TestCommit_CreateIsIdempotentByName(t *testing.T) {
	c, st := newCommitter(t)
	ctx := context.Background()

	first, err := c.Commit(ctx, Request{Items: []model.CommitItem{platformItem("Facebook")}})
	require.NoError(t, err)
	second, err := c.Commit(ctx, Request{Items: []model.CommitItem{
		platformItem("Facebook", model.ExtractedField{Name: "attribution_window", Value: "7-day click", Confidence: 0.9}),
	}})
	require.NoError(t, err)

	// The second commit updated the existing record instead of duplicating it.
	assert.Equal(t, first.Results[0].EntityID, second.Results[0].EntityID)

	fields, err := st.GetEntity(ctx, model.EntityPlatform, first.Results[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "7-day click", fields["attribution_window"])
}

func TestCommit_SoulDocDedupesByTitle(t *testing.T) {
	c, _ := newCommitter(t)
	ctx := context.Background()

	doc := model.CommitItem{EntityType: model.EntitySoulDoc, Fields: []model.ExtractedField{
		{Name: "title", Value: "Brand Voice", Confidence: 0.9},
	}}
	first, err := c.Commit(ctx, Request{Items: []model.CommitItem{doc}})
	require.NoError(t, err)
	second, err := c.Commit(ctx, Request{Items: []model.CommitItem{doc}})
	require.NoError(t, err)
	assert.Equal(t, first.Results[0].EntityID, second.Results[0].EntityID)
}

func TestCommit_UnknownEntityType(t *testing.T) {
	c, _ := newCommitter(t)

	res, err := c.Commit(context.Background(), Request{Items: []model.CommitItem{
		{EntityType: "campaign", Fields: []model.ExtractedField{
			{Name: "name", Value: "X", Confidence: 0.9},
		}},
	}})
	require.NoError(t, err)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, res.Results[0].Error, "unknown entity type")
}

func TestCommit_CompletesSession(t *testing.T) {
	c, st := newCommitter(t)
	ctx := context.Background()

	sess := &model.CurationSession{Kind: model.SessionKindExtraction, Status: model.SessionInProgress}
	require.NoError(t, st.InsertSession(ctx, sess))

	_, err := c.Commit(ctx, Request{SessionID: sess.ID, Items: []model.CommitItem{platformItem("Facebook")}})
	require.NoError(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)

	// Revisiting the frozen session is allowed: the second batch commits with
	// full per-item results and the session record stays untouched.
	res, err := c.Commit(ctx, Request{SessionID: sess.ID, Items: []model.CommitItem{platformItem("TikTok")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommittedCount)
	assert.Zero(t, res.FailedCount)

	again, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, again.Status)
}

func TestCommit_EmptyBatch(t *testing.T) {
	c, _ := newCommitter(t)

	res, err := c.Commit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommittedCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Empty(t, res.Results)
}
