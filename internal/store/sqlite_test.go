package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportly/curator/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "curator_test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.CurationSession{
		Kind:   model.SessionKindExtraction,
		Status: model.SessionInProgress,
		ExtractedItems: []model.ExtractedItem{
			{
				EntityType: model.EntityPlatform,
				Fields: []model.ExtractedField{
					{Name: "name", Value: "Facebook", Confidence: 0.95, Source: model.SourceTextExtraction},
				},
			},
		},
		TokensUsed: 1200,
	}
	require.NoError(t, s.InsertSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, model.SessionKindExtraction, got.Kind)
	assert.Equal(t, 1200, got.TokensUsed)
	require.Len(t, got.ExtractedItems, 1)
	assert.Equal(t, model.EntityPlatform, got.ExtractedItems[0].EntityType)
	assert.Equal(t, "Facebook", got.ExtractedItems[0].Fields[0].Value)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, kind := range []model.SessionKind{
		model.SessionKindExtraction,
		model.SessionKindResearch,
		model.SessionKindExtraction,
	} {
		require.NoError(t, s.InsertSession(ctx, &model.CurationSession{
			Kind:   kind,
			Status: model.SessionInProgress,
		}))
	}

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	research, err := s.ListSessions(ctx, SessionFilter{Kind: model.SessionKindResearch})
	require.NoError(t, err)
	require.Len(t, research, 1)
	assert.Equal(t, model.SessionKindResearch, research[0].Kind)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppendSessionItems_AccumulatesTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.CurationSession{Kind: model.SessionKindExtraction, Status: model.SessionInProgress}
	require.NoError(t, s.InsertSession(ctx, sess))

	items := []model.ExtractedItem{
		{EntityType: model.EntityIndustry, Fields: []model.ExtractedField{
			{Name: "name", Value: "Healthcare", Confidence: 0.9, Source: model.SourceTextExtraction},
		}},
	}
	require.NoError(t, s.AppendSessionItems(ctx, sess.ID, items, []string{"src-1"}, 500))
	require.NoError(t, s.AppendSessionItems(ctx, sess.ID, items, []string{"src-1", "src-2"}, 700))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.ExtractedItems, 2)
	assert.Equal(t, 1200, got.TokensUsed)
	// Source ids dedupe across appends.
	assert.Equal(t, []string{"src-1", "src-2"}, got.SourceIDs)

	summaries, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].ItemCount)
	assert.Equal(t, 1200, summaries[0].TokensUsed)
}

func TestSession_ImmutableAfterComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.CurationSession{Kind: model.SessionKindResearch, Status: model.SessionInProgress}
	require.NoError(t, s.InsertSession(ctx, sess))
	require.NoError(t, s.CompleteSession(ctx, sess.ID, model.SessionCompleted, ""))

	err := s.AppendSessionItems(ctx, sess.ID, []model.ExtractedItem{{EntityType: model.EntityProduct}}, nil, 10)
	assert.ErrorIs(t, err, ErrSessionImmutable)

	err = s.CompleteSession(ctx, sess.ID, model.SessionFailed, "late failure")
	assert.ErrorIs(t, err, ErrSessionImmutable)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	assert.Empty(t, got.FailureReason)
}

func TestCompleteSession_RecordsFailureReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.CurationSession{Kind: model.SessionKindExtraction, Status: model.SessionInProgress}
	require.NoError(t, s.InsertSession(ctx, sess))
	require.NoError(t, s.CompleteSession(ctx, sess.ID, model.SessionFailed, "provider unreachable"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.FailureReason)
}

func TestUpsertSourceByURL_IncrementsFetchCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertSourceByURL(ctx, "https://developers.facebook.com/docs/ads", "Meta Ads Docs", model.TierAuthoritative)
	require.NoError(t, err)
	assert.Equal(t, 1, first.FetchCount)
	assert.Equal(t, "developers.facebook.com", first.Domain)
	assert.InDelta(t, 0.9, first.AuthorityScore, 1e-9)

	second, err := s.UpsertSourceByURL(ctx, "https://developers.facebook.com/docs/ads", "", model.TierAuthoritative)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.FetchCount)
	assert.InDelta(t, 0.91, second.AuthorityScore, 1e-9)
	// Empty titles never clobber a stored title.
	assert.Equal(t, "Meta Ads Docs", second.Title)
}

func TestUpsertSourceByURL_ScoreCappedAt99(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last *model.CuratorSource
	var err error
	for i := 0; i < 15; i++ {
		last, err = s.UpsertSourceByURL(ctx, "https://example.com/a", "A", model.TierAuthoritative)
		require.NoError(t, err)
	}
	assert.Equal(t, 15, last.FetchCount)
	assert.LessOrEqual(t, last.AuthorityScore, 0.99)
}

func TestListSources_OrderedByFetchCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSourceByURL(ctx, "https://a.example.com", "A", model.TierStandard)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.UpsertSourceByURL(ctx, "https://b.example.com", "B", model.TierStandard)
		require.NoError(t, err)
	}

	sources, err := s.ListSources(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "https://b.example.com", sources[0].URL)
	assert.Equal(t, 3, sources[0].FetchCount)
}

func TestEntityCreateUpdateMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateEntity(ctx, model.EntityPlatform, map[string]any{
		"name":               "Facebook",
		"attribution_window": "7-day click",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Update merges: untouched fields survive.
	err = s.UpdateEntity(ctx, model.EntityPlatform, id, map[string]any{
		"description": "Social advertising platform",
	})
	require.NoError(t, err)

	fields, err := s.GetEntity(ctx, model.EntityPlatform, id)
	require.NoError(t, err)
	assert.Equal(t, "Facebook", fields["name"])
	assert.Equal(t, "7-day click", fields["attribution_window"])
	assert.Equal(t, "Social advertising platform", fields["description"])
}

func TestUpdateEntity_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateEntity(context.Background(), model.EntityProduct, "missing", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindEntityByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateEntity(ctx, model.EntityPlatform, map[string]any{"name": "TikTok"})
	require.NoError(t, err)

	foundID, fields, err := s.FindEntityByName(ctx, model.EntityPlatform, "TikTok")
	require.NoError(t, err)
	assert.Equal(t, id, foundID)
	assert.Equal(t, "TikTok", fields["name"])

	// Same name under a different entity type does not match.
	_, _, err = s.FindEntityByName(ctx, model.EntityProduct, "TikTok")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindEntityByName_SoulDocUsesTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateEntity(ctx, model.EntitySoulDoc, map[string]any{"title": "Brand Voice"})
	require.NoError(t, err)

	foundID, _, err := s.FindEntityByName(ctx, model.EntitySoulDoc, "Brand Voice")
	require.NoError(t, err)
	assert.Equal(t, id, foundID)
}
