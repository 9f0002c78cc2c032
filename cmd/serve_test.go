package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reportly/curator/internal/approval"
	"github.com/reportly/curator/internal/committer"
	"github.com/reportly/curator/internal/extractor"
	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/session"
	"github.com/reportly/curator/internal/store"
	"github.com/reportly/curator/pkg/aiclient"
	aimocks "github.com/reportly/curator/pkg/aiclient/mocks"
	readermocks "github.com/reportly/curator/pkg/reader/mocks"
)

func newTestServer(t *testing.T) (*server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.Default()
	env := &curatorEnv{
		Store:     st,
		Sessions:  session.NewManager(st, 0),
		Registry:  reg,
		Committer: committer.New(st, reg),
	}
	return &server{env: env, gates: make(map[string]*approval.Gate)}, st
}

func seedSession(t *testing.T, st store.Store) *model.CurationSession {
	t.Helper()
	sess := &model.CurationSession{
		ID:     "sess-1",
		Kind:   model.SessionKindExtraction,
		Status: model.SessionInProgress,
		ExtractedItems: []model.ExtractedItem{{
			ID:         "item-1",
			EntityType: model.EntityPlatform,
			Fields: []model.ExtractedField{
				{Name: "name", Value: "TikTok", Confidence: 0.95, Source: model.SourceTextExtraction},
				{Name: "attribution_window", Value: "7-day click", Confidence: 0.55, Source: model.SourceTextExtraction},
			},
			OverallConfidence: 0.75,
		}},
	}
	require.NoError(t, st.InsertSession(context.Background(), sess))
	return sess
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeGetSession(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st)
	h := s.routes()

	rec := doJSON(t, h, http.MethodGet, "/api/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.CurationSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sess-1", got.ID)
	assert.Len(t, got.ExtractedItems, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeApprovalLifecycle(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st)
	h := s.routes()

	// Gate builds from the session: one item key plus one key per field.
	rec := doJSON(t, h, http.MethodGet, "/api/sessions/sess-1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		Candidates int      `json:"candidates"`
		Approved   []string `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 3, state.Candidates)
	assert.Empty(t, state.Approved)

	// Toggle a field key on.
	rec = doJSON(t, h, http.MethodPost, "/api/sessions/sess-1/approvals/toggle",
		map[string]string{"key": "item-1.name"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Threshold approval adds high-confidence keys, keeps existing ones.
	rec = doJSON(t, h, http.MethodPost, "/api/sessions/sess-1/approvals/threshold",
		map[string]float64{"threshold": 0.7})
	require.Equal(t, http.StatusOK, rec.Code)
	var thr struct {
		Added    int      `json:"added"`
		Approved []string `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &thr))
	assert.Equal(t, 1, thr.Added) // item-1 at 0.75; item-1.name already approved
	assert.Equal(t, []string{"item-1", "item-1.name"}, thr.Approved)

	// Toggle off.
	rec = doJSON(t, h, http.MethodPost, "/api/sessions/sess-1/approvals/toggle",
		map[string]string{"key": "item-1.name"})
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled struct {
		Approved bool `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.False(t, toggled.Approved)

	// Clear empties the approved set.
	rec = doJSON(t, h, http.MethodDelete, "/api/sessions/sess-1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/sessions/sess-1/approvals", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Empty(t, state.Approved)
}

func TestServeApprovalUnknownKey(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st)

	rec := doJSON(t, s.routes(), http.MethodPost, "/api/sessions/sess-1/approvals/toggle",
		map[string]string{"key": "item-9.bogus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeApprovalThresholdOutOfRange(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st)

	rec := doJSON(t, s.routes(), http.MethodPost, "/api/sessions/sess-1/approvals/threshold",
		map[string]float64{"threshold": 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeApprovalsMissingSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.routes(), http.MethodGet, "/api/sessions/nope/approvals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// newExtractServer wires a real store with mocked provider and reader
// clients so the extract route can run end to end.
func newExtractServer(t *testing.T) (*server, *aimocks.MockClient) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_extract_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.Default()
	sm := session.NewManager(st, 0)
	ai := new(aimocks.MockClient)
	rd := new(readermocks.MockClient)
	env := &curatorEnv{
		Store:     st,
		Sessions:  sm,
		Registry:  reg,
		Extractor: extractor.New(ai, rd, st, sm, reg, "claude-haiku-4-5-20251001", 8192),
		Committer: committer.New(st, reg),
	}
	return &server{env: env, gates: make(map[string]*approval.Gate)}, ai
}

const serveExtractAnswer = `{"items": [{
	"entity_type": "platform",
	"classification_reason": "Platform attribution setting",
	"fields": [
		{"name": "name", "value": "Facebook", "confidence": 0.95},
		{"name": "attribution_window", "value": "7-day click", "confidence": 0.9}
	]
}]}`

func TestServeExtractProviderFailure(t *testing.T) {
	s, ai := newExtractServer(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil,
		&aiclient.ProviderError{Op: "create message", Err: eris.New("upstream 529")})
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/extract", map[string]string{"text": "some content"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// The structured failure names the session persisted as failed.
	var body struct {
		Error     string `json:"error"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	require.NotEmpty(t, body.SessionID)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/"+body.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess model.CurationSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, model.SessionFailed, sess.Status)
}

func TestServeExtractRefreshesApprovalGate(t *testing.T) {
	s, ai := newExtractServer(t)
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(&aiclient.MessageResponse{
		Text:  serveExtractAnswer,
		Usage: aiclient.TokenUsage{InputTokens: 100, OutputTokens: 40},
	}, nil)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/extract", map[string]string{"text": "first pass"})
	require.Equal(t, http.StatusOK, rec.Code)
	var first extractor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first.Items, 1)

	// First touch builds the gate from the session's current items.
	rec = doJSON(t, h, http.MethodGet, "/api/sessions/"+first.SessionID+"/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		Candidates int `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 3, state.Candidates)

	// Appending to the session must refresh the gate so the new item's keys
	// are toggleable without a restart.
	rec = doJSON(t, h, http.MethodPost, "/api/extract",
		map[string]string{"text": "second pass", "session_id": first.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	var second extractor.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second.Items, 1)

	rec = doJSON(t, h, http.MethodPost, "/api/sessions/"+first.SessionID+"/approvals/toggle",
		map[string]string{"key": second.Items[0].ID + ".name"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/"+first.SessionID+"/approvals", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 6, state.Candidates)
}

func TestServeCommit(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.routes(), http.MethodPost, "/api/commit", committer.Request{
		Items: []model.CommitItem{{
			EntityType: model.EntityPlatform,
			Fields: []model.ExtractedField{
				{Name: "name", Value: "TikTok", Confidence: 0.95},
			},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res model.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.CommittedCount)
	assert.Zero(t, res.FailedCount)
}

func TestServeListSessions(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st)
	h := s.routes()

	rec := doJSON(t, h, http.MethodGet, "/api/sessions?kind=extraction", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []model.SessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
