// Package session owns curation session lifecycle and the per-session token
// budget. The budget is a soft cap: once a session has spent it, new
// extraction and research calls are refused, but reviewing and committing
// what was already extracted is always allowed.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/store"
)

// DefaultTokenBudget caps model spend per session unless configured otherwise.
const DefaultTokenBudget = 500_000

// BudgetExceededError signals that a session has spent its token budget.
// Commit paths must not treat this as fatal; only new model spend is refused.
type BudgetExceededError struct {
	SessionID string
	Used      int
	Budget    int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("session %s: token budget exceeded (%d used of %d)", e.SessionID, e.Used, e.Budget)
}

// IsBudgetExceeded reports whether the error chain contains a budget refusal.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return eris.As(err, &be)
}

// FailedError carries the id of a session that was persisted as failed, so
// callers can point the reviewer at the audit record behind the failure.
type FailedError struct {
	SessionID string
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.SessionID, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// FailedSessionID returns the failed session id in err's chain, if any.
func FailedSessionID(err error) (string, bool) {
	var fe *FailedError
	if eris.As(err, &fe) {
		return fe.SessionID, true
	}
	return "", false
}

// Manager creates sessions and enforces the spend budget.
type Manager struct {
	store  store.Store
	budget int
}

// NewManager creates a Manager. A non-positive budget falls back to the
// default.
func NewManager(st store.Store, budget int) *Manager {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Manager{store: st, budget: budget}
}

// Budget returns the configured per-session token budget.
func (m *Manager) Budget() int { return m.budget }

// Create starts a new in-progress session of the given kind.
func (m *Manager) Create(ctx context.Context, kind model.SessionKind) (*model.CurationSession, error) {
	sess := &model.CurationSession{
		Kind:      kind,
		Status:    model.SessionInProgress,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	zap.L().Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("kind", string(kind)))
	return sess, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.CurationSession, error) {
	return m.store.GetSession(ctx, id)
}

// List returns session summaries matching the filter.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]model.SessionSummary, error) {
	return m.store.ListSessions(ctx, filter)
}

// CheckBudget refuses further model spend on a session that has reached its
// token budget. It never refuses anything else: callers on the commit path
// must not consult it.
func (m *Manager) CheckBudget(ctx context.Context, id string) error {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "session: check budget %s", id)
	}
	if sess.TokensUsed >= m.budget {
		zap.L().Warn("session token budget exceeded",
			zap.String("session_id", id),
			zap.Int("tokens_used", sess.TokensUsed),
			zap.Int("budget", m.budget))
		return &BudgetExceededError{SessionID: id, Used: sess.TokensUsed, Budget: m.budget}
	}
	return nil
}

// AppendCandidates adds extracted items, their originating source ids, and
// their token cost to a session. The spend is recorded even when it pushes
// the session over budget; the budget gates the next call, not the one that
// crossed it.
func (m *Manager) AppendCandidates(ctx context.Context, id string, items []model.ExtractedItem, sourceIDs []string, tokens int) error {
	if err := m.store.AppendSessionItems(ctx, id, items, sourceIDs, tokens); err != nil {
		return eris.Wrapf(err, "session: append candidates %s", id)
	}
	return nil
}

// Complete transitions a session out of in_progress. Once completed or
// failed the store refuses all further writes.
func (m *Manager) Complete(ctx context.Context, id string, status model.SessionStatus, failureReason string) error {
	if err := m.store.CompleteSession(ctx, id, status, failureReason); err != nil {
		return eris.Wrapf(err, "session: complete %s", id)
	}
	zap.L().Info("session finished",
		zap.String("session_id", id),
		zap.String("status", string(status)))
	return nil
}
