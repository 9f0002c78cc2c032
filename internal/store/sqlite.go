package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/reportly/curator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'in_progress',
	target_product_id TEXT,
	research_depth    TEXT,
	tokens_used       INTEGER NOT NULL DEFAULT 0,
	item_count        INTEGER NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sources (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	domain          TEXT NOT NULL,
	title           TEXT,
	authority_tier  TEXT NOT NULL,
	authority_score REAL NOT NULL,
	categories      TEXT,
	fetch_count     INTEGER NOT NULL DEFAULT 1,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	fields      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (entity_type, id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_sources_domain ON sources(domain);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertSession(ctx context.Context, sess *model.CurationSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, status, target_product_id, research_depth, tokens_used, item_count, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), string(sess.Status), sess.TargetProductID,
		string(sess.ResearchDepth), sess.TokensUsed, len(sess.ExtractedItems),
		string(payload), sess.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.CurationSession, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE id = ?`, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}

	var sess model.CurationSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal session")
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionSummary, error) {
	query := `SELECT id, kind, status, target_product_id, research_depth, tokens_used, item_count, created_at
	          FROM sessions WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var summaries []model.SessionSummary
	for rows.Next() {
		var sm model.SessionSummary
		var target, depth sql.NullString
		if err := rows.Scan(&sm.ID, &sm.Kind, &sm.Status, &target, &depth, &sm.TokensUsed, &sm.ItemCount, &sm.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session summary")
		}
		sm.TargetProductID = target.String
		sm.ResearchDepth = model.ResearchDepth(depth.String)
		summaries = append(summaries, sm)
	}
	return summaries, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) AppendSessionItems(ctx context.Context, id string, items []model.ExtractedItem, sourceIDs []string, tokens int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback()

	var payload, status string
	err = tx.QueryRowContext(ctx,
		`SELECT payload, status FROM sessions WHERE id = ?`, id,
	).Scan(&payload, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load session %s", id)
	}
	if model.SessionStatus(status) != model.SessionInProgress {
		return ErrSessionImmutable
	}

	var sess model.CurationSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal session")
	}

	sess.ExtractedItems = append(sess.ExtractedItems, items...)
	sess.SourceIDs = appendNewSources(sess.SourceIDs, sourceIDs)
	sess.TokensUsed += tokens

	updated, err := json.Marshal(&sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET payload = ?, tokens_used = ?, item_count = ? WHERE id = ?`,
		string(updated), sess.TokensUsed, len(sess.ExtractedItems), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append items to session %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append")
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, status model.SessionStatus, failureReason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete")
	}
	defer tx.Rollback()

	var payload, current string
	err = tx.QueryRowContext(ctx,
		`SELECT payload, status FROM sessions WHERE id = ?`, id,
	).Scan(&payload, &current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load session %s", id)
	}
	if model.SessionStatus(current) != model.SessionInProgress {
		return ErrSessionImmutable
	}

	var sess model.CurationSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal session")
	}
	sess.Status = status
	sess.FailureReason = failureReason

	updated, err := json.Marshal(&sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET payload = ?, status = ? WHERE id = ?`,
		string(updated), string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete session %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit complete")
}

func (s *SQLiteStore) UpsertSourceByURL(ctx context.Context, url, title string, tier model.AuthorityTier) (*model.CuratorSource, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	domain := model.DomainOf(url)
	score := model.BaseAuthorityScore(tier)

	// Repeated successful fetches nudge the score upward, capped at 0.99.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, url, domain, title, authority_tier, authority_score, fetch_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   fetch_count = fetch_count + 1,
		   authority_score = MIN(0.99, authority_score + 0.01),
		   title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sources.title END`,
		id, url, domain, title, string(tier), score, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert source %s", url)
	}

	var src model.CuratorSource
	var dbTitle sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT id, url, domain, title, authority_tier, authority_score, fetch_count, created_at
		 FROM sources WHERE url = ?`, url,
	).Scan(&src.ID, &src.URL, &src.Domain, &dbTitle, &src.AuthorityTier, &src.AuthorityScore, &src.FetchCount, &src.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read source %s", url)
	}
	src.Title = dbTitle.String
	return &src, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, limit int) ([]model.CuratorSource, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, domain, title, authority_tier, authority_score, fetch_count, created_at
		 FROM sources ORDER BY fetch_count DESC, created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.CuratorSource
	for rows.Next() {
		var src model.CuratorSource
		var title sql.NullString
		if err := rows.Scan(&src.ID, &src.URL, &src.Domain, &title, &src.AuthorityTier, &src.AuthorityScore, &src.FetchCount, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		src.Title = title.String
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, et model.EntityType, fields map[string]any) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, entity_type, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(et), string(fieldsJSON), now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: create %s", et)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, et model.EntityType, id string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update")
	}
	defer tx.Rollback()

	var existingJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM entities WHERE entity_type = ? AND id = ?`,
		string(et), id,
	).Scan(&existingJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load %s %s", et, id)
	}

	var existing map[string]any
	if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal fields")
	}

	merged, err := json.Marshal(mergeFields(existing, fields))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET fields = ?, updated_at = ? WHERE entity_type = ? AND id = ?`,
		string(merged), time.Now().UTC(), string(et), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %s", et, id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit update")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, et model.EntityType, id string) (map[string]any, error) {
	var fieldsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM entities WHERE entity_type = ? AND id = ?`,
		string(et), id,
	).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s %s", et, id)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal fields")
	}
	return fields, nil
}

func (s *SQLiteStore) FindEntityByName(ctx context.Context, et model.EntityType, name string) (string, map[string]any, error) {
	var id, fieldsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, fields FROM entities
		 WHERE entity_type = ? AND json_extract(fields, '$.'||?) = ?
		 LIMIT 1`,
		string(et), entityNameKey(et), name,
	).Scan(&id, &fieldsJSON)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, eris.Wrapf(err, "sqlite: find %s by name", et)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return "", nil, eris.Wrap(err, "sqlite: unmarshal fields")
	}
	return id, fields, nil
}
