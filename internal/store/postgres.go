package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/reportly/curator/internal/model"
)

// Pool abstracts pgxpool.Pool for testing with pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'in_progress',
	target_product_id TEXT,
	research_depth    TEXT,
	tokens_used       INTEGER NOT NULL DEFAULT 0,
	item_count        INTEGER NOT NULL DEFAULT 0,
	payload           JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sources (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	domain          TEXT NOT NULL,
	title           TEXT,
	authority_tier  TEXT NOT NULL,
	authority_score DOUBLE PRECISION NOT NULL,
	categories      JSONB,
	fetch_count     INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	fields      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_sources_domain ON sources(domain);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, sess *model.CurationSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, kind, status, target_product_id, research_depth, tokens_used, item_count, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, string(sess.Kind), string(sess.Status), sess.TargetProductID,
		string(sess.ResearchDepth), sess.TokensUsed, len(sess.ExtractedItems),
		payload, sess.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.CurationSession, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM sessions WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}

	var sess model.CurationSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal session")
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionSummary, error) {
	query := `SELECT id, kind, status, COALESCE(target_product_id, ''), COALESCE(research_depth, ''), tokens_used, item_count, created_at
	          FROM sessions WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += ` AND kind = $1`
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var summaries []model.SessionSummary
	for rows.Next() {
		var sm model.SessionSummary
		var target, depth string
		if err := rows.Scan(&sm.ID, &sm.Kind, &sm.Status, &target, &depth, &sm.TokensUsed, &sm.ItemCount, &sm.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session summary")
		}
		sm.TargetProductID = target
		sm.ResearchDepth = model.ResearchDepth(depth)
		summaries = append(summaries, sm)
	}
	return summaries, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) AppendSessionItems(ctx context.Context, id string, items []model.ExtractedItem, sourceIDs []string, tokens int) error {
	sess, status, err := s.loadMutableSession(ctx, id)
	if err != nil {
		return err
	}
	if status != model.SessionInProgress {
		return ErrSessionImmutable
	}

	sess.ExtractedItems = append(sess.ExtractedItems, items...)
	sess.SourceIDs = appendNewSources(sess.SourceIDs, sourceIDs)
	sess.TokensUsed += tokens

	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET payload = $1, tokens_used = $2, item_count = $3 WHERE id = $4 AND status = 'in_progress'`,
		payload, sess.TokensUsed, len(sess.ExtractedItems), id,
	)
	return eris.Wrapf(err, "postgres: append items to session %s", id)
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string, status model.SessionStatus, failureReason string) error {
	sess, current, err := s.loadMutableSession(ctx, id)
	if err != nil {
		return err
	}
	if current != model.SessionInProgress {
		return ErrSessionImmutable
	}

	sess.Status = status
	sess.FailureReason = failureReason

	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET payload = $1, status = $2 WHERE id = $3 AND status = 'in_progress'`,
		payload, string(status), id,
	)
	return eris.Wrapf(err, "postgres: complete session %s", id)
}

func (s *PostgresStore) loadMutableSession(ctx context.Context, id string) (*model.CurationSession, model.SessionStatus, error) {
	var payload []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT payload, status FROM sessions WHERE id = $1`, id,
	).Scan(&payload, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", eris.Wrapf(err, "postgres: load session %s", id)
	}

	var sess model.CurationSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, "", eris.Wrap(err, "postgres: unmarshal session")
	}
	return &sess, model.SessionStatus(status), nil
}

func (s *PostgresStore) UpsertSourceByURL(ctx context.Context, url, title string, tier model.AuthorityTier) (*model.CuratorSource, error) {
	id := uuid.New().String()
	domain := model.DomainOf(url)
	score := model.BaseAuthorityScore(tier)

	var src model.CuratorSource
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sources (id, url, domain, title, authority_tier, authority_score, fetch_count)
		 VALUES ($1, $2, $3, $4, $5, $6, 1)
		 ON CONFLICT (url) DO UPDATE SET
		   fetch_count = sources.fetch_count + 1,
		   authority_score = LEAST(0.99, sources.authority_score + 0.01),
		   title = CASE WHEN EXCLUDED.title != '' THEN EXCLUDED.title ELSE sources.title END
		 RETURNING id, url, domain, COALESCE(title, ''), authority_tier, authority_score, fetch_count, created_at`,
		id, url, domain, title, string(tier), score,
	).Scan(&src.ID, &src.URL, &src.Domain, &src.Title, &src.AuthorityTier, &src.AuthorityScore, &src.FetchCount, &src.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert source %s", url)
	}
	return &src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, limit int) ([]model.CuratorSource, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, domain, COALESCE(title, ''), authority_tier, authority_score, fetch_count, created_at
		 FROM sources ORDER BY fetch_count DESC, created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []model.CuratorSource
	for rows.Next() {
		var src model.CuratorSource
		if err := rows.Scan(&src.ID, &src.URL, &src.Domain, &src.Title, &src.AuthorityTier, &src.AuthorityScore, &src.FetchCount, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) CreateEntity(ctx context.Context, et model.EntityType, fields map[string]any) (string, error) {
	id := uuid.New().String()

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, entity_type, fields) VALUES ($1, $2, $3)`,
		id, string(et), fieldsJSON,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: create %s", et)
	}
	return id, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, et model.EntityType, id string, fields map[string]any) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	// JSONB || merges the supplied fields over the stored map in one statement.
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET fields = fields || $1::jsonb, updated_at = now() WHERE entity_type = $2 AND id = $3`,
		fieldsJSON, string(et), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", et, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, et model.EntityType, id string) (map[string]any, error) {
	var fieldsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM entities WHERE entity_type = $1 AND id = $2`,
		string(et), id,
	).Scan(&fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s %s", et, id)
	}

	var fields map[string]any
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fields")
	}
	return fields, nil
}

func (s *PostgresStore) FindEntityByName(ctx context.Context, et model.EntityType, name string) (string, map[string]any, error) {
	var id string
	var fieldsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, fields FROM entities WHERE entity_type = $1 AND fields->>$2 = $3 LIMIT 1`,
		string(et), entityNameKey(et), name,
	).Scan(&id, &fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, eris.Wrapf(err, "postgres: find %s by name", et)
	}

	var fields map[string]any
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return "", nil, eris.Wrap(err, "postgres: unmarshal fields")
	}
	return id, fields, nil
}
