package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/reportly/curator/internal/committer"
	"github.com/reportly/curator/internal/cost"
	"github.com/reportly/curator/internal/extractor"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/researcher"
	"github.com/reportly/curator/internal/session"
	"github.com/reportly/curator/internal/store"
	"github.com/reportly/curator/pkg/aiclient"
	"github.com/reportly/curator/pkg/reader"
)

// curatorEnv holds the initialized store, clients, and pipeline components
// shared by the CLI commands and the serve handlers.
type curatorEnv struct {
	Store      store.Store
	Sessions   *session.Manager
	Registry   *registry.Registry
	Extractor  *extractor.Extractor
	Researcher *researcher.Researcher
	Committer  *committer.Committer
	Cost       *cost.Calculator
}

// Close releases resources held by the environment.
func (e *curatorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for the given mode, opens the store, and wires up
// the pipeline components. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*curatorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg := registry.Default()
	sessions := session.NewManager(st, cfg.Session.TokenBudget)

	ai := aiclient.NewClient(cfg.Anthropic.Key)
	rd := reader.NewClient(cfg.Reader.Key, reader.WithBaseURL(cfg.Reader.BaseURL))

	return &curatorEnv{
		Store:    st,
		Sessions: sessions,
		Registry: reg,
		Extractor: extractor.New(ai, rd, st, sessions, reg,
			cfg.Anthropic.ExtractionModel, int64(cfg.Anthropic.MaxTokens)),
		Researcher: researcher.New(ai, rd, st, sessions, reg,
			cfg.Anthropic.ResearchModel, int64(cfg.Anthropic.MaxTokens), cfg.Research.MaxSources),
		Committer: committer.New(st, reg),
		Cost:      cost.NewCalculator(cfg.Pricing),
	}, nil
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
