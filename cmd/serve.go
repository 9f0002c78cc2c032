package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/approval"
	"github.com/reportly/curator/internal/committer"
	"github.com/reportly/curator/internal/extractor"
	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/researcher"
	"github.com/reportly/curator/internal/session"
	"github.com/reportly/curator/internal/store"
	"github.com/reportly/curator/pkg/aiclient"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for the curation pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		s := &server{env: env, gates: make(map[string]*approval.Gate)}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: s.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server bundles the pipeline environment with the per-session approval
// gates. Gates live in memory only: each serve process tracks its own
// reviewer state, rebuilt from the session payload on first touch.
type server struct {
	env *curatorEnv

	mu    sync.Mutex
	gates map[string]*approval.Gate
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/extract", s.handleExtract)
		r.Post("/research", s.handleResearch)
		r.Post("/commit", s.handleCommit)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)

			r.Route("/{id}/approvals", func(r chi.Router) {
				r.Get("/", s.handleGetApprovals)
				r.Delete("/", s.handleClearApprovals)
				r.Post("/toggle", s.handleToggleApproval)
				r.Post("/threshold", s.handleApproveThreshold)
			})
		})
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.env.Extractor.Extract(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	// The session just gained candidates; a cached gate would not know the
	// new keys.
	s.invalidateGate(res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.env.Researcher.Research(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if res.SessionID == "" {
		// Readiness gate refused: nothing ran, nothing was spent.
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req committer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.env.Committer.Commit(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Kind:   model.SessionKind(q.Get("kind")),
		Status: model.SessionStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		if _, err := fmt.Sscanf(limit, "%d", &filter.Limit); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}

	summaries, err := s.env.Sessions.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.env.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleGetApprovals(w http.ResponseWriter, r *http.Request) {
	gate, err := s.gateFor(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": gate.Len(),
		"approved":   gate.Approved(),
	})
}

func (s *server) handleClearApprovals(w http.ResponseWriter, r *http.Request) {
	gate, err := s.gateFor(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	gate.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"approved": gate.Approved()})
}

func (s *server) handleToggleApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	gate, err := s.gateFor(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := gate.Toggle(req.Key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      req.Key,
		"approved": gate.IsApproved(req.Key),
	})
}

func (s *server) handleApproveThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}

	gate, err := s.gateFor(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	added := gate.ApproveAboveThreshold(req.Threshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"added":    added,
		"approved": gate.Approved(),
	})
}

// gateFor returns the approval gate for the session in the request path,
// building it from the session's candidate items on first access. Keys are
// the item id for item-level approval and "<item id>.<field name>" for
// field-level approval.
func (s *server) gateFor(r *http.Request) (*approval.Gate, error) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if gate, ok := s.gates[id]; ok {
		return gate, nil
	}

	sess, err := s.env.Sessions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}

	gate := approval.NewGate()
	for _, item := range sess.ExtractedItems {
		gate.AddCandidate(item.ID, item.OverallConfidence)
		for _, f := range item.Fields {
			gate.AddCandidate(item.ID+"."+f.Name, f.Confidence)
		}
	}
	s.gates[id] = gate
	return gate, nil
}

// invalidateGate drops the cached gate for a session so the next approval
// call rebuilds it from the current items. Existing approvals are discarded
// with it; the reviewer re-approves against the refreshed candidate set.
func (s *server) invalidateGate(id string) {
	s.mu.Lock()
	delete(s.gates, id)
	s.mu.Unlock()
}

// writeFailure maps pipeline errors to HTTP statuses.
func (s *server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case extractor.IsInputError(err), researcher.IsInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSessionImmutable):
		writeError(w, http.StatusConflict, err.Error())
	case session.IsBudgetExceeded(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case aiclient.IsProviderError(err):
		// Retryable: the session was persisted as failed, point the reviewer
		// at it.
		resp := map[string]string{"error": err.Error()}
		if id, ok := session.FailedSessionID(err); ok {
			resp["session_id"] = id
		}
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
