// Package extractor turns unstructured input (pasted text or a URL) into
// confidence-scored candidate entities. Extraction never writes to the schema
// store; candidates accumulate on a curation session until a reviewer commits
// them.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/session"
	"github.com/reportly/curator/internal/store"
	"github.com/reportly/curator/pkg/aiclient"
	"github.com/reportly/curator/pkg/reader"
)

// InputError marks invalid caller input detected before any model spend.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return "extractor: " + e.Msg }

// IsInputError reports whether the error chain contains an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return eris.As(err, &ie)
}

const extractSystemText = `You are a marketing-schema curation assistant. You classify facts from source material into six entity kinds and score each extracted field.

Entity kinds:
- platform: an advertising or marketing channel (Facebook, Google Ads, TikTok)
- industry: a vertical the agency serves (healthcare, home services, retail)
- product: a client offering being marketed
- subproduct: a variant or tier of a product
- tactic_type: a repeatable marketing play (retargeting, lookalike audiences)
- soul_doc: brand voice, positioning, or messaging guidance

Confidence calibration contract:
- A value quoted directly from the source text gets confidence 0.8 or higher.
- A value you inferred but that is not stated gets confidence 0.6 or lower.
- Never report an inferred value above 0.6.

Return ONLY a valid JSON object of the form:
{"items": [{"entity_type": "<kind>", "classification_reason": "<why this kind>", "fields": [{"name": "<field>", "value": <value>, "confidence": <0.0-1.0>}]}]}

If the source contains nothing usable, return {"items": []}.`

const extractPrompt = `Extract candidate entities from the source material below.
%s%s
Allowed fields per entity kind:
%s

Source material:
%s`

// Extractor runs extraction passes against a curation session.
type Extractor struct {
	ai       aiclient.Client
	reader   reader.Client
	store    store.Store
	sessions *session.Manager
	registry *registry.Registry
	model    string
	maxTok   int64
}

// New creates an Extractor.
func New(ai aiclient.Client, rd reader.Client, st store.Store, sm *session.Manager, reg *registry.Registry, modelName string, maxTokens int64) *Extractor {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Extractor{
		ai:       ai,
		reader:   rd,
		store:    st,
		sessions: sm,
		registry: reg,
		model:    modelName,
		maxTok:   maxTokens,
	}
}

// Request describes one extraction call. Exactly one of Text or URL must be
// set. SessionID is optional: when present, candidates append to that session;
// when empty a new extraction session is created.
type Request struct {
	SessionID  string           `json:"session_id,omitempty"`
	Text       string           `json:"text,omitempty"`
	URL        string           `json:"url,omitempty"`
	TargetType model.EntityType `json:"target_type,omitempty"`
	Context    string           `json:"context,omitempty"`
}

// Result is the outcome of one extraction call. Usage and ReaderTokens are
// the raw spend breakdown; TokensUsed is the budget-relevant total.
type Result struct {
	SessionID    string                `json:"session_id"`
	Items        []model.ExtractedItem `json:"items"`
	Source       *model.CuratorSource  `json:"source,omitempty"`
	Usage        aiclient.TokenUsage   `json:"usage"`
	ReaderTokens int                   `json:"reader_tokens,omitempty"`
	TokensUsed   int                   `json:"tokens_used"`
	DurationMs   int64                 `json:"duration_ms"`
}

// Extract runs one extraction pass. Invalid input fails before any spend;
// provider failures persist the session as failed so the audit trail records
// the attempt.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := validate(req); err != nil {
		return nil, err
	}

	sess, created, err := e.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Budget gates model spend, never review or commit. The session that
	// crossed the budget keeps its items; only this new call is refused.
	if !created {
		if err := e.sessions.CheckBudget(ctx, sess.ID); err != nil {
			return nil, err
		}
	}

	content := req.Text
	var src *model.CuratorSource
	var readerTokens int
	if req.URL != "" {
		page, err := e.reader.Fetch(ctx, req.URL)
		if err != nil {
			e.failSession(ctx, sess.ID, "reader: "+err.Error())
			return nil, &session.FailedError{SessionID: sess.ID, Err: eris.Wrapf(err, "extractor: fetch %s", req.URL)}
		}
		content = page.Content
		readerTokens = page.Tokens

		src, err = e.store.UpsertSourceByURL(ctx, req.URL, page.Title, model.TierStandard)
		if err != nil {
			e.failSession(ctx, sess.ID, "store: "+err.Error())
			return nil, &session.FailedError{SessionID: sess.ID, Err: eris.Wrap(err, "extractor: record source")}
		}
	}
	if strings.TrimSpace(content) == "" {
		if req.URL != "" {
			e.failSession(ctx, sess.ID, "fetched page had no content")
			return nil, eris.Wrapf(&InputError{Msg: "page at " + req.URL + " had no content"}, "extractor: empty page")
		}
		return nil, &InputError{Msg: "text input is empty"}
	}

	prompt := e.buildPrompt(req, content)
	resp, err := e.ai.CreateMessage(ctx, aiclient.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTok,
		System:    extractSystemText,
		Messages:  []aiclient.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		e.failSession(ctx, sess.ID, "provider: "+err.Error())
		return nil, &session.FailedError{SessionID: sess.ID, Err: eris.Wrap(err, "extractor: create message")}
	}

	items := parseItems(resp.Text)
	var sourceIDs []string
	if src != nil {
		sourceIDs = []string{src.ID}
	}

	tokens := resp.Usage.Total() + readerTokens
	if err := e.sessions.AppendCandidates(ctx, sess.ID, items, sourceIDs, tokens); err != nil {
		return nil, err
	}

	zap.L().Info("extraction pass finished",
		zap.String("session_id", sess.ID),
		zap.Int("items", len(items)),
		zap.Int("tokens", tokens))

	return &Result{
		SessionID:    sess.ID,
		Items:        items,
		Source:       src,
		Usage:        resp.Usage,
		ReaderTokens: readerTokens,
		TokensUsed:   tokens,
		DurationMs:   time.Since(start).Milliseconds(),
	}, nil
}

func validate(req Request) error {
	if req.Text == "" && req.URL == "" {
		return &InputError{Msg: "either text or url is required"}
	}
	if req.Text != "" && req.URL != "" {
		return &InputError{Msg: "text and url are mutually exclusive"}
	}
	if req.URL == "" && strings.TrimSpace(req.Text) == "" {
		return &InputError{Msg: "text input is empty"}
	}
	if req.TargetType != "" && !req.TargetType.Valid() {
		return &InputError{Msg: fmt.Sprintf("unknown target entity type %q", req.TargetType)}
	}
	return nil
}

// resolveSession loads the caller's session or creates a fresh extraction
// session. Research sessions and finished sessions are not valid targets.
func (e *Extractor) resolveSession(ctx context.Context, id string) (*model.CurationSession, bool, error) {
	if id == "" {
		sess, err := e.sessions.Create(ctx, model.SessionKindExtraction)
		return sess, true, err
	}
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, false, eris.Wrapf(err, "extractor: session %s", id)
	}
	if sess.Kind != model.SessionKindExtraction {
		return nil, false, &InputError{Msg: "session " + id + " is not an extraction session"}
	}
	if !sess.Mutable() {
		return nil, false, eris.Wrapf(store.ErrSessionImmutable, "extractor: session %s", id)
	}
	return sess, false, nil
}

func (e *Extractor) failSession(ctx context.Context, id, reason string) {
	if err := e.sessions.Complete(ctx, id, model.SessionFailed, reason); err != nil {
		zap.L().Warn("extractor: could not mark session failed",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

func (e *Extractor) buildPrompt(req Request, content string) string {
	var bias string
	if req.TargetType != "" {
		bias = fmt.Sprintf("The caller expects this material to describe a %s; prefer that classification when the evidence is ambiguous, but override it when the material clearly describes something else.\n", req.TargetType)
	}
	var userCtx string
	if req.Context != "" {
		userCtx = "Caller context: " + req.Context + "\n"
	}
	return fmt.Sprintf(extractPrompt, bias, userCtx, e.describeWhitelists(), content)
}

// describeWhitelists renders the per-kind field whitelists so the model only
// proposes committable field names.
func (e *Extractor) describeWhitelists() string {
	var b strings.Builder
	for _, et := range model.AllEntityTypes {
		wl := e.registry.Whitelist(et)
		if wl == nil {
			continue
		}
		names := make([]string, 0, len(wl.Fields))
		for _, f := range wl.Fields {
			name := f.Name
			if f.Required {
				name += " (required)"
			}
			names = append(names, name)
		}
		fmt.Fprintf(&b, "- %s: %s\n", et, strings.Join(names, ", "))
	}
	return b.String()
}

// wire structs for the model's JSON answer.
type wireResponse struct {
	Items []wireItem `json:"items"`
}

type wireItem struct {
	EntityType           string      `json:"entity_type"`
	ClassificationReason string      `json:"classification_reason"`
	Fields               []wireField `json:"fields"`
}

type wireField struct {
	Name       string  `json:"name"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// parseItems parses the model answer into candidate items. Malformed answers
// and unknown entity kinds degrade to zero items rather than failing the
// session; an extraction that finds nothing is a valid outcome.
func parseItems(text string) []model.ExtractedItem {
	var resp wireResponse
	if err := json.Unmarshal([]byte(cleanJSON(text)), &resp); err != nil {
		zap.L().Warn("extractor: failed to parse answer JSON", zap.Error(err))
		return nil
	}

	items := make([]model.ExtractedItem, 0, len(resp.Items))
	for _, wi := range resp.Items {
		et := model.EntityType(wi.EntityType)
		if !et.Valid() {
			zap.L().Warn("extractor: dropped item with unknown entity type",
				zap.String("entity_type", wi.EntityType))
			continue
		}
		if len(wi.Fields) == 0 {
			continue
		}

		item := model.ExtractedItem{
			ID:                   uuid.New().String(),
			EntityType:           et,
			ClassificationReason: wi.ClassificationReason,
		}
		for _, wf := range wi.Fields {
			if wf.Name == "" {
				continue
			}
			item.Fields = append(item.Fields, model.ExtractedField{
				Name:       wf.Name,
				Value:      wf.Value,
				Confidence: clamp01(wf.Confidence),
				Source:     model.SourceTextExtraction,
			})
		}
		if len(item.Fields) == 0 {
			continue
		}
		item.Finalize()
		items = append(items, item)
	}
	return items
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cleanJSON strips markdown code fences and leading prose from a model answer.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	if start := strings.IndexAny(text, "{["); start > 0 {
		text = text[start:]
	}
	return strings.TrimSpace(text)
}
