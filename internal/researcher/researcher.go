// Package researcher runs depth-tiered web research passes against a target
// entity. A research session is one-shot: it is persisted exactly once in its
// final state (completed or failed) and is never mutated afterward. Re-running
// research on the same entity creates a sibling session so reviewers can
// compare passes.
package researcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reportly/curator/internal/model"
	"github.com/reportly/curator/internal/registry"
	"github.com/reportly/curator/internal/session"
	"github.com/reportly/curator/internal/store"
	"github.com/reportly/curator/pkg/aiclient"
	"github.com/reportly/curator/pkg/reader"
)

// InputError marks invalid caller input, detected before any spend.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return "researcher: " + e.Msg }

// IsInputError reports whether the error chain contains an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return eris.As(err, &ie)
}

// maxFetchConcurrency limits concurrent reader fetches during source
// gathering.
const maxFetchConcurrency = 4

// sourcesPerDepth is how many sources each depth tier gathers.
var sourcesPerDepth = map[model.ResearchDepth]int{
	model.DepthQuick:    2,
	model.DepthStandard: 4,
	model.DepthDeep:     6,
}

const planSystemText = `You are a marketing research planner. Given a research target, propose the most authoritative public URLs to consult. Prefer official documentation and platform help centers over blogs.

Return ONLY a valid JSON object:
{"urls": ["<url>", ...], "rationale": "<one paragraph on why these sources>"}`

const planPrompt = `Research target: %s "%s"
%s%sPropose up to %d source URLs.`

const synthesisSystemText = `You are a marketing-schema research analyst. Synthesize the gathered sources into field values for the research target, and flag findings that belong to other entities.

Confidence calibration contract:
- A value quoted directly from a source gets confidence 0.8 or higher.
- A value you inferred but that no source states gets confidence 0.6 or lower.

Return ONLY a valid JSON object:
{
  "chain_of_thought": "<your full reasoning>",
  "fields": [{"name": "<field>", "value": <value>, "confidence": <0.0-1.0>, "reasoning": "<brief>"}],
  "cross_entity_suggestions": [{"target_entity_type": "<kind>", "target_entity_name": "<name>", "suggested_field": "<field>", "suggested_value": <value>, "reason": "<brief>"}]%s
}`

// deepInheritanceFragment extends the synthesis schema for deep passes on
// subproducts.
const deepInheritanceFragment = `,
  "inheritance_analysis": "<which parent product fields the subproduct inherits and which it overrides>"`

const synthesisPrompt = `Research target: %s "%s"
Allowed fields for this entity kind: %s
%s%s%s
Gathered sources:
%s

Synthesize field values for the target. Only propose fields from the allowed list.`

// Researcher executes research passes.
type Researcher struct {
	ai         aiclient.Client
	reader     reader.Client
	store      store.Store
	sessions   *session.Manager
	registry   *registry.Registry
	model      string
	maxTok     int64
	maxSources int
}

// New creates a Researcher.
func New(ai aiclient.Client, rd reader.Client, st store.Store, sm *session.Manager, reg *registry.Registry, modelName string, maxTokens int64, maxSources int) *Researcher {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	if maxSources <= 0 {
		maxSources = 8
	}
	return &Researcher{
		ai:         ai,
		reader:     rd,
		store:      st,
		sessions:   sm,
		registry:   reg,
		model:      modelName,
		maxTok:     maxTokens,
		maxSources: maxSources,
	}
}

// Request describes one research pass.
type Request struct {
	EntityType      model.EntityType    `json:"entity_type"`
	EntityName      string              `json:"entity_name"`
	EntityID        string              `json:"entity_id,omitempty"`
	ParentProductID string              `json:"parent_product_id,omitempty"`
	PlatformFocus   string              `json:"platform_focus,omitempty"`
	Depth           model.ResearchDepth `json:"depth,omitempty"`
	Context         string              `json:"context,omitempty"`
	SourceURLs      []string            `json:"source_urls,omitempty"`
	Force           bool                `json:"force,omitempty"`
}

// Result is the outcome of one research pass. When the readiness gate
// refuses the pass, SessionID is empty and Readiness carries the refusal.
type Result struct {
	SessionID   string                        `json:"session_id,omitempty"`
	Readiness   model.ReadinessCheck          `json:"readiness"`
	Item        *model.ExtractedItem          `json:"item,omitempty"`
	Fields      map[string]any                `json:"fields,omitempty"`
	Suggestions []model.CrossEntitySuggestion `json:"suggestions,omitempty"`
	Sources      []model.CuratorSource         `json:"sources,omitempty"`
	Usage        aiclient.TokenUsage           `json:"usage"`
	ReaderTokens int                           `json:"reader_tokens,omitempty"`
	TokensUsed   int                           `json:"tokens_used"`
	DurationMs   int64                         `json:"duration_ms"`
}

// Research runs one research pass end to end.
func (r *Researcher) Research(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := validate(&req); err != nil {
		return nil, err
	}

	// The readiness gate runs before any model spend. A not-ready target
	// returns the check itself; nothing is persisted and nothing is spent.
	readiness, err := r.CheckReadiness(ctx, req)
	if err != nil {
		return nil, err
	}
	if !readiness.IsReady && !req.Force {
		zap.L().Info("research refused by readiness gate",
			zap.String("entity_type", string(req.EntityType)),
			zap.String("entity_name", req.EntityName),
			zap.Strings("warnings", readiness.Warnings))
		return &Result{Readiness: readiness, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	sess := &model.CurationSession{
		Kind:          model.SessionKindResearch,
		ResearchDepth: req.Depth,
		PlatformFocus: req.PlatformFocus,
		UserContext:   req.Context,
		Status:        model.SessionInProgress,
		CreatedAt:     time.Now().UTC(),
	}
	if req.EntityType == model.EntityProduct {
		sess.TargetProductID = req.EntityID
	}
	if req.EntityType == model.EntitySubproduct {
		sess.TargetProductID = req.ParentProductID
		sess.TargetSubproductID = req.EntityID
	}

	run := &runState{sess: sess, budget: r.sessions.Budget()}

	result, runErr := r.run(ctx, req, run)

	sess.TokensUsed = run.tokens
	sess.DurationMs = time.Since(start).Milliseconds()
	if runErr != nil {
		// Partial progress is persisted as a failed session so the audit
		// trail records what was gathered before the failure.
		sess.Status = model.SessionFailed
		sess.FailureReason = runErr.Error()
	} else {
		sess.Status = model.SessionCompleted
	}
	if err := r.store.InsertSession(ctx, sess); err != nil {
		// On cancellation the request context is already dead; fall back so
		// the session record survives.
		if persistErr := r.store.InsertSession(context.WithoutCancel(ctx), sess); persistErr != nil {
			zap.L().Error("researcher: could not persist session", zap.Error(persistErr))
		}
	}
	if runErr != nil {
		return nil, &session.FailedError{SessionID: sess.ID, Err: eris.Wrap(runErr, "researcher: run")}
	}

	result.SessionID = sess.ID
	result.Readiness = readiness
	result.Usage = run.usage
	result.ReaderTokens = run.readerTokens
	result.TokensUsed = run.tokens
	result.DurationMs = sess.DurationMs

	zap.L().Info("research pass finished",
		zap.String("session_id", sess.ID),
		zap.String("depth", string(req.Depth)),
		zap.Int("sources", len(result.Sources)),
		zap.Int("tokens", run.tokens))
	return result, nil
}

// runState accumulates progress that must survive a mid-run failure.
type runState struct {
	sess         *model.CurationSession
	usage        aiclient.TokenUsage
	readerTokens int
	tokens       int
	budget       int
}

func (s *runState) addUsage(u aiclient.TokenUsage) {
	s.usage.Add(u)
	s.tokens += u.Total()
}

func (rs *runState) step(number int, title, detail string, took time.Duration) {
	rs.sess.ReasoningSteps = append(rs.sess.ReasoningSteps, model.ReasoningStep{
		Number:     number,
		Title:      title,
		Detail:     detail,
		DurationMs: took.Milliseconds(),
	})
}

func (r *Researcher) run(ctx context.Context, req Request, run *runState) (*Result, error) {
	// Phase 1: plan sources.
	stepStart := time.Now()
	urls, rationale, err := r.planSources(ctx, req, run)
	if err != nil {
		return nil, err
	}
	run.step(1, "plan sources", rationale, time.Since(stepStart))

	if run.tokens >= run.budget {
		return nil, &session.BudgetExceededError{SessionID: run.sess.ID, Used: run.tokens, Budget: run.budget}
	}

	// Phase 2: gather sources concurrently. Individual fetch failures are
	// tolerated; a pass with zero readable sources fails.
	stepStart = time.Now()
	pages, sources, err := r.gatherSources(ctx, req, urls, run)
	if err != nil {
		return nil, err
	}
	run.step(2, "gather sources",
		fmt.Sprintf("fetched %d of %d sources", len(pages), len(urls)),
		time.Since(stepStart))

	// Phase 3: synthesize.
	stepStart = time.Now()
	synth, err := r.synthesize(ctx, req, pages, run)
	if err != nil {
		return nil, err
	}
	run.step(3, "synthesize findings",
		fmt.Sprintf("proposed %d fields, %d cross-entity suggestions", len(synth.Fields), len(synth.CrossEntitySuggestions)),
		time.Since(stepStart))

	if req.Depth == model.DepthDeep && synth.InheritanceAnalysis != "" {
		run.step(4, "inheritance analysis", synth.InheritanceAnalysis, 0)
	}

	item, fields := buildItem(req.EntityType, req.EntityName, synth)
	run.sess.ChainOfThought = synth.ChainOfThought
	run.sess.ExtractedItems = append(run.sess.ExtractedItems, *item)
	run.sess.ExtractedFields = fields
	run.sess.CrossEntitySuggestions = synth.suggestions()
	for _, src := range sources {
		run.sess.SourceIDs = append(run.sess.SourceIDs, src.ID)
	}

	return &Result{
		Item:        item,
		Fields:      fields,
		Suggestions: run.sess.CrossEntitySuggestions,
		Sources:     sources,
	}, nil
}

func validate(req *Request) error {
	if !req.EntityType.Valid() {
		return &InputError{Msg: fmt.Sprintf("unknown entity type %q", req.EntityType)}
	}
	if strings.TrimSpace(req.EntityName) == "" {
		return &InputError{Msg: "entity name is required"}
	}
	if req.Depth == "" {
		req.Depth = model.DepthStandard
	}
	if !req.Depth.Valid() {
		return &InputError{Msg: fmt.Sprintf("unknown depth %q", req.Depth)}
	}
	return nil
}

// CheckReadiness computes the pre-spend readiness gate for a research target.
func (r *Researcher) CheckReadiness(ctx context.Context, req Request) (model.ReadinessCheck, error) {
	check := model.ReadinessCheck{IsReady: true}

	// Deep subproduct research without a parent product cannot run the
	// inheritance analysis the depth promises.
	if req.Depth == model.DepthDeep && req.EntityType == model.EntitySubproduct && req.ParentProductID == "" {
		check.IsReady = false
		check.Warnings = append(check.Warnings, "deep research on a subproduct needs its parent product for inheritance analysis")
		check.Recommendation = "set parent_product_id or lower the depth to standard"
	}

	wl := r.registry.Whitelist(req.EntityType)
	if wl == nil {
		return check, eris.Errorf("researcher: no whitelist for %q", req.EntityType)
	}

	existing, err := r.findExisting(ctx, req)
	if err != nil {
		return check, err
	}
	if existing == nil {
		check.Warnings = append(check.Warnings, "no existing entity record; research will propose a new entity")
		check.MissingFields = wl.Required()
		return check, nil
	}

	var open []string
	for _, f := range wl.Fields {
		if _, ok := existing[f.Name]; !ok {
			open = append(open, f.Name)
		}
	}
	check.MissingFields = open
	if len(open) == 0 {
		check.IsReady = false
		check.Warnings = append(check.Warnings, "entity already has every whitelisted field populated")
		check.Recommendation = "research would only re-derive known values; use force to re-run anyway"
	}

	// The gate is a cost control, not a hard block: a quick pass is cheap
	// enough that it is always allowed, warnings intact.
	if req.Depth == model.DepthQuick {
		check.IsReady = true
	}
	return check, nil
}

func (r *Researcher) findExisting(ctx context.Context, req Request) (map[string]any, error) {
	if req.EntityID != "" {
		fields, err := r.store.GetEntity(ctx, req.EntityType, req.EntityID)
		if eris.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return fields, eris.Wrap(err, "researcher: load entity")
	}
	_, fields, err := r.store.FindEntityByName(ctx, req.EntityType, req.EntityName)
	if eris.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return fields, eris.Wrap(err, "researcher: find entity")
}

// planSources produces the URL list for the pass. Caller-supplied URLs skip
// the planning call entirely.
func (r *Researcher) planSources(ctx context.Context, req Request, run *runState) ([]string, string, error) {
	limit := sourcesPerDepth[req.Depth]
	if limit > r.maxSources {
		limit = r.maxSources
	}

	if len(req.SourceURLs) > 0 {
		urls := req.SourceURLs
		if len(urls) > limit {
			urls = urls[:limit]
		}
		return urls, "caller supplied source URLs", nil
	}

	var focus string
	if req.PlatformFocus != "" {
		focus = "Platform focus: " + req.PlatformFocus + "\n"
	}
	var userCtx string
	if req.Context != "" {
		userCtx = "Caller context: " + req.Context + "\n"
	}

	resp, err := r.ai.CreateMessage(ctx, aiclient.MessageRequest{
		Model:     r.model,
		MaxTokens: 1024,
		System:    planSystemText,
		Messages: []aiclient.Message{{
			Role:    "user",
			Content: fmt.Sprintf(planPrompt, req.EntityType, req.EntityName, focus, userCtx, limit),
		}},
	})
	if err != nil {
		return nil, "", eris.Wrap(err, "researcher: plan sources")
	}
	run.addUsage(resp.Usage)

	var plan struct {
		URLs      []string `json:"urls"`
		Rationale string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &plan); err != nil {
		return nil, "", eris.Wrap(err, "researcher: parse plan")
	}
	if len(plan.URLs) == 0 {
		return nil, "", eris.New("researcher: planner proposed no sources")
	}
	if len(plan.URLs) > limit {
		plan.URLs = plan.URLs[:limit]
	}
	return plan.URLs, plan.Rationale, nil
}

// gatherSources fetches the planned URLs concurrently and records each
// successful fetch in the source registry. Caller-supplied URLs register at
// the user_provided tier, planner URLs at standard.
func (r *Researcher) gatherSources(ctx context.Context, req Request, urls []string, run *runState) ([]*reader.Page, []model.CuratorSource, error) {
	tier := model.TierStandard
	if len(req.SourceURLs) > 0 {
		tier = model.TierUserProvided
	}

	pages := make([]*reader.Page, len(urls))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxFetchConcurrency)

	var mu sync.Mutex
	var readerTokens int
	for i, u := range urls {
		g.Go(func() error {
			page, err := r.reader.Fetch(gCtx, u)
			if err != nil {
				// Tolerate individual source failures; synthesis works with
				// whatever was readable.
				zap.L().Warn("researcher: source fetch failed",
					zap.String("url", u),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			pages[i] = page
			readerTokens += page.Tokens
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "researcher: gather sources")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "researcher: gather sources canceled")
	}
	run.readerTokens += readerTokens
	run.tokens += readerTokens

	var fetched []*reader.Page
	var sources []model.CuratorSource
	for _, page := range pages {
		if page == nil {
			continue
		}
		fetched = append(fetched, page)
		src, err := r.store.UpsertSourceByURL(ctx, page.URL, page.Title, tier)
		if err != nil {
			return nil, nil, eris.Wrap(err, "researcher: record source")
		}
		sources = append(sources, *src)
	}
	if len(fetched) == 0 {
		return nil, nil, eris.New("researcher: no sources could be fetched")
	}
	return fetched, sources, nil
}

type synthesisResult struct {
	ChainOfThought string `json:"chain_of_thought"`
	Fields         []struct {
		Name       string  `json:"name"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	} `json:"fields"`
	CrossEntitySuggestions []struct {
		TargetEntityType string `json:"target_entity_type"`
		TargetEntityName string `json:"target_entity_name"`
		SuggestedField   string `json:"suggested_field"`
		SuggestedValue   any    `json:"suggested_value"`
		Reason           string `json:"reason"`
	} `json:"cross_entity_suggestions"`
	InheritanceAnalysis string `json:"inheritance_analysis"`
}

// suggestions converts the wire suggestions, dropping entries whose target
// kind is unknown. Suggestions are advisory and never auto-committed.
func (s *synthesisResult) suggestions() []model.CrossEntitySuggestion {
	var out []model.CrossEntitySuggestion
	for _, cs := range s.CrossEntitySuggestions {
		et := model.EntityType(cs.TargetEntityType)
		if !et.Valid() {
			zap.L().Warn("researcher: dropped suggestion with unknown entity type",
				zap.String("entity_type", cs.TargetEntityType))
			continue
		}
		out = append(out, model.CrossEntitySuggestion{
			TargetEntityType: et,
			TargetEntityName: cs.TargetEntityName,
			SuggestedField:   cs.SuggestedField,
			SuggestedValue:   cs.SuggestedValue,
			Reason:           cs.Reason,
		})
	}
	return out
}

func (r *Researcher) synthesize(ctx context.Context, req Request, pages []*reader.Page, run *runState) (*synthesisResult, error) {
	wl := r.registry.Whitelist(req.EntityType)
	if wl == nil {
		return nil, eris.Errorf("researcher: no whitelist for %q", req.EntityType)
	}
	names := make([]string, 0, len(wl.Fields))
	for _, f := range wl.Fields {
		names = append(names, f.Name)
	}

	var focus, userCtx, inheritance string
	if req.PlatformFocus != "" {
		focus = "Platform focus: " + req.PlatformFocus + "\n"
	}
	if req.Context != "" {
		userCtx = "Caller context: " + req.Context + "\n"
	}
	schemaFragment := ""
	if req.Depth == model.DepthDeep {
		schemaFragment = deepInheritanceFragment
		if req.EntityType == model.EntitySubproduct && req.ParentProductID != "" {
			parent, err := r.store.GetEntity(ctx, model.EntityProduct, req.ParentProductID)
			if err == nil {
				parentJSON, _ := json.Marshal(parent)
				inheritance = "Parent product record:\n" + string(parentJSON) + "\n"
			}
		}
	}

	resp, err := r.ai.CreateMessage(ctx, aiclient.MessageRequest{
		Model:     r.model,
		MaxTokens: r.maxTok,
		System:    fmt.Sprintf(synthesisSystemText, schemaFragment),
		Messages: []aiclient.Message{{
			Role: "user",
			Content: fmt.Sprintf(synthesisPrompt,
				req.EntityType, req.EntityName,
				strings.Join(names, ", "),
				focus, userCtx, inheritance,
				buildSourceContext(pages, 6000)),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "researcher: synthesize")
	}
	run.addUsage(resp.Usage)

	var synth synthesisResult
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &synth); err != nil {
		return nil, eris.Wrap(err, "researcher: parse synthesis")
	}
	if len(synth.Fields) == 0 {
		return nil, eris.New("researcher: synthesis proposed no fields")
	}
	return &synth, nil
}

// buildItem converts the synthesis output into a candidate item plus the
// flat field map stored on the session.
func buildItem(et model.EntityType, name string, synth *synthesisResult) (*model.ExtractedItem, map[string]any) {
	item := &model.ExtractedItem{
		ID:                   uuid.New().String(),
		EntityType:           et,
		ClassificationReason: "research target: " + name,
	}
	fields := make(map[string]any, len(synth.Fields))
	for _, f := range synth.Fields {
		if f.Name == "" {
			continue
		}
		item.Fields = append(item.Fields, model.ExtractedField{
			Name:       f.Name,
			Value:      f.Value,
			Confidence: clamp01(f.Confidence),
			Source:     model.SourceWebResearch,
		})
		fields[f.Name] = f.Value
	}
	item.Finalize()
	return item, fields
}

func buildSourceContext(pages []*reader.Page, maxCharsPerPage int) string {
	var parts []string
	for _, p := range pages {
		content := p.Content
		if len(content) > maxCharsPerPage {
			content = content[:maxCharsPerPage]
		}
		parts = append(parts, fmt.Sprintf("--- %s (%s) ---\n%s", p.Title, p.URL, content))
	}
	return strings.Join(parts, "\n\n")
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
