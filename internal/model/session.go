package model

import "time"

// SessionStatus represents the lifecycle state of a curation session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// SessionKind distinguishes extraction sessions from research sessions.
type SessionKind string

const (
	SessionKindExtraction SessionKind = "extraction"
	SessionKindResearch   SessionKind = "research"
)

// ResearchDepth controls model effort and step count for a research pass.
type ResearchDepth string

const (
	DepthQuick    ResearchDepth = "quick"
	DepthStandard ResearchDepth = "standard"
	DepthDeep     ResearchDepth = "deep"
)

// Valid reports whether d is a known depth setting.
func (d ResearchDepth) Valid() bool {
	switch d {
	case DepthQuick, DepthStandard, DepthDeep:
		return true
	}
	return false
}

// ReasoningStep is one entry in a research session's ordered reasoning trace.
type ReasoningStep struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	DurationMs int64  `json:"duration_ms"`
}

// CrossEntitySuggestion is a research side-finding that belongs to a
// different entity than the research target. Never auto-committed.
type CrossEntitySuggestion struct {
	TargetEntityType EntityType `json:"target_entity_type"`
	TargetEntityName string     `json:"target_entity_name"`
	SuggestedField   string     `json:"suggested_field"`
	SuggestedValue   any        `json:"suggested_value"`
	Reason           string     `json:"reason,omitempty"`
}

// ReadinessCheck is computed before spending the research budget. When
// IsReady is false the expensive reasoning phase must not run.
type ReadinessCheck struct {
	IsReady        bool     `json:"is_ready"`
	Warnings       []string `json:"warnings,omitempty"`
	MissingFields  []string `json:"missing_fields,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// CurationSession is the persisted record of one extraction or research
// invocation. Immutable once Status leaves in_progress; a re-run creates a
// sibling session so the audit trail of what the reviewer saw is preserved.
type CurationSession struct {
	ID                    string                  `json:"id"`
	Kind                  SessionKind             `json:"kind"`
	TargetProductID       string                  `json:"target_product_id,omitempty"`
	TargetSubproductID    string                  `json:"target_subproduct_id,omitempty"`
	PlatformFocus         string                  `json:"platform_focus,omitempty"`
	ResearchDepth         ResearchDepth           `json:"research_depth,omitempty"`
	UserContext           string                  `json:"user_context,omitempty"`
	ChainOfThought        string                  `json:"chain_of_thought,omitempty"`
	ReasoningSteps        []ReasoningStep         `json:"reasoning_steps,omitempty"`
	ExtractedItems        []ExtractedItem         `json:"extracted_items,omitempty"`
	ExtractedFields       map[string]any          `json:"extracted_fields,omitempty"`
	SourceIDs             []string                `json:"source_ids,omitempty"`
	CrossEntitySuggestions []CrossEntitySuggestion `json:"cross_entity_suggestions,omitempty"`
	TokensUsed            int                     `json:"tokens_used"`
	DurationMs            int64                   `json:"duration_ms"`
	Status                SessionStatus           `json:"status"`
	FailureReason         string                  `json:"failure_reason,omitempty"`
	CreatedAt             time.Time               `json:"created_at"`
}

// Mutable reports whether the session may still be written to.
func (s *CurationSession) Mutable() bool {
	return s.Status == SessionInProgress
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID              string        `json:"id"`
	Kind            SessionKind   `json:"kind"`
	TargetProductID string        `json:"target_product_id,omitempty"`
	ResearchDepth   ResearchDepth `json:"research_depth,omitempty"`
	Status          SessionStatus `json:"status"`
	TokensUsed      int           `json:"tokens_used"`
	ItemCount       int           `json:"item_count"`
	CreatedAt       time.Time     `json:"created_at"`
}
