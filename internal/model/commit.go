package model

// CommitItem is one approved candidate submitted to the committer. An empty
// EntityID means create; a present one means update-merge (only the supplied
// fields are touched on the target entity).
type CommitItem struct {
	EntityType EntityType       `json:"entity_type"`
	EntityID   string           `json:"entity_id,omitempty"`
	Fields     []ExtractedField `json:"fields"`
}

// ItemResult reports the outcome for a single committed item.
type ItemResult struct {
	Success       bool     `json:"success"`
	EntityID      string   `json:"entity_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	DroppedFields []string `json:"dropped_fields,omitempty"`
}

// CommitResult summarizes a commit batch. Results is order-preserving: one
// entry per submitted item, in input order.
type CommitResult struct {
	CommittedCount int          `json:"committed_count"`
	FailedCount    int          `json:"failed_count"`
	Results        []ItemResult `json:"results"`
}
