package model

// ExtractedField is a single confidence-scored field proposed for an entity.
// Value is schema-free at this layer; the target entity's field whitelist is
// enforced only at commit time.
type ExtractedField struct {
	Name       string      `json:"name"`
	Value      any         `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     FieldSource `json:"source"`
}

// ExtractedItem is a not-yet-committed candidate entity. The ID is ephemeral
// and session-scoped; it never reaches the schema store.
type ExtractedItem struct {
	ID                   string           `json:"id"`
	EntityType           EntityType       `json:"entity_type"`
	Fields               []ExtractedField `json:"fields"`
	OverallConfidence    float64          `json:"overall_confidence"`
	ClassificationReason string           `json:"classification_reason"`
}

// ComputeOverallConfidence derives the item summary score as the arithmetic
// mean of field confidences. Mean is monotonic: raising any field's
// confidence cannot lower the overall score.
func ComputeOverallConfidence(fields []ExtractedField) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fields {
		sum += f.Confidence
	}
	return sum / float64(len(fields))
}

// Finalize recomputes the derived overall confidence from the item's fields.
func (it *ExtractedItem) Finalize() {
	it.OverallConfidence = ComputeOverallConfidence(it.Fields)
}
