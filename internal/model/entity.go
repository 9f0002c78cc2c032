package model

// EntityType identifies one of the six curatable schema entity kinds.
type EntityType string

const (
	EntityPlatform   EntityType = "platform"
	EntityIndustry   EntityType = "industry"
	EntityProduct    EntityType = "product"
	EntitySubproduct EntityType = "subproduct"
	EntityTacticType EntityType = "tactic_type"
	EntitySoulDoc    EntityType = "soul_doc"
)

// AllEntityTypes lists every curatable entity kind in display order.
var AllEntityTypes = []EntityType{
	EntityPlatform,
	EntityIndustry,
	EntityProduct,
	EntitySubproduct,
	EntityTacticType,
	EntitySoulDoc,
}

// Valid reports whether t is one of the known entity kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPlatform, EntityIndustry, EntityProduct, EntitySubproduct,
		EntityTacticType, EntitySoulDoc:
		return true
	}
	return false
}

// FieldSource describes where an extracted value came from.
type FieldSource string

const (
	SourceTextExtraction FieldSource = "text_extraction"
	SourceWebResearch    FieldSource = "web_research"
	SourceUserProvided   FieldSource = "user_provided"
)

// AuthorityTier is the coarse trust bucket assigned to a research source.
type AuthorityTier string

const (
	TierAuthoritative AuthorityTier = "authoritative"
	TierStandard      AuthorityTier = "standard"
	TierUserProvided  AuthorityTier = "user_provided"
)

// BaseAuthorityScore returns the starting numeric score for a tier. The
// stored score drifts upward slightly with repeated successful fetches.
func BaseAuthorityScore(tier AuthorityTier) float64 {
	switch tier {
	case TierAuthoritative:
		return 0.9
	case TierUserProvided:
		return 0.5
	default:
		return 0.7
	}
}
