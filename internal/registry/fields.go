// Package registry holds the per-entity-type field whitelists used by the
// committer to validate approved fields before they reach the schema store.
package registry

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/reportly/curator/internal/model"
)

//go:embed fields.yaml
var fieldsYAML []byte

// FieldSpec describes one allowed field for an entity type.
type FieldSpec struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // string, number, array, object, any
	Required bool   `yaml:"required"`
}

// Whitelist is the indexed field set for a single entity type.
type Whitelist struct {
	EntityType model.EntityType
	Fields     []FieldSpec
	byName     map[string]*FieldSpec
}

// ByName returns the spec for a field name, or nil if the field is unknown.
func (w *Whitelist) ByName(name string) *FieldSpec {
	return w.byName[name]
}

// Required returns the names of all required fields.
func (w *Whitelist) Required() []string {
	var names []string
	for _, f := range w.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// CheckValue validates a value against the spec's kind. JSON decoding yields
// float64 for numbers, []any for arrays and map[string]any for objects.
func (f *FieldSpec) CheckValue(v any) error {
	if v == nil {
		return eris.Errorf("field %s: null value", f.Name)
	}
	switch f.Kind {
	case "string":
		if _, ok := v.(string); !ok {
			return eris.Errorf("field %s: expected string, got %T", f.Name, v)
		}
	case "number":
		switch v.(type) {
		case float64, int, int64:
		default:
			return eris.Errorf("field %s: expected number, got %T", f.Name, v)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return eris.Errorf("field %s: expected array, got %T", f.Name, v)
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return eris.Errorf("field %s: expected object, got %T", f.Name, v)
		}
	}
	return nil
}

// Registry maps each entity type to its field whitelist.
type Registry struct {
	whitelists map[model.EntityType]*Whitelist
}

// Load parses a YAML whitelist document into an indexed Registry.
func Load(data []byte) (*Registry, error) {
	var raw map[string][]FieldSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "registry: parse field whitelists")
	}

	r := &Registry{whitelists: make(map[model.EntityType]*Whitelist, len(raw))}
	for key, specs := range raw {
		et := model.EntityType(key)
		if !et.Valid() {
			return nil, eris.Errorf("registry: unknown entity type %q", key)
		}
		w := &Whitelist{
			EntityType: et,
			Fields:     specs,
			byName:     make(map[string]*FieldSpec, len(specs)),
		}
		for i := range w.Fields {
			w.byName[w.Fields[i].Name] = &w.Fields[i]
		}
		r.whitelists[et] = w
	}
	return r, nil
}

// Default loads the embedded whitelists. Panics on a malformed embed, which
// is a build defect rather than a runtime condition.
func Default() *Registry {
	r, err := Load(fieldsYAML)
	if err != nil {
		panic(err)
	}
	return r
}

// Whitelist returns the field whitelist for an entity type, or nil for an
// unknown type.
func (r *Registry) Whitelist(et model.EntityType) *Whitelist {
	return r.whitelists[et]
}
