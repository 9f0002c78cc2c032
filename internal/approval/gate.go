// Package approval tracks which candidate fields and items a reviewer has
// approved for commit. The gate is pure state: no I/O, no persistence. It is
// owned by a single reviewing client and is not synchronized across viewers
// of the same session.
package approval

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Gate holds the working candidate set and the approved subset. Keys are
// field names or item ids; approval is independent per key.
type Gate struct {
	confidence map[string]float64
	approved   map[string]struct{}
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{
		confidence: make(map[string]float64),
		approved:   make(map[string]struct{}),
	}
}

// AddCandidate registers a key with its confidence score. Re-adding an
// existing key updates the confidence and keeps any existing approval.
func (g *Gate) AddCandidate(key string, confidence float64) {
	g.confidence[key] = confidence
}

// RemoveCandidate discards a key from the working set. Its approval, if any,
// is removed too — the approved set is always a subset of known candidates.
func (g *Gate) RemoveCandidate(key string) {
	delete(g.confidence, key)
	delete(g.approved, key)
}

// Toggle flips the approval state of a known candidate key.
func (g *Gate) Toggle(key string) error {
	if _, ok := g.confidence[key]; !ok {
		return eris.Errorf("approval: unknown candidate %q", key)
	}
	if _, ok := g.approved[key]; ok {
		delete(g.approved, key)
	} else {
		g.approved[key] = struct{}{}
	}
	return nil
}

// ApproveAboveThreshold adds every candidate whose confidence is at or above
// threshold. Existing approvals below threshold are left untouched: this is
// a union, not a replace. Returns the number of newly approved keys.
func (g *Gate) ApproveAboveThreshold(threshold float64) int {
	added := 0
	for key, conf := range g.confidence {
		if conf < threshold {
			continue
		}
		if _, ok := g.approved[key]; !ok {
			g.approved[key] = struct{}{}
			added++
		}
	}
	return added
}

// Clear empties the approved set without touching candidates.
func (g *Gate) Clear() {
	g.approved = make(map[string]struct{})
}

// IsApproved reports whether key is currently approved.
func (g *Gate) IsApproved(key string) bool {
	_, ok := g.approved[key]
	return ok
}

// Approved returns the approved keys in sorted order.
func (g *Gate) Approved() []string {
	keys := make([]string, 0, len(g.approved))
	for k := range g.approved {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of known candidates.
func (g *Gate) Len() int {
	return len(g.confidence)
}
