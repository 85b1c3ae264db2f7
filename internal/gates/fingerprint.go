package gates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"venueline/internal/domain"
)

// Fingerprint hashes the canonical values of requirement gates using RFC 8785
// canonical JSON so the hash is stable across map orderings.
func (r *Registry) Fingerprint(rec *domain.Record) (string, error) {
	facts := map[string]string{}
	for _, g := range r.gates {
		if !g.Requirement {
			continue
		}
		facts[g.ID] = rec.Gate(g.ID).Canonical
	}
	raw, err := json.Marshal(facts)
	if err != nil {
		return "", fmt.Errorf("marshal requirement facts: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize requirement facts: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// BumpRequirements increments the requirements revision and refreshes the hash.
func (r *Registry) BumpRequirements(rec *domain.Record) error {
	hash, err := r.Fingerprint(rec)
	if err != nil {
		return err
	}
	rec.Requirements.Rev++
	rec.Requirements.Hash = hash
	rec.MarkDirty()
	return nil
}
