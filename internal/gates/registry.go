// Package gates holds the data-driven registry of facts the booking workflow
// must capture and verify. Stage ownership, verification rules and
// dependencies live only here; no other package maps gates to stages.
package gates

import (
	"fmt"
	"sort"
	"strings"

	"venueline/internal/config"
	"venueline/internal/domain"
)

// Gate is one registry entry.
type Gate struct {
	ID          string
	Stage       int
	Kind        string
	Verify      string
	DependsOn   []string
	Entities    []string
	Aliases     []string
	Prompt      string
	Label       string
	Requirement bool
}

// DisplayName returns the label or the id.
func (g Gate) DisplayName() string {
	if g.Label != "" {
		return g.Label
	}
	return g.ID
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	gates    []Gate
	byID     map[string]int
	byEntity map[string]string
	children map[string][]string
}

// FromConfig builds the registry from the gates section of the config.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	return New(cfg.Gates)
}

// New validates entries and builds a registry ordered by stage, then declaration order.
func New(entries []config.GateConfig) (*Registry, error) {
	r := &Registry{
		byID:     map[string]int{},
		byEntity: map[string]string{},
		children: map[string][]string{},
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("gate id is required")
		}
		if e.Stage < domain.FirstStage || e.Stage > domain.LastStage {
			return nil, fmt.Errorf("gate %s has invalid stage %d", e.ID, e.Stage)
		}
		switch e.Verify {
		case config.VerifyCapture, config.VerifyConfirm, config.VerifyApproval, config.VerifyDeposit:
		default:
			return nil, fmt.Errorf("gate %s has invalid verify mode %q", e.ID, e.Verify)
		}
		r.gates = append(r.gates, Gate{
			ID:          e.ID,
			Stage:       e.Stage,
			Kind:        e.Kind,
			Verify:      e.Verify,
			DependsOn:   append([]string(nil), e.DependsOn...),
			Entities:    append([]string(nil), e.Entities...),
			Aliases:     lowerAll(e.Aliases),
			Prompt:      e.Prompt,
			Label:       e.Label,
			Requirement: e.Requirement,
		})
	}
	sort.SliceStable(r.gates, func(i, j int) bool { return r.gates[i].Stage < r.gates[j].Stage })
	for i, g := range r.gates {
		if _, dup := r.byID[g.ID]; dup {
			return nil, fmt.Errorf("gate %s defined twice", g.ID)
		}
		r.byID[g.ID] = i
	}
	for _, g := range r.gates {
		for _, key := range g.Entities {
			if owner, dup := r.byEntity[key]; dup {
				return nil, fmt.Errorf("entity %s mapped to both %s and %s", key, owner, g.ID)
			}
			r.byEntity[key] = g.ID
		}
		for _, dep := range g.DependsOn {
			idx, ok := r.byID[dep]
			if !ok {
				return nil, fmt.Errorf("gate %s depends on unknown gate %s", g.ID, dep)
			}
			if r.gates[idx].Stage > g.Stage {
				return nil, fmt.Errorf("gate %s (stage %d) depends on later gate %s (stage %d)", g.ID, g.Stage, dep, r.gates[idx].Stage)
			}
			r.children[dep] = append(r.children[dep], g.ID)
		}
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.gates))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("gate dependency cycle: %s", strings.Join(append(path, id), " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		g := r.gates[r.byID[id]]
		for _, dep := range g.DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, g := range r.gates {
		if err := visit(g.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// All returns every gate in registry order.
func (r *Registry) All() []Gate {
	return append([]Gate(nil), r.gates...)
}

func (r *Registry) Get(id string) (Gate, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Gate{}, false
	}
	return r.gates[idx], true
}

// ForEntity resolves an extracted entity key to its gate.
func (r *Registry) ForEntity(key string) (Gate, bool) {
	id, ok := r.byEntity[key]
	if !ok {
		return Gate{}, false
	}
	return r.Get(id)
}

// StageGates returns the gates owned by stage.
func (r *Registry) StageGates(stage int) []Gate {
	var out []Gate
	for _, g := range r.gates {
		if g.Stage == stage {
			out = append(out, g)
		}
	}
	return out
}

// Stages returns the stages that own at least one gate, ascending.
func (r *Registry) Stages() []int {
	var out []int
	for _, g := range r.gates {
		if len(out) == 0 || out[len(out)-1] != g.Stage {
			out = append(out, g.Stage)
		}
	}
	return out
}

// Compute returns the current authoritative value of a gate.
func (r *Registry) Compute(rec *domain.Record, id string) string {
	g, ok := r.Get(id)
	if !ok || rec == nil {
		return ""
	}
	if g.Verify == config.VerifyDeposit {
		if rec.Deposit.Status == "" {
			return domain.DepositNone
		}
		return rec.Deposit.Status
	}
	return rec.Gate(id).Canonical
}

// IsVerified reports whether the owning stage has accepted the gate.
func (r *Registry) IsVerified(rec *domain.Record, id string) bool {
	g, ok := r.Get(id)
	if !ok || rec == nil {
		return false
	}
	st := rec.Gate(id)
	if g.Verify == config.VerifyDeposit {
		return st.Verified && rec.Deposit.Settled()
	}
	return st.Verified
}

// Pending returns unverified gates ordered by owning stage ascending.
func (r *Registry) Pending(rec *domain.Record) []Gate {
	var out []Gate
	for _, g := range r.gates {
		if !r.IsVerified(rec, g.ID) {
			out = append(out, g)
		}
	}
	return out
}

// Missing returns pending gates without any captured or canonical value.
func (r *Registry) Missing(rec *domain.Record) []Gate {
	var out []Gate
	for _, g := range r.Pending(rec) {
		st := rec.Gate(g.ID)
		if st.Captured == "" && st.Canonical == "" && g.Verify != config.VerifyApproval && g.Verify != config.VerifyDeposit {
			out = append(out, g)
		}
	}
	return out
}

// Dependents returns every gate whose dependency list includes id, transitively, in registry order.
func (r *Registry) Dependents(id string) []string {
	seen := map[string]bool{}
	queue := append([]string(nil), r.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, r.children[next]...)
	}
	var out []string
	for _, g := range r.gates {
		if seen[g.ID] {
			out = append(out, g.ID)
		}
	}
	return out
}

// AliasIndex maps lower-cased alias nouns to gate ids.
func (r *Registry) AliasIndex() map[string]string {
	out := map[string]string{}
	for _, g := range r.gates {
		for _, a := range g.Aliases {
			out[a] = g.ID
		}
	}
	return out
}

// ForAlias returns the gate an alias noun is bound to. Matching ignores case.
func (r *Registry) ForAlias(word string) (Gate, bool) {
	word = strings.ToLower(strings.TrimSpace(word))
	for _, g := range r.gates {
		for _, a := range g.Aliases {
			if a == word {
				return g, true
			}
		}
	}
	return Gate{}, false
}

// PrimaryEntity returns the entity key extractors should use for a gate.
func (g Gate) PrimaryEntity() string {
	if len(g.Entities) == 0 {
		return g.ID
	}
	return g.Entities[0]
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
