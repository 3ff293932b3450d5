// Package update plans and applies version updates for a pack's
// follow-latest dependencies. Planning asks an external Resolver for
// candidate artifacts and diffs them against the current lock; applying
// rewrites lock entries only. The dependency definitions themselves,
// including the exposed filename consumers reference, are never modified.
package update

import (
	"errors"

	"github.com/packdepot/depot/pack"
)

var (
	// ErrNoChoice means an ambiguous change was applied without a choice.
	ErrNoChoice = errors.New("Ambiguous update needs a choice")

	// ErrBadChoice means a choice index is out of range.
	ErrBadChoice = errors.New("Update choice out of range")
)

// A Resolver finds the newest artifacts matching a dependency's selector.
// It is the seam to the registry clients, which live outside this module.
// More than one returned artifact means the selector cannot distinguish
// them (e.g. several file variants of one version) and the caller must
// choose.
type Resolver interface {
	Latest(dep pack.Dependency, current pack.Resolved) ([]pack.Resolved, error)
}

// A Change is an unambiguous update for one dependency.
type Change struct {
	DepID    string
	From, To pack.Resolved
}

// An Ambiguous update carries every equally-valid candidate for a
// dependency; applying it requires a choice.
type Ambiguous struct {
	DepID      string
	From       pack.Resolved
	Candidates []pack.Resolved
}

// A DepError records a resolver failure for one dependency. Planning
// continues past them.
type DepError struct {
	DepID string
	Err   string
}

// A Plan is the computed diff between a pack's lock and the newest
// available artifacts. Pinned and unchanged dependencies never appear.
type Plan struct {
	Pack      string
	Changes   []Change
	Ambiguous []Ambiguous
	Errors    []DepError
}

// Empty reports whether the plan contains nothing to apply.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0 && len(p.Ambiguous) == 0
}

// An Applied reports what Apply did.
type Applied struct {
	Pack    string
	Applied []string // dependency ids whose lock entries were rewritten
	Skipped []string // ambiguous ids left untouched for lack of a choice
	DryRun  bool
}

// Service plans and applies updates against a pack repository.
type Service struct {
	packs   *pack.Repo
	resolve Resolver
}

func NewService(packs *pack.Repo, resolve Resolver) *Service {
	return &Service{packs: packs, resolve: resolve}
}

// Plan diffs the newest artifacts against the pack's lock. Only
// follow-latest dependencies with a resolved lock entry are considered.
// Sameness is judged by provider identifiers, not digests, so re-uploads
// of identical bytes under a new version still count as changes.
func (s *Service) Plan(packName string) (*Plan, error) {
	p, err := s.packs.Load(packName)
	if err != nil {
		return nil, err
	}
	lk, err := s.packs.LoadLock(packName)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Pack: packName}
	for _, dep := range p.Dependencies {
		if dep.Policy != pack.PolicyLatest {
			continue
		}
		current, ok := lk.Resolved[dep.ID]
		if !ok {
			continue
		}
		candidates, err := s.resolve.Latest(dep, current)
		if err != nil {
			plan.Errors = append(plan.Errors, DepError{DepID: dep.ID, Err: err.Error()})
			continue
		}
		var fresh []pack.Resolved
		for _, c := range candidates {
			if !sameArtifact(c, current) {
				fresh = append(fresh, c)
			}
		}
		switch len(fresh) {
		case 0:
			// up to date
		case 1:
			plan.Changes = append(plan.Changes, Change{
				DepID: dep.ID,
				From:  current,
				To:    fresh[0],
			})
		default:
			plan.Ambiguous = append(plan.Ambiguous, Ambiguous{
				DepID:      dep.ID,
				From:       current,
				Candidates: fresh,
			})
		}
	}
	return plan, nil
}

// Apply writes the plan's new artifacts into the pack's lock. choices maps
// an ambiguous dependency id to an index into its candidate list; ambiguous
// entries with no choice are skipped, not failed. With dryRun set nothing
// is persisted. The pack definition is never touched, so every exposed
// filename is stable across any sequence of updates.
func (s *Service) Apply(packName string, plan *Plan, choices map[string]int, dryRun bool) (*Applied, error) {
	lk, err := s.packs.LoadLock(packName)
	if err != nil {
		return nil, err
	}
	applied := &Applied{Pack: packName, DryRun: dryRun}
	for _, change := range plan.Changes {
		lk.SetResolved(change.DepID, change.To)
		applied.Applied = append(applied.Applied, change.DepID)
	}
	for _, amb := range plan.Ambiguous {
		i, ok := choices[amb.DepID]
		if !ok {
			applied.Skipped = append(applied.Skipped, amb.DepID)
			continue
		}
		if i < 0 || i >= len(amb.Candidates) {
			return nil, ErrBadChoice
		}
		lk.SetResolved(amb.DepID, amb.Candidates[i])
		applied.Applied = append(applied.Applied, amb.DepID)
	}
	if dryRun {
		return applied, nil
	}
	if err := s.packs.SaveLock(lk); err != nil {
		return nil, err
	}
	return applied, nil
}

// sameArtifact reports whether two resolved entries name the same provider
// artifact.
func sameArtifact(a, b pack.Resolved) bool {
	return a.Provider == b.Provider &&
		a.ModelID == b.ModelID &&
		a.VersionID == b.VersionID &&
		a.Filename == b.Filename
}
