package depot

import (
	"github.com/packdepot/depot/pack"
)

// pack reference chains deeper than this fail resolution
const maxResolveDepth = 8

// A ResolveReport summarizes one Resolve call.
type ResolveReport struct {
	Pack       string
	Resolved   int
	Unresolved int
	// packs pulled in through pack-reference dependencies, in the order
	// they were resolved
	Referenced []string
}

// Resolve queries the resolver for every dependency of the pack and writes
// a fresh lock. Pack-reference dependencies resolve the referenced pack
// recursively; reference cycles are detected with a per-call visited set
// and a chain is bounded by a maximum depth. Per-dependency failures
// become unresolved lock entries, never a failed Resolve.
func (d *Depot) Resolve(packName string) (*ResolveReport, error) {
	if d.resolver == nil {
		return nil, ErrNoResolver
	}
	report := &ResolveReport{Pack: packName}
	visited := make(map[string]bool)
	err := d.resolve(packName, visited, 0, report)
	return report, err
}

func (d *Depot) resolve(packName string, visited map[string]bool, depth int, report *ResolveReport) error {
	if depth > maxResolveDepth {
		return ErrDepthExceeded
	}
	if visited[packName] {
		// a cycle. the first visit already resolved this pack.
		return nil
	}
	visited[packName] = true
	if depth > 0 {
		report.Referenced = append(report.Referenced, packName)
	}

	p, err := d.packs.Load(packName)
	if err != nil {
		return err
	}
	// keep prior lock entries so a provider outage does not wipe a
	// working lock; entries are replaced dependency by dependency
	lk, err := d.packs.LoadLock(packName)
	if err == pack.ErrNoLock {
		lk = pack.NewLock(packName)
	} else if err != nil {
		return err
	}

	for _, dep := range p.Dependencies {
		if dep.Selector.Strategy == pack.StrategyPack {
			err := d.resolve(dep.Selector.Pack, visited, depth+1, report)
			if err == pack.ErrPackNotFound {
				lk.SetUnresolved(dep.ID, pack.Unresolved{
					Reason:  "missing pack",
					Details: dep.Selector.Pack,
				})
				report.Unresolved++
				continue
			} else if err != nil {
				return err
			}
			lk.SetResolved(dep.ID, pack.Resolved{
				Kind:     dep.Kind,
				Provider: "pack",
				ModelID:  dep.Selector.Pack,
			})
			report.Resolved++
			continue
		}
		current := lk.Resolved[dep.ID]
		candidates, err := d.resolver.Latest(dep, current)
		if err != nil {
			lk.SetUnresolved(dep.ID, pack.Unresolved{
				Reason:  "resolver error",
				Details: err.Error(),
			})
			report.Unresolved++
			continue
		}
		if len(candidates) == 0 {
			lk.SetUnresolved(dep.ID, pack.Unresolved{Reason: "no match"})
			report.Unresolved++
			continue
		}
		// pinned dependencies keep their current artifact once locked
		if dep.Policy == pack.PolicyPinned && current.SHA256 != "" {
			report.Resolved++
			continue
		}
		lk.SetResolved(dep.ID, candidates[0])
		report.Resolved++
	}

	l, err := d.lock()
	if err != nil {
		return err
	}
	err = d.packs.SaveLock(lk)
	l.Unlock()
	return err
}
