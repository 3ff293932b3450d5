// Package view materializes profiles as symlink trees. A plan maps every
// resolved dependency of a profile's packs to a destination path inside the
// view; building a plan creates the symlinks; activating repoints the
// per-target "active" symlink. Plans are always computed fresh and never
// persisted.
package view

import (
	"path"
	"sort"

	"github.com/packdepot/depot/pack"
)

// A PackLock pairs a pack with its lock for planning. Packs with no lock
// contribute nothing to a view.
type PackLock struct {
	Pack *pack.Pack
	Lock *pack.Lock
}

// An Entry is one symlink the view will contain.
type Entry struct {
	Destination string // relative path inside the view directory
	Pack        string // owning pack
	DepID       string
	SHA256      string
}

// A Shadowed records a destination collision: Loser wanted the same
// destination as Winner but appeared earlier in the profile, so Winner's
// entry is the one materialized.
type Shadowed struct {
	Destination string
	Winner      string // pack name
	Loser       string // pack name
}

// A Gap is a dependency the plan could not place: it is unresolved, or its
// lock entry carries no digest.
type Gap struct {
	Pack   string
	DepID  string
	Reason string
}

// A Plan is the computed contents of one view.
type Plan struct {
	Target   string
	Profile  string
	Entries  []Entry // sorted by destination
	Shadowed []Shadowed
	Gaps     []Gap
}

// ComputePlan maps the profile's packs to view entries. Packs are processed
// in profile list order and a later pack always overwrites an earlier one
// at the same destination; each overwrite is recorded as a Shadowed entry.
// kindPaths maps an asset kind to the view subdirectory the target expects;
// an unmapped kind falls back to the kind name itself.
func ComputePlan(target, profile string, kindPaths map[string]string, packs []PackLock) *Plan {
	plan := &Plan{Target: target, Profile: profile}
	owners := make(map[string]Entry)
	var order []string // destinations in first-seen order, for shadow reporting only
	for _, pl := range packs {
		if pl.Pack == nil || pl.Lock == nil {
			continue
		}
		for _, dep := range pl.Pack.Dependencies {
			// a pack reference carries no file of its own; the referenced
			// pack contributes through its own profile membership
			if dep.Selector.Strategy == pack.StrategyPack {
				continue
			}
			resolved, ok := pl.Lock.Resolved[dep.ID]
			if !ok {
				reason := "unresolved"
				if u, ok := pl.Lock.Unresolved[dep.ID]; ok && u.Reason != "" {
					reason = u.Reason
				}
				plan.Gaps = append(plan.Gaps, Gap{
					Pack:   pl.Pack.Name,
					DepID:  dep.ID,
					Reason: reason,
				})
				continue
			}
			if resolved.SHA256 == "" {
				plan.Gaps = append(plan.Gaps, Gap{
					Pack:   pl.Pack.Name,
					DepID:  dep.ID,
					Reason: "no digest in lock",
				})
				continue
			}
			dir := kindPaths[dep.Kind]
			if dir == "" {
				dir = dep.Kind
			}
			dest := path.Join(dir, dep.Expose.Filename)
			if prev, ok := owners[dest]; ok {
				if prev.Pack != pl.Pack.Name {
					plan.Shadowed = append(plan.Shadowed, Shadowed{
						Destination: dest,
						Winner:      pl.Pack.Name,
						Loser:       prev.Pack,
					})
				}
			} else {
				order = append(order, dest)
			}
			owners[dest] = Entry{
				Destination: dest,
				Pack:        pl.Pack.Name,
				DepID:       dep.ID,
				SHA256:      resolved.SHA256,
			}
		}
	}
	for _, dest := range order {
		plan.Entries = append(plan.Entries, owners[dest])
	}
	sort.Slice(plan.Entries, func(i, j int) bool {
		return plan.Entries[i].Destination < plan.Entries[j].Destination
	})
	return plan
}
