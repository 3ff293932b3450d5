// Package pack defines the persisted pack metadata: the pack definition
// with its ordered dependency list, and the lock file recording how each
// dependency resolved to a concrete artifact. Both are JSON documents under
// packs/<name>/ and are always written atomically through the layout.
package pack

import (
	"encoding/json"
	"errors"

	"github.com/packdepot/depot/layout"
)

var (
	// ErrPackNotFound means no pack with that name exists in the depot.
	ErrPackNotFound = errors.New("Pack not found")

	// ErrNoLock means the pack has never been resolved.
	ErrNoLock = errors.New("Pack has no lock file")

	// ErrDuplicateDependency means two dependencies in one pack share an id.
	ErrDuplicateDependency = errors.New("Duplicate dependency id in pack")

	// ErrBadSelector means a selector's strategy or its fields are invalid.
	ErrBadSelector = errors.New("Invalid dependency selector")

	// ErrBadPolicy means an update policy is neither pinned nor latest.
	ErrBadPolicy = errors.New("Invalid update policy")
)

// Update policies for a dependency.
const (
	PolicyPinned = "pinned"
	PolicyLatest = "latest"
)

// A Pack is a named unit of content: a model checkpoint, a lora, a vae, and
// so on, together with everything it needs. Dependency order is
// insignificant inside a pack; order between packs in a profile is what
// decides view conflicts.
type Pack struct {
	Name         string
	Type         string // checkpoint, lora, vae, ...
	Source       string // free-form descriptor of where the pack came from
	Dependencies []Dependency
	Previews     []string          // filenames under resources/previews
	Workflows    []json.RawMessage // opaque attachments, persisted untouched
}

// A Dependency names one artifact the pack needs and how to find it.
type Dependency struct {
	ID       string   // unique within the pack
	Kind     string   // asset kind, decides the view subdirectory
	Selector Selector // how to locate the artifact at a provider
	Policy   string   // PolicyPinned or PolicyLatest
	Expose   Expose
}

// Expose controls how a dependency appears inside materialized views.
// Filename is the stable name consumers reference; it survives version
// updates, so generation configs saved by consumers keep working.
type Expose struct {
	Filename string
}

// Selector strategies. The set is closed; anything else fails validation.
const (
	StrategyVersion = "provider-version" // exact provider/model/version/file
	StrategyLatest  = "provider-latest"  // newest version of a model
	StrategySearch  = "provider-search"  // free-text query at a provider
	StrategyPack    = "pack"             // reference to another pack
)

// A Selector tells the resolver how to locate an artifact. Strategy decides
// which of the remaining fields are meaningful; unused ones stay empty.
type Selector struct {
	Strategy  string
	Provider  string `json:",omitempty"`
	ModelID   string `json:",omitempty"`
	VersionID string `json:",omitempty"`
	Query     string `json:",omitempty"`
	Filename  string `json:",omitempty"`
	Pack      string `json:",omitempty"` // StrategyPack target
}

// Validate checks the selector's strategy and that the fields it requires
// are present.
func (sel Selector) Validate() error {
	switch sel.Strategy {
	case StrategyVersion:
		if sel.Provider == "" || sel.ModelID == "" || sel.VersionID == "" {
			return ErrBadSelector
		}
	case StrategyLatest:
		if sel.Provider == "" || sel.ModelID == "" {
			return ErrBadSelector
		}
	case StrategySearch:
		if sel.Provider == "" || sel.Query == "" {
			return ErrBadSelector
		}
	case StrategyPack:
		if sel.Pack == "" {
			return ErrBadSelector
		}
	default:
		return ErrBadSelector
	}
	return nil
}

// Validate checks the structural invariants of a pack: a usable name,
// unique dependency ids, valid selectors and policies, and an expose
// filename on every dependency.
func (p *Pack) Validate() error {
	if err := layout.CheckName(p.Name); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, d := range p.Dependencies {
		if d.ID == "" || seen[d.ID] {
			return ErrDuplicateDependency
		}
		seen[d.ID] = true
		if err := d.Selector.Validate(); err != nil {
			return err
		}
		if d.Policy != PolicyPinned && d.Policy != PolicyLatest {
			return ErrBadPolicy
		}
		if d.Expose.Filename == "" {
			return ErrBadSelector
		}
	}
	return nil
}

// Dependency returns the dependency with the given id, or nil.
func (p *Pack) Dependency(id string) *Dependency {
	for i := range p.Dependencies {
		if p.Dependencies[i].ID == id {
			return &p.Dependencies[i]
		}
	}
	return nil
}
