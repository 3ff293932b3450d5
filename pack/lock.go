package pack

// A Lock records, per dependency id, how the dependency resolved the last
// time resolution ran. Exactly one of Resolved or Unresolved is set for a
// given id. The lock is overwritten whole by resolution and consumed by
// installation and view materialization.
type Lock struct {
	Pack       string
	Resolved   map[string]Resolved   `json:",omitempty"`
	Unresolved map[string]Unresolved `json:",omitempty"`
}

// A Resolved entry pins a dependency to a concrete artifact.
type Resolved struct {
	Kind        string
	SHA256      string
	Size        int64
	Provider    string
	ModelID     string
	VersionID   string
	VersionName string
	Filename    string // the artifact's name at the provider, not the expose name
	URLs        []string
	Verified    bool // digest confirmed against downloaded content
}

// An Unresolved entry records why a dependency could not be resolved.
type Unresolved struct {
	Reason  string
	Details string
}

// NewLock returns an empty lock for the named pack.
func NewLock(name string) *Lock {
	return &Lock{
		Pack:       name,
		Resolved:   make(map[string]Resolved),
		Unresolved: make(map[string]Unresolved),
	}
}

// SetResolved records a successful resolution for the dependency, clearing
// any unresolved entry for the same id.
func (lk *Lock) SetResolved(id string, r Resolved) {
	if lk.Resolved == nil {
		lk.Resolved = make(map[string]Resolved)
	}
	lk.Resolved[id] = r
	delete(lk.Unresolved, id)
}

// SetUnresolved records a failed resolution, clearing any resolved entry.
func (lk *Lock) SetUnresolved(id string, u Unresolved) {
	if lk.Unresolved == nil {
		lk.Unresolved = make(map[string]Unresolved)
	}
	lk.Unresolved[id] = u
	delete(lk.Resolved, id)
}

// SHAs returns the set of digests this lock references.
func (lk *Lock) SHAs() map[string]bool {
	result := make(map[string]bool)
	for _, r := range lk.Resolved {
		if r.SHA256 != "" {
			result[r.SHA256] = true
		}
	}
	return result
}
