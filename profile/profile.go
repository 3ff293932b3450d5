// Package profile holds the profile documents and the per-target runtime
// stacks, and implements the use/back protocol on top of them. A profile is
// an ordered pack list; order decides who wins view conflicts, later packs
// beating earlier ones. The stack for a target always starts at the
// persistent global profile and grows only by ephemeral work profiles.
package profile

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/packdepot/depot/layout"
)

var (
	// ErrProfileNotFound means no profile with that name exists.
	ErrProfileNotFound = errors.New("Profile not found")

	// ErrNotWorkProfile means an operation wanted a work__ profile.
	ErrNotWorkProfile = errors.New("Not a work profile")
)

// Global is the persistent base profile every stack bottoms out at.
const Global = "global"

// workPrefix marks ephemeral profiles created by Use.
const workPrefix = "work__"

// WorkName returns the work profile name for a pack.
func WorkName(pack string) string {
	return workPrefix + pack
}

// IsWork reports whether the profile name is an ephemeral work profile.
func IsWork(name string) bool {
	return strings.HasPrefix(name, workPrefix)
}

// A Profile is a named ordered pack list.
type Profile struct {
	Name  string
	Packs []string
}

// Clone returns a copy with a new name.
func (p *Profile) Clone(name string) *Profile {
	packs := make([]string, len(p.Packs))
	copy(packs, p.Packs)
	return &Profile{Name: name, Packs: packs}
}

// MovePackLast appends the pack or, if already listed, moves it to the end
// so it wins every conflict. Returns true if anything changed.
func (p *Profile) MovePackLast(pack string) bool {
	n := len(p.Packs)
	if n > 0 && p.Packs[n-1] == pack {
		return false
	}
	out := p.Packs[:0]
	for _, name := range p.Packs {
		if name != pack {
			out = append(out, name)
		}
	}
	p.Packs = append(out, pack)
	return true
}

// RemovePack drops the pack from the list. Returns true if it was present.
func (p *Profile) RemovePack(pack string) bool {
	for i, name := range p.Packs {
		if name == pack {
			p.Packs = append(p.Packs[:i], p.Packs[i+1:]...)
			return true
		}
	}
	return false
}

// A Repo loads and saves profiles under a depot root.
type Repo struct {
	ly *layout.Layout
}

func NewRepo(ly *layout.Layout) *Repo {
	return &Repo{ly: ly}
}

// Load reads the named profile. Loading the global profile when it does not
// exist yet returns an empty one rather than an error; everything else
// missing is ErrProfileNotFound.
func (r *Repo) Load(name string) (*Profile, error) {
	if err := layout.CheckName(name); err != nil {
		return nil, err
	}
	var p Profile
	err := layout.ReadJSON(r.ly.ProfileFile(name), &p)
	if os.IsNotExist(err) {
		if name == Global {
			return &Profile{Name: Global}, nil
		}
		return nil, ErrProfileNotFound
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes the profile atomically.
func (r *Repo) Save(p *Profile) error {
	if err := layout.CheckName(p.Name); err != nil {
		return err
	}
	return layout.WriteJSON(r.ly.ProfileFile(p.Name), p)
}

// Delete removes the profile document. The global profile cannot be
// deleted.
func (r *Repo) Delete(name string) error {
	if name == Global {
		return errors.New("Cannot delete the global profile")
	}
	if err := layout.CheckName(name); err != nil {
		return err
	}
	err := os.Remove(r.ly.ProfileFile(name))
	if os.IsNotExist(err) {
		return ErrProfileNotFound
	}
	return err
}

// List returns the names of every profile, sorted, including global even
// when its document has not been written yet.
func (r *Repo) List() ([]string, error) {
	matches, err := filepathGlobJSON(r.ly.ProfilesDir())
	if err != nil {
		return nil, err
	}
	hasGlobal := false
	for _, m := range matches {
		if m == Global {
			hasGlobal = true
		}
	}
	if !hasGlobal {
		matches = append(matches, Global)
	}
	sort.Strings(matches)
	return matches, nil
}

// Exists reports whether the profile document is on disk.
func (r *Repo) Exists(name string) bool {
	_, err := os.Stat(r.ly.ProfileFile(name))
	return err == nil
}

func filepathGlobJSON(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return names, nil
}
