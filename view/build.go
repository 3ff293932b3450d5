package view

import (
	"errors"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
)

// ErrNoActive means the target has no active view symlink.
var ErrNoActive = errors.New("Target has no active view")

// A Builder materializes plans under a depot root.
type Builder struct {
	ly    *layout.Layout
	blobs *blob.Store
}

func NewBuilder(ly *layout.Layout, blobs *blob.Store) *Builder {
	return &Builder{ly: ly, blobs: blobs}
}

// An EntryError is a per-entry build failure. Builds never abort on one.
type EntryError struct {
	Destination string
	Err         error
}

// A Report summarizes one build.
type Report struct {
	Created int
	Pruned  int
	Errors  []EntryError
}

// Build materializes the plan under views/<target>/profiles/<profile>.
// Each entry becomes a symlink pointing at the blob path; bytes are never
// copied. A stale symlink at a destination is replaced; a real file there
// is left alone and reported as an entry error. Symlinks in the view
// directory that the plan no longer mentions are pruned.
func (b *Builder) Build(plan *Plan) (*Report, error) {
	report := &Report{}
	root := b.ly.ViewDir(plan.Target, plan.Profile)
	if err := os.MkdirAll(root, 0775); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool)
	for _, entry := range plan.Entries {
		wanted[entry.Destination] = true
		dest := filepath.Join(root, filepath.FromSlash(entry.Destination))
		source, err := b.blobs.Path(entry.SHA256)
		if err == nil && !b.blobs.Has(entry.SHA256) {
			err = blob.ErrBlobNotFound
		}
		if err == nil {
			err = placeSymlink(source, dest)
		}
		if err != nil {
			report.Errors = append(report.Errors, EntryError{
				Destination: entry.Destination,
				Err:         err,
			})
			continue
		}
		report.Created++
	}
	n, err := pruneStale(root, wanted)
	report.Pruned = n
	if err != nil {
		log.Printf("view build %s/%s: prune: %s", plan.Target, plan.Profile, err)
	}
	return report, nil
}

// placeSymlink points dest at source, replacing an existing symlink. A
// regular file or directory at dest is an error; we do not delete data we
// did not create.
func placeSymlink(source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		return err
	}
	fi, err := os.Lstat(dest)
	if err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return errors.New("Destination exists and is not a symlink")
		}
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	return os.Symlink(source, dest)
}

// pruneStale removes symlinks under root that are not in wanted, and any
// directories left empty afterwards. Regular files are never touched.
func pruneStale(root string, wanted map[string]bool) (int, error) {
	var pruned int
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		entries, err := ioutil.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := filepath.Join(dir, e.Name())
			childrel := e.Name()
			if rel != "" {
				childrel = rel + "/" + e.Name()
			}
			if e.IsDir() {
				if err := walk(name, childrel); err != nil {
					return err
				}
				os.Remove(name) // only succeeds if now empty
				continue
			}
			if e.Mode()&os.ModeSymlink != 0 && !wanted[childrel] {
				if err := os.Remove(name); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	}
	err := walk(root, "")
	return pruned, err
}

// Activate atomically repoints the target's active symlink at the given
// profile's view directory. The new link is created beside the old one and
// renamed over it, so readers always see either the old or the new view.
func (b *Builder) Activate(target, profile string) error {
	active := b.ly.ActiveLink(target)
	if err := os.MkdirAll(filepath.Dir(active), 0775); err != nil {
		return err
	}
	// relative target keeps the depot root relocatable
	rel := filepath.Join("profiles", profile)
	temp := active + ".new"
	os.Remove(temp)
	if err := os.Symlink(rel, temp); err != nil {
		return err
	}
	if err := os.Rename(temp, active); err != nil {
		os.Remove(temp)
		return err
	}
	return nil
}

// ActiveProfile resolves the target's active symlink back to the profile
// name it points at.
func (b *Builder) ActiveProfile(target string) (string, error) {
	dest, err := os.Readlink(b.ly.ActiveLink(target))
	if os.IsNotExist(err) {
		return "", ErrNoActive
	} else if err != nil {
		return "", err
	}
	return filepath.Base(dest), nil
}
