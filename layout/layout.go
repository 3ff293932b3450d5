// Package layout defines the on-disk shape of a depot root and the small
// persistence primitives everything else is built from: canonical paths,
// atomic JSON read/write, and the advisory lock taken while metadata is
// mutated.
//
// A depot root looks like
//
//	packs/<name>/pack.json      pack definition
//	packs/<name>/lock.json      resolved artifacts for the pack
//	packs/<name>/resources/previews/   preview assets, not content-addressed
//	profiles/<name>.json        ordered pack lists
//	views/<target>/profiles/<p> materialized symlink trees
//	views/<target>/active       symlink to the active profile's view
//	data/blobs/sha256/          content-addressed blob storage
//	runtime.json                per-target profile stacks
//	config.json                 targets and backup configuration
//	depot.lock                  advisory write lock, present while held
package layout

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotInitialized means the directory is not a depot root.
	ErrNotInitialized = errors.New("Directory is not an initialized depot")

	// ErrLocked means another process holds the depot lock.
	ErrLocked = errors.New("Depot is locked by another process")

	// ErrBadName means a pack, profile, or target name contains characters
	// we do not allow in paths.
	ErrBadName = errors.New("Name contains invalid characters")
)

// A Layout knows the canonical location of everything under a depot root.
// All methods are pure path computations except Init and Initialized.
type Layout struct {
	Root string
}

func New(root string) *Layout {
	return &Layout{Root: root}
}

// Init creates the directory skeleton for a new depot root. It is a no-op
// on an already initialized root.
func (ly *Layout) Init() error {
	dirs := []string{
		filepath.Join(ly.Root, "packs"),
		filepath.Join(ly.Root, "profiles"),
		filepath.Join(ly.Root, "views"),
		ly.BlobRoot(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0775); err != nil {
			return err
		}
	}
	return nil
}

// Initialized reports whether the root looks like a depot. The check is the
// presence of the packs and profiles directories.
func (ly *Layout) Initialized() bool {
	for _, d := range []string{"packs", "profiles"} {
		fi, err := os.Stat(filepath.Join(ly.Root, d))
		if err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

func (ly *Layout) PackDir(pack string) string {
	return filepath.Join(ly.Root, "packs", pack)
}

func (ly *Layout) PackFile(pack string) string {
	return filepath.Join(ly.PackDir(pack), "pack.json")
}

func (ly *Layout) LockFile(pack string) string {
	return filepath.Join(ly.PackDir(pack), "lock.json")
}

// PreviewsDir holds a pack's preview assets, kept outside the blob store.
func (ly *Layout) PreviewsDir(pack string) string {
	return filepath.Join(ly.PackDir(pack), "resources", "previews")
}

func (ly *Layout) ProfilesDir() string {
	return filepath.Join(ly.Root, "profiles")
}

func (ly *Layout) ProfileFile(profile string) string {
	return filepath.Join(ly.ProfilesDir(), profile+".json")
}

// ViewDir is where the symlink tree for the given target and profile is
// built.
func (ly *Layout) ViewDir(target, profile string) string {
	return filepath.Join(ly.Root, "views", target, "profiles", profile)
}

// ActiveLink is the symlink consumers follow to reach the active view for a
// target.
func (ly *Layout) ActiveLink(target string) string {
	return filepath.Join(ly.Root, "views", target, "active")
}

func (ly *Layout) RuntimeFile() string {
	return filepath.Join(ly.Root, "runtime.json")
}

func (ly *Layout) ConfigFile() string {
	return filepath.Join(ly.Root, "config.json")
}

// BlobRoot is the directory the blob store is rooted at.
func (ly *Layout) BlobRoot() string {
	return filepath.Join(ly.Root, "data", "blobs", "sha256")
}

func (ly *Layout) lockPath() string {
	return filepath.Join(ly.Root, "depot.lock")
}

// CheckName validates a pack, profile, or target name for use as a path
// component. Empty names, path separators, and dot-prefixed names are
// rejected.
func CheckName(name string) error {
	if name == "" ||
		strings.ContainsAny(name, "/\\") ||
		strings.HasPrefix(name, ".") {
		return ErrBadName
	}
	return nil
}

// WriteJSON atomically replaces the file at path with the JSON encoding of
// value. The data is written to a temporary file in the same directory and
// renamed into place, so a crash never leaves a torn file.
func WriteJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	temp, err := ioutil.TempFile(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	_, err = temp.Write(append(data, '\n'))
	err2 := temp.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(temp.Name())
		return err
	}
	return os.Rename(temp.Name(), path)
}

// ReadJSON decodes the JSON file at path into value.
func ReadJSON(path string, value interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}
