// Package depot is the facade over the whole store: packs, blobs, profiles,
// views, updates, backup, and inventory behind one handle. Everything
// returns plain structs for the caller to serialize; nothing here knows
// about HTTP. A Depot is an explicit handle, injected where needed, never a
// process-wide singleton.
package depot

import (
	"errors"

	"github.com/packdepot/depot/backup"
	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/inventory"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/profile"
	"github.com/packdepot/depot/update"
	"github.com/packdepot/depot/util"
)

var (
	// ErrNoResolver means an operation needing the registry resolver was
	// called on a depot opened without one.
	ErrNoResolver = errors.New("No resolver configured")

	// ErrDepthExceeded means pack references nest deeper than allowed.
	ErrDepthExceeded = errors.New("Pack reference chain too deep")

	// ErrBadSide means a blob side was neither local nor backup.
	ErrBadSide = errors.New("Unknown blob side")
)

// how many simultaneous downloads Install runs
const defaultDownloadLimit = 4

// A Depot is an open store rooted at one directory.
type Depot struct {
	ly        *layout.Layout
	blobs     *blob.Store
	packs     *pack.Repo
	profiles  *profile.Service
	backup    *backup.Service
	inventory *inventory.Service
	updates   *update.Service
	resolver  update.Resolver
	gate      util.Gate
}

// Init creates a new depot at root and opens it. Initializing an existing
// depot is harmless.
func Init(root string, resolver update.Resolver) (*Depot, error) {
	ly := layout.New(root)
	if err := ly.Init(); err != nil {
		return nil, err
	}
	return Open(root, resolver)
}

// Open opens an existing depot. The resolver may be nil; resolution and
// update planning then return ErrNoResolver. A root that was never
// initialized is layout.ErrNotInitialized.
func Open(root string, resolver update.Resolver) (*Depot, error) {
	ly := layout.New(root)
	if !ly.Initialized() {
		return nil, layout.ErrNotInitialized
	}
	blobs := blob.New(ly.BlobRoot())
	packs := pack.NewRepo(ly)
	bk := backup.NewService(ly, blobs)
	d := &Depot{
		ly:        ly,
		blobs:     blobs,
		packs:     packs,
		profiles:  profile.NewService(ly, packs, blobs, bk),
		backup:    bk,
		inventory: inventory.NewService(packs, blobs, bk),
		updates:   update.NewService(packs, resolver),
		resolver:  resolver,
		gate:      util.NewGate(defaultDownloadLimit),
	}
	return d, nil
}

// Close releases the depot's resources.
func (d *Depot) Close() {
	d.gate.Stop()
}

// Blobs exposes the underlying blob store, for the server's raw blob
// endpoints and the fixity checker.
func (d *Depot) Blobs() *blob.Store {
	return d.blobs
}

// Layout exposes the path contract, primarily for tools.
func (d *Depot) Layout() *layout.Layout {
	return d.ly
}

// lock takes the depot's advisory lock for a metadata mutation.
func (d *Depot) lock() (*layout.Lock, error) {
	return d.ly.Lock()
}
