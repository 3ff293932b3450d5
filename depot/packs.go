package depot

import (
	"log"

	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/profile"
)

// ListPacks returns the names of every pack.
func (d *Depot) ListPacks() ([]string, error) {
	return d.packs.List()
}

// GetPack returns a pack definition and, when resolution has run, its lock.
func (d *Depot) GetPack(name string) (*pack.Pack, *pack.Lock, error) {
	p, err := d.packs.Load(name)
	if err != nil {
		return nil, nil, err
	}
	lk, err := d.packs.LoadLock(name)
	if err == pack.ErrNoLock {
		return p, nil, nil
	} else if err != nil {
		return nil, nil, err
	}
	return p, lk, nil
}

// SavePack creates or replaces a pack definition. Dependency and preview
// edits come through here; the lock is untouched, so a re-resolve picks up
// the changes.
func (d *Depot) SavePack(p *pack.Pack) error {
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	return d.packs.Save(p)
}

// DeletePack removes the pack, its lock, and its previews, and cascades the
// removal through every profile that lists it. Affected targets keep their
// current views until the next rebuild; blobs the pack referenced stay and
// become orphans unless another pack holds them.
func (d *Depot) DeletePack(name string) error {
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	if err := d.packs.Delete(name); err != nil {
		return err
	}
	repo := d.profiles.Repo()
	names, err := repo.List()
	if err != nil {
		return err
	}
	for _, profname := range names {
		prof, err := repo.Load(profname)
		if err == profile.ErrProfileNotFound {
			continue
		} else if err != nil {
			return err
		}
		if prof.RemovePack(name) {
			if err := repo.Save(prof); err != nil {
				log.Printf("delete pack %s: updating profile %s: %s", name, profname, err)
			}
		}
	}
	return nil
}

// AddPackToProfile appends the pack to the named profile, creating the
// profile if it is the global one.
func (d *Depot) AddPackToProfile(packName, profileName string) error {
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	if _, err := d.packs.Load(packName); err != nil {
		return err
	}
	repo := d.profiles.Repo()
	prof, err := repo.Load(profileName)
	if err != nil {
		return err
	}
	prof.MovePackLast(packName)
	return repo.Save(prof)
}

// RemovePackFromProfile drops the pack from the named profile.
func (d *Depot) RemovePackFromProfile(packName, profileName string) error {
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	repo := d.profiles.Repo()
	prof, err := repo.Load(profileName)
	if err != nil {
		return err
	}
	if prof.RemovePack(packName) {
		return repo.Save(prof)
	}
	return nil
}
