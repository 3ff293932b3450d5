package pack

import (
	"io/ioutil"
	"os"
	"sort"

	"github.com/packdepot/depot/layout"
)

// A Repo loads and saves packs and their locks under a depot root.
type Repo struct {
	ly *layout.Layout
}

func NewRepo(ly *layout.Layout) *Repo {
	return &Repo{ly: ly}
}

// List returns the names of every pack in the depot, sorted.
func (r *Repo) List() ([]string, error) {
	entries, err := ioutil.ReadDir(r.ly.PackDir(""))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(r.ly.PackFile(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the named pack's definition.
func (r *Repo) Load(name string) (*Pack, error) {
	if err := layout.CheckName(name); err != nil {
		return nil, err
	}
	var p Pack
	err := layout.ReadJSON(r.ly.PackFile(name), &p)
	if os.IsNotExist(err) {
		return nil, ErrPackNotFound
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save validates and writes the pack definition atomically.
func (r *Repo) Save(p *Pack) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return layout.WriteJSON(r.ly.PackFile(p.Name), p)
}

// Delete removes the pack, its lock, and its previews. Profile membership
// cleanup is the caller's job.
func (r *Repo) Delete(name string) error {
	if err := layout.CheckName(name); err != nil {
		return err
	}
	if _, err := os.Stat(r.ly.PackFile(name)); os.IsNotExist(err) {
		return ErrPackNotFound
	}
	return os.RemoveAll(r.ly.PackDir(name))
}

// LoadLock reads the named pack's lock.
func (r *Repo) LoadLock(name string) (*Lock, error) {
	if err := layout.CheckName(name); err != nil {
		return nil, err
	}
	var lk Lock
	err := layout.ReadJSON(r.ly.LockFile(name), &lk)
	if os.IsNotExist(err) {
		return nil, ErrNoLock
	} else if err != nil {
		return nil, err
	}
	return &lk, nil
}

// SaveLock writes the lock atomically, replacing any previous lock.
func (r *Repo) SaveLock(lk *Lock) error {
	if err := layout.CheckName(lk.Pack); err != nil {
		return err
	}
	return layout.WriteJSON(r.ly.LockFile(lk.Pack), lk)
}
