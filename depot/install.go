package depot

import (
	"context"
	"errors"
	"sync"

	"github.com/packdepot/depot/pack"
)

// ErrStopping means the depot was closed while downloads were pending.
var ErrStopping = errors.New("Depot is shutting down")

// An InstallItem reports one dependency's installation.
type InstallItem struct {
	DepID   string
	SHA256  string
	Skipped bool // already present locally
	Err     string
}

// An InstallReport summarizes one Install call.
type InstallReport struct {
	Pack  string
	Items []InstallItem
}

// Failed reports whether any item errored.
func (r *InstallReport) Failed() bool {
	for _, item := range r.Items {
		if item.Err != "" {
			return true
		}
	}
	return false
}

// Install downloads every resolved artifact of the pack that is not in the
// blob store yet. Downloads run concurrently behind the depot's gate; each
// is verified against its locked digest and a mismatch leaves no blob.
// Per-dependency failures are collected and the rest of the pack still
// installs. The depot lock is never held during transfers.
func (d *Depot) Install(ctx context.Context, packName string) (*InstallReport, error) {
	p, err := d.packs.Load(packName)
	if err != nil {
		return nil, err
	}
	lk, err := d.packs.LoadLock(packName)
	if err != nil {
		return nil, err
	}
	report := &InstallReport{Pack: packName}
	type fetchItem struct {
		depID    string
		resolved pack.Resolved
	}
	// Classify everything before spawning downloads. The goroutines
	// update lk, so no map read may still be in flight by then.
	var fetches []fetchItem
	for _, dep := range p.Dependencies {
		resolved, ok := lk.Resolved[dep.ID]
		if !ok || resolved.SHA256 == "" {
			continue
		}
		if d.blobs.Has(resolved.SHA256) {
			report.Items = append(report.Items, InstallItem{
				DepID:   dep.ID,
				SHA256:  resolved.SHA256,
				Skipped: true,
			})
			if !resolved.Verified {
				resolved.Verified = true
				lk.SetResolved(dep.ID, resolved)
			}
			continue
		}
		fetches = append(fetches, fetchItem{dep.ID, resolved})
	}
	var m sync.Mutex // protects report.Items and lk
	var wg sync.WaitGroup
	for _, f := range fetches {
		wg.Add(1)
		go func(depID string, resolved pack.Resolved) {
			defer wg.Done()
			item := InstallItem{DepID: depID, SHA256: resolved.SHA256}
			err := d.fetch(ctx, resolved)
			m.Lock()
			defer m.Unlock()
			if err != nil {
				item.Err = err.Error()
			} else {
				resolved.Verified = true
				lk.SetResolved(depID, resolved)
			}
			report.Items = append(report.Items, item)
		}(f.depID, f.resolved)
	}
	wg.Wait()

	l, err := d.lock()
	if err != nil {
		return report, err
	}
	err = d.packs.SaveLock(lk)
	l.Unlock()
	return report, err
}

// fetch downloads one artifact, trying its URLs in order.
func (d *Depot) fetch(ctx context.Context, resolved pack.Resolved) error {
	if !d.gate.Enter() {
		return ErrStopping
	}
	defer d.gate.Leave()
	if len(resolved.URLs) == 0 {
		return errors.New("No download URLs in lock")
	}
	var err error
	for _, url := range resolved.URLs {
		_, err = d.blobs.Download(ctx, url, resolved.SHA256)
		if err == nil {
			return nil
		}
	}
	return err
}
