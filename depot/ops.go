package depot

import (
	"io"
	"log"

	"github.com/packdepot/depot/backup"
	"github.com/packdepot/depot/bundle"
	"github.com/packdepot/depot/inventory"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/profile"
	"github.com/packdepot/depot/update"
	"github.com/packdepot/depot/view"
)

// Use overlays the pack's work profile on the given targets.
func (d *Depot) Use(packName string, targets []string) (*profile.UseResult, error) {
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return d.profiles.Use(packName, targets)
}

// Back pops each target's profile stack one level.
func (d *Depot) Back(targets []string) ([]profile.BackResult, error) {
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return d.profiles.Back(targets)
}

// A TargetStatus describes one target's runtime state.
type TargetStatus struct {
	Target string
	Stack  []string
	Active string // the symlinked profile, empty when never activated
}

// Status reports every configured target's stack and active profile. Targets
// present only in runtime.json (configured once, since removed) are included
// too.
func (d *Depot) Status() ([]TargetStatus, error) {
	cfg, err := d.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := profile.LoadRuntime(d.ly)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for name := range cfg.Targets {
		seen[name] = true
		names = append(names, name)
	}
	for name := range rt.Targets {
		if !seen[name] {
			names = append(names, name)
		}
	}
	builder := view.NewBuilder(d.ly, d.blobs)
	var result []TargetStatus
	for _, name := range names {
		ts := TargetStatus{Target: name, Stack: rt.Stack(name)}
		active, err := builder.ActiveProfile(name)
		if err == nil {
			ts.Active = active
		} else if err != view.ErrNoActive {
			return nil, err
		}
		result = append(result, ts)
	}
	return result, nil
}

// Profiles exposes the profile repository for listing and direct edits.
func (d *Depot) Profiles() *profile.Repo {
	return d.profiles.Repo()
}

// CheckUpdates plans updates for one pack without touching anything.
func (d *Depot) CheckUpdates(packName string) (*update.Plan, error) {
	if d.resolver == nil {
		return nil, ErrNoResolver
	}
	return d.updates.Plan(packName)
}

// Update plans and applies updates for one pack. choices picks candidates
// for ambiguous dependencies by index; unlisted ambiguities are skipped.
// New artifacts are not downloaded here; run Install afterwards.
func (d *Depot) Update(packName string, choices map[string]int, dryRun bool) (*update.Applied, error) {
	if d.resolver == nil {
		return nil, ErrNoResolver
	}
	plan, err := d.updates.Plan(packName)
	if err != nil {
		return nil, err
	}
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return d.updates.Apply(packName, plan, choices, dryRun)
}

// GetInventory classifies every blob the depot knows about.
func (d *Depot) GetInventory() ([]inventory.Item, error) {
	return d.inventory.GetInventory()
}

// CleanupOrphans deletes locally stored blobs no lock references.
func (d *Depot) CleanupOrphans(dryRun bool, maxItems int) (*inventory.CleanupReport, error) {
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return d.inventory.CleanupOrphans(dryRun, maxItems)
}

// BlobImpacts reports what deleting a blob would break.
func (d *Depot) BlobImpacts(sha256 string) (*inventory.Impacts, error) {
	return d.inventory.BlobImpacts(sha256)
}

// AdoptBlob hashes the file at src and moves it into the blob store.
func (d *Depot) AdoptBlob(src string) (string, error) {
	return d.blobs.Adopt(src)
}

// DeleteBlob removes one copy of a blob, from either the local store or the
// backup. Deleting the last copy anywhere requires force. The returned
// warning, when non-empty, names the copy that remains.
func (d *Depot) DeleteBlob(sha256, side string, force bool) (string, error) {
	if side != backup.SideLocal && side != backup.SideBackup {
		return "", ErrBadSide
	}
	if !force && d.backup.IsLastCopy(sha256, side) {
		return "", backup.ErrConfirmRequired
	}
	warning := d.backup.DeleteWarning(sha256, side)
	l, err := d.lock()
	if err != nil {
		return "", err
	}
	defer l.Unlock()
	if side == backup.SideLocal {
		_, err = d.blobs.Remove(sha256)
		return warning, err
	}
	return warning, d.backup.DeleteFromBackup(sha256, true)
}

// BackupStatus reports the backup target's reachability and contents.
func (d *Depot) BackupStatus() (*backup.Status, error) {
	return d.backup.GetStatus()
}

// BackupBlob copies one blob to the backup target.
func (d *Depot) BackupBlob(sha256 string) error {
	return d.backup.BackupBlob(sha256)
}

// RestoreBlob copies one blob from the backup target into the local store.
func (d *Depot) RestoreBlob(sha256 string) error {
	return d.backup.RestoreBlob(sha256)
}

// SyncBackup copies every blob missing on the direction's far side.
func (d *Depot) SyncBackup(direction string, dryRun bool) (*backup.SyncReport, error) {
	return d.backup.Sync(direction, dryRun)
}

// ConfigureBackup sets the backup target in the depot config. An empty root
// disables backup.
func (d *Depot) ConfigureBackup(root string, enabled bool) error {
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	cfg, err := d.ly.ReadConfig()
	if err != nil {
		return err
	}
	cfg.Backup = layout.BackupConfig{Root: root, Enabled: enabled}
	return d.ly.WriteConfig(cfg)
}

// ConfigureTarget sets a target's kind-to-directory mapping.
func (d *Depot) ConfigureTarget(name string, kindPaths map[string]string) error {
	if err := layout.CheckName(name); err != nil {
		return err
	}
	l, err := d.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	cfg, err := d.ly.ReadConfig()
	if err != nil {
		return err
	}
	cfg.Targets[name] = layout.Target{KindPaths: kindPaths}
	return d.ly.WriteConfig(cfg)
}

// ExportPack writes the pack and its content as a bundle to w.
func (d *Depot) ExportPack(w io.Writer, packName string) (*bundle.ExportReport, error) {
	return bundle.NewService(d.ly, d.packs, d.blobs).Export(w, packName)
}

// ImportPack recreates a pack from a bundle.
func (d *Depot) ImportPack(r io.ReaderAt, size int64, overwrite bool) (*bundle.ImportReport, error) {
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	return bundle.NewService(d.ly, d.packs, d.blobs).Import(r, size, overwrite)
}

// A DoctorReport summarizes one Doctor pass.
type DoctorReport struct {
	Rebuilt         map[string]*view.Report
	Gaps            []view.Gap
	PartialRemoved  int
	ProfilesDropped int // work profiles no stack references
	Errors          []string
}

// Doctor converges the depot after crashes or partial failures. Every
// configured target's view is rebuilt and reactivated from its current top
// of stack, work profiles no stack references anymore are dropped,
// and abandoned partial downloads are swept. Per-target failures
// are collected so one broken target does not stop the rest.
func (d *Depot) Doctor() (*DoctorReport, error) {
	l, err := d.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()
	cfg, err := d.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	report := &DoctorReport{Rebuilt: make(map[string]*view.Report)}
	for name := range cfg.Targets {
		r, gaps, err := d.profiles.Rebuild(name)
		if err != nil {
			log.Printf("doctor: rebuild %s: %s", name, err)
			report.Errors = append(report.Errors, name+": "+err.Error())
			continue
		}
		report.Rebuilt[name] = r
		report.Gaps = append(report.Gaps, gaps...)
	}
	rt, err := profile.LoadRuntime(d.ly)
	if err == nil {
		names, _ := d.profiles.Repo().List()
		for _, name := range names {
			if !profile.IsWork(name) || rt.Referenced(name) {
				continue
			}
			if err := d.profiles.Repo().Delete(name); err != nil {
				report.Errors = append(report.Errors, name+": "+err.Error())
				continue
			}
			report.ProfilesDropped++
		}
	} else {
		report.Errors = append(report.Errors, "runtime: "+err.Error())
	}
	n, err := d.blobs.CleanPartial()
	if err != nil {
		report.Errors = append(report.Errors, "scratch: "+err.Error())
	}
	report.PartialRemoved = n
	return report, nil
}
