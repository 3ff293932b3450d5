// Package inventory classifies every blob the depot knows about by walking
// all pack locks and building a reverse index from digest to referencing
// packs. The classification drives orphan cleanup and the delete guard
// rails: cleanup only ever touches blobs no lock references.
package inventory

import (
	"sort"

	"github.com/packdepot/depot/backup"
	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/pack"
)

// Blob statuses.
const (
	StatusReferenced = "REFERENCED"  // local, referenced by at least one lock
	StatusOrphan     = "ORPHAN"      // local, referenced by nothing
	StatusMissing    = "MISSING"     // referenced, but no copy exists anywhere
	StatusBackupOnly = "BACKUP_ONLY" // only the backup has a copy
)

// Blob locations.
const (
	LocalOnly  = "LOCAL_ONLY"
	BackupOnly = "BACKUP_ONLY"
	Both       = "BOTH"
	Nowhere    = "NOWHERE"
)

// An Item is the classification of one blob.
type Item struct {
	SHA256   string
	Status   string
	Location string
	RefCount int
	Packs    []string // referencing packs, sorted
	Size     int64    // local size; zero when not local
}

// Service builds inventories over the pack repo, blob store, and backup.
type Service struct {
	packs  *pack.Repo
	blobs  *blob.Store
	backup *backup.Service
}

func NewService(packs *pack.Repo, blobs *blob.Store, bk *backup.Service) *Service {
	return &Service{packs: packs, blobs: blobs, backup: bk}
}

// refIndex maps every referenced digest to the packs referencing it.
func (s *Service) refIndex() (map[string][]string, error) {
	index := make(map[string][]string)
	names, err := s.packs.List()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		lk, err := s.packs.LoadLock(name)
		if err == pack.ErrNoLock {
			continue
		} else if err != nil {
			return nil, err
		}
		for sha256 := range lk.SHAs() {
			index[sha256] = append(index[sha256], name)
		}
	}
	for _, packs := range index {
		sort.Strings(packs)
	}
	return index, nil
}

// GetInventory classifies every blob: all local blobs, every lock-referenced
// digest, and any backup-only strays. Items are sorted by digest.
func (s *Service) GetInventory() ([]Item, error) {
	index, err := s.refIndex()
	if err != nil {
		return nil, err
	}
	backupKeys := s.backup.Keys()

	seen := make(map[string]bool)
	var items []Item
	add := func(sha256 string) {
		if seen[sha256] {
			return
		}
		seen[sha256] = true
		items = append(items, s.classify(sha256, index, backupKeys))
	}
	for sha256 := range s.blobs.List() {
		add(sha256)
	}
	for sha256 := range index {
		add(sha256)
	}
	for sha256 := range backupKeys {
		add(sha256)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SHA256 < items[j].SHA256 })
	return items, nil
}

func (s *Service) classify(sha256 string, index map[string][]string, backupKeys map[string]bool) Item {
	item := Item{
		SHA256: sha256,
		Packs:  index[sha256],
	}
	item.RefCount = len(item.Packs)
	local := s.blobs.Has(sha256)
	inBackup := backupKeys[sha256]
	switch {
	case local && inBackup:
		item.Location = Both
	case local:
		item.Location = LocalOnly
	case inBackup:
		item.Location = BackupOnly
	default:
		item.Location = Nowhere
	}
	switch {
	case local && item.RefCount > 0:
		item.Status = StatusReferenced
	case local:
		item.Status = StatusOrphan
	case inBackup:
		item.Status = StatusBackupOnly
	default:
		item.Status = StatusMissing
	}
	if local {
		item.Size, _ = s.blobs.Size(sha256)
	}
	return item
}

// An ItemError is a per-blob cleanup failure.
type ItemError struct {
	SHA256 string
	Err    string
}

// A CleanupReport summarizes one CleanupOrphans run.
type CleanupReport struct {
	Examined   int
	Deleted    int
	BytesFreed int64
	DryRun     bool
	Errors     []ItemError
}

// CleanupOrphans deletes local blobs no pack lock references. Referenced
// blobs are never deleted, whatever the store state. maxItems caps how many
// blobs one run removes; zero or negative means no cap. With dryRun set the
// report counts what would go without deleting anything.
func (s *Service) CleanupOrphans(dryRun bool, maxItems int) (*CleanupReport, error) {
	index, err := s.refIndex()
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{DryRun: dryRun}
	for sha256 := range s.blobs.List() {
		report.Examined++
		if len(index[sha256]) > 0 {
			continue
		}
		if maxItems > 0 && report.Deleted >= maxItems {
			continue
		}
		size, _ := s.blobs.Size(sha256)
		if dryRun {
			report.Deleted++
			report.BytesFreed += size
			continue
		}
		removed, err := s.blobs.Remove(sha256)
		if err != nil {
			report.Errors = append(report.Errors, ItemError{SHA256: sha256, Err: err.Error()})
			continue
		}
		if removed {
			report.Deleted++
			report.BytesFreed += size
		}
	}
	return report, nil
}

// Impacts describes what deleting a blob would break.
type Impacts struct {
	SHA256       string
	RefCount     int
	Packs        []string // packs that would break
	SafeToDelete bool     // no references
	LastCopy     bool     // deleting locally would leave zero copies
}

// BlobImpacts reports whether the blob can be deleted safely and which
// packs depend on it.
func (s *Service) BlobImpacts(sha256 string) (*Impacts, error) {
	index, err := s.refIndex()
	if err != nil {
		return nil, err
	}
	packs := index[sha256]
	return &Impacts{
		SHA256:       sha256,
		RefCount:     len(packs),
		Packs:        packs,
		SafeToDelete: len(packs) == 0,
		LastCopy:     s.backup.IsLastCopy(sha256, backup.SideLocal),
	}, nil
}
