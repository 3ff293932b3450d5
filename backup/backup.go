// Package backup mirrors the blob store into a secondary root and restores
// from it. The backup root holds the same data/blobs/sha256 subtree as the
// depot, either on a local (possibly removable) filesystem or in S3. Every
// copy is verified in the direction it travels: a backup is hashed as it is
// written to the target, a restore is hashed before it becomes a local
// blob. Corrupt copies are never silently accepted or repaired.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/store"
	"github.com/packdepot/depot/util"
)

var (
	// ErrNotEnabled means no backup root is configured and enabled.
	ErrNotEnabled = errors.New("Backup is not enabled")

	// ErrNotConnected means the backup root is unreachable, e.g. an
	// unmounted drive or an unreachable bucket.
	ErrNotConnected = errors.New("Backup root is not reachable")

	// ErrNotInBackup means the backup has no copy of the blob.
	ErrNotInBackup = errors.New("Blob is not in the backup")

	// ErrConfirmRequired means a destructive operation was called without
	// its confirmation flag.
	ErrConfirmRequired = errors.New("Operation requires explicit confirmation")

	// ErrInsufficientSpace means the local filesystem cannot hold a
	// restored blob.
	ErrInsufficientSpace = errors.New("Not enough free space to restore")

	// ErrNowhere means the blob exists neither locally nor in the backup.
	ErrNowhere = errors.New("Blob is available nowhere")
)

// Sync directions.
const (
	DirectionBackup  = "backup"  // local -> backup
	DirectionRestore = "restore" // backup -> local
)

// Sides a blob copy can live on, for delete guard rails.
const (
	SideLocal  = "local"
	SideBackup = "backup"
)

// A Service copies blobs between the local store and the configured backup
// target.
type Service struct {
	ly    *layout.Layout
	blobs *blob.Store
}

func NewService(ly *layout.Layout, blobs *blob.Store) *Service {
	return &Service{ly: ly, blobs: blobs}
}

// target returns the backup store per the current configuration. A root of
// the form "s3:bucket/prefix" is an S3 target; anything else is a
// directory mirroring the blob subtree.
func (s *Service) target() (store.Store, error) {
	cfg, err := s.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Backup.Enabled || cfg.Backup.Root == "" {
		return nil, ErrNotEnabled
	}
	if strings.HasPrefix(cfg.Backup.Root, "s3:") {
		loc := strings.TrimPrefix(cfg.Backup.Root, "s3:")
		var bucket, prefix string
		if i := strings.Index(loc, "/"); i >= 0 {
			bucket, prefix = loc[:i], loc[i+1:]
		} else {
			bucket = loc
		}
		sess, err := session.NewSession(aws.NewConfig())
		if err != nil {
			return nil, ErrNotConnected
		}
		return store.NewS3(bucket, prefix, sess), nil
	}
	// the configured root must already exist. a missing directory usually
	// means an unmounted drive, and creating it would hide that.
	if _, err := os.Stat(cfg.Backup.Root); err != nil {
		return nil, ErrNotConnected
	}
	dir := filepath.Join(cfg.Backup.Root, "data", "blobs", "sha256")
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, ErrNotConnected
	}
	return store.NewFileSystem(dir), nil
}

// Status reports configuration, connectivity, and backup totals.
type Status struct {
	Enabled   bool
	Root      string
	Connected bool
	Blobs     int
	Bytes     int64
}

// GetStatus probes the backup target and counts its blobs.
func (s *Service) GetStatus() (*Status, error) {
	cfg, err := s.ly.ReadConfig()
	if err != nil {
		return nil, err
	}
	st := &Status{Enabled: cfg.Backup.Enabled, Root: cfg.Backup.Root}
	target, err := s.target()
	if err == ErrNotEnabled {
		return st, nil
	} else if err == ErrNotConnected {
		return st, nil
	} else if err != nil {
		return nil, err
	}
	st.Connected = true
	for key := range target.List() {
		r, size, err := target.Open(key)
		if err != nil {
			continue
		}
		r.Close()
		st.Blobs++
		st.Bytes += size
	}
	return st, nil
}

// BackupBlob copies one local blob to the backup target, verifying the
// bytes as they are written. A blob already in the backup is a no-op.
func (s *Service) BackupBlob(sha256 string) error {
	target, err := s.target()
	if err != nil {
		return err
	}
	return s.backupTo(target, sha256)
}

func (s *Service) backupTo(target store.Store, sha256 string) error {
	if !s.blobs.Has(sha256) {
		return blob.ErrBlobNotFound
	}
	if inStore(target, sha256) {
		return nil
	}
	src, _, err := s.blobs.Open(sha256)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := target.Create(sha256)
	if err != nil {
		return err
	}
	hw := util.NewHashWriter(w)
	_, err = io.Copy(hw, store.NewReader(src))
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		target.Delete(sha256)
		return err
	}
	if _, ok := hw.CheckSHA256(sha256); !ok {
		target.Delete(sha256)
		return blob.ErrHashMismatch
	}
	return nil
}

// RestoreBlob copies one blob from the backup target into the local store.
// The content is verified before it becomes a local blob; a corrupt backup
// copy fails and leaves nothing locally. A blob already local is a no-op.
func (s *Service) RestoreBlob(sha256 string) error {
	target, err := s.target()
	if err != nil {
		return err
	}
	return s.restoreFrom(target, sha256)
}

func (s *Service) restoreFrom(target store.Store, sha256 string) error {
	if s.blobs.Has(sha256) {
		return nil
	}
	src, size, err := target.Open(sha256)
	if err != nil {
		return ErrNotInBackup
	}
	defer src.Close()
	if err := checkFreeSpace(s.ly.BlobRoot(), size); err != nil {
		return err
	}
	return s.blobs.Ingest(store.NewReader(src), sha256)
}

// An ItemError is a per-blob failure inside a Sync.
type ItemError struct {
	SHA256 string
	Err    string
}

// A SyncReport summarizes one Sync run.
type SyncReport struct {
	Direction  string
	Considered int
	Copied     int
	Bytes      int64
	DryRun     bool
	Errors     []ItemError
}

// Sync copies every blob absent from the destination side, verifying each
// copy. Per-blob failures are collected and the sync continues; partial
// success is normal and visible in the report. With dryRun set the report
// says what would be copied without moving bytes.
func (s *Service) Sync(direction string, dryRun bool) (*SyncReport, error) {
	target, err := s.target()
	if err != nil {
		return nil, err
	}
	report := &SyncReport{Direction: direction, DryRun: dryRun}
	switch direction {
	case DirectionBackup:
		for sha256 := range s.blobs.List() {
			report.Considered++
			if inStore(target, sha256) {
				continue
			}
			size, _ := s.blobs.Size(sha256)
			if dryRun {
				report.Copied++
				report.Bytes += size
				continue
			}
			if err := s.backupTo(target, sha256); err != nil {
				report.Errors = append(report.Errors, ItemError{SHA256: sha256, Err: err.Error()})
				continue
			}
			report.Copied++
			report.Bytes += size
		}
	case DirectionRestore:
		for key := range target.List() {
			report.Considered++
			if s.blobs.Has(key) {
				continue
			}
			if dryRun {
				report.Copied++
				continue
			}
			if err := s.restoreFrom(target, key); err != nil {
				report.Errors = append(report.Errors, ItemError{SHA256: key, Err: err.Error()})
				continue
			}
			size, _ := s.blobs.Size(key)
			report.Copied++
			report.Bytes += size
		}
	default:
		return nil, fmt.Errorf("unknown sync direction %q", direction)
	}
	return report, nil
}

// Location says where copies of a blob exist.
type Location struct {
	Local  bool
	Backup bool
}

// Locate probes both sides. With backup unconfigured or unreachable the
// backup side reads false.
func (s *Service) Locate(sha256 string) Location {
	loc := Location{Local: s.blobs.Has(sha256)}
	target, err := s.target()
	if err == nil {
		loc.Backup = inStore(target, sha256)
	}
	return loc
}

// IsLastCopy reports whether removing the blob from the given side would
// leave zero copies anywhere.
func (s *Service) IsLastCopy(sha256, side string) bool {
	loc := s.Locate(sha256)
	switch side {
	case SideLocal:
		return loc.Local && !loc.Backup
	case SideBackup:
		return loc.Backup && !loc.Local
	}
	return false
}

// DeleteWarning describes the consequences of deleting a blob from one
// side, for the caller to show before confirming.
func (s *Service) DeleteWarning(sha256, side string) string {
	if s.IsLastCopy(sha256, side) {
		return "This is the only copy of the blob. Deleting it loses the content permanently."
	}
	loc := s.Locate(sha256)
	switch {
	case side == SideLocal && loc.Backup:
		return "A backup copy exists; the blob can be restored later."
	case side == SideBackup && loc.Local:
		return "The local copy remains; the blob will no longer be backed up."
	}
	return ""
}

// DeleteFromBackup removes the blob's backup copy. It refuses to run
// without the confirmation flag.
func (s *Service) DeleteFromBackup(sha256 string, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	target, err := s.target()
	if err != nil {
		return err
	}
	if !inStore(target, sha256) {
		return ErrNotInBackup
	}
	return target.Delete(sha256)
}

// EnsureLocal makes the blob locally available, restoring from backup when
// possible. A blob available nowhere returns ErrNowhere. This is the hook
// view materialization calls before building.
func (s *Service) EnsureLocal(sha256 string) error {
	if s.blobs.Has(sha256) {
		return nil
	}
	target, err := s.target()
	if err != nil {
		return ErrNowhere
	}
	err = s.restoreFrom(target, sha256)
	if err == ErrNotInBackup {
		return ErrNowhere
	}
	return err
}

// Keys returns the set of digests present in the backup. With no backup
// enabled or reachable the set is nil; callers treat that as "backup side
// unknown, assume absent".
func (s *Service) Keys() map[string]bool {
	target, err := s.target()
	if err != nil {
		return nil
	}
	keys := make(map[string]bool)
	for key := range target.List() {
		keys[key] = true
	}
	return keys
}

// inStore probes a store for a key without reading the content.
func inStore(s store.Store, key string) bool {
	r, _, err := s.Open(key)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// checkFreeSpace verifies the filesystem holding dir can take size more
// bytes, with some slack so a restore cannot fill the disk completely.
func checkFreeSpace(dir string, size int64) error {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		// an unstatable root will fail the write anyway
		return nil
	}
	free := int64(fs.Bavail) * fs.Bsize
	const slack = 64 << 20
	if free < size+slack {
		return ErrInsufficientSpace
	}
	return nil
}
