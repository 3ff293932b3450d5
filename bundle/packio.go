package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/packdepot/depot/blob"
	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/store"
)

var (
	// ErrPackExists means an import would overwrite a pack already in the
	// depot and overwrite was not set.
	ErrPackExists = errors.New("Pack already exists")

	// ErrBlobMissing means an export needs a blob the local store does
	// not hold. Install the pack or restore from backup first.
	ErrBlobMissing = errors.New("Blob not in local store")

	// ErrBadBundle means the zip is missing the pack definition.
	ErrBadBundle = errors.New("Bundle holds no pack definition")
)

// names inside a bundle
const (
	packEntry   = "pack.json"
	lockEntry   = "lock.json"
	previewsDir = "previews"
	blobsDir    = "blobs"
)

// Service exports packs to bundles and imports bundles into a depot.
type Service struct {
	ly    *layout.Layout
	packs *pack.Repo
	blobs *blob.Store
}

func NewService(ly *layout.Layout, packs *pack.Repo, blobs *blob.Store) *Service {
	return &Service{ly: ly, packs: packs, blobs: blobs}
}

// An ExportReport says what went into a bundle.
type ExportReport struct {
	Pack     string
	Blobs    int
	Previews int
	Bytes    int64
}

// Export writes the named pack as a bundle to w: the definition, the lock
// if resolution has run, previews, and every locked blob. A locked blob
// absent from the local store fails the export, so a bundle always carries
// everything needed to recreate the pack.
func (s *Service) Export(w io.Writer, packName string) (*ExportReport, error) {
	p, err := s.packs.Load(packName)
	if err != nil {
		return nil, err
	}
	lk, err := s.packs.LoadLock(packName)
	if err == pack.ErrNoLock {
		lk = nil
	} else if err != nil {
		return nil, err
	}
	// check blob availability before writing anything
	var shas []string
	if lk != nil {
		for sha := range lk.SHAs() {
			if !s.blobs.Has(sha) {
				return nil, fmt.Errorf("%s: %w", sha, ErrBlobMissing)
			}
			shas = append(shas, sha)
		}
	}

	report := &ExportReport{Pack: packName}
	zw := NewWriter(w, packName)
	if err := s.copyFileInto(zw, packEntry, s.ly.PackFile(packName)); err != nil {
		return nil, err
	}
	if lk != nil {
		err := s.copyFileInto(zw, lockEntry, s.ly.LockFile(packName))
		if err != nil {
			return nil, err
		}
	}
	for _, name := range p.Previews {
		src := filepath.Join(s.ly.PreviewsDir(packName), name)
		err := s.copyFileInto(zw, previewsDir+"/"+name, src)
		if os.IsNotExist(err) {
			// listed but never uploaded. not fatal.
			continue
		} else if err != nil {
			return nil, err
		}
		report.Previews++
	}
	for _, sha := range shas {
		rc, size, err := s.blobs.Open(sha)
		if err != nil {
			return nil, err
		}
		out, err := zw.Create(blobsDir + "/" + sha)
		if err == nil {
			_, err = io.Copy(out, store.NewReader(rc))
		}
		rc.Close()
		if err != nil {
			return nil, err
		}
		report.Blobs++
		report.Bytes += size
	}
	return report, zw.Close()
}

func (s *Service) copyFileInto(zw *Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	out, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, f)
	return err
}

// An ImportReport says what a bundle import did.
type ImportReport struct {
	Pack     string
	Blobs    int // blobs ingested, not counting ones already present
	Previews int
}

// Import reads a bundle and recreates its pack in the depot. The whole
// bundle is verified against its manifest before anything is written, and
// each blob is additionally checked against its digest while being
// ingested. An existing pack of the same name fails with ErrPackExists
// unless overwrite is set; blobs are content addressed so re-importing
// them is always harmless.
func (s *Service) Import(r io.ReaderAt, size int64, overwrite bool) (*ImportReport, error) {
	zr, err := NewReader(r, size)
	if err != nil {
		return nil, err
	}
	if err := zr.Verify(); err != nil {
		return nil, err
	}
	rc, err := zr.Open(packEntry)
	if err != nil {
		return nil, ErrBadBundle
	}
	data, err := ioutil.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	p := new(pack.Pack)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !overwrite {
		if _, err := s.packs.Load(p.Name); err == nil {
			return nil, ErrPackExists
		} else if err != pack.ErrPackNotFound {
			return nil, err
		}
	}

	var lk *pack.Lock
	rc, err = zr.Open(lockEntry)
	if err == nil {
		data, err := ioutil.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		lk = new(pack.Lock)
		if err := json.Unmarshal(data, lk); err != nil {
			return nil, err
		}
		lk.Pack = p.Name
	}

	report := &ImportReport{Pack: p.Name}
	// blobs first so the pack never exists without its content
	for _, name := range zr.Files() {
		dir, base := filepath.Split(name)
		if dir != blobsDir+"/" {
			continue
		}
		if s.blobs.Has(base) {
			continue
		}
		rc, err := zr.Open(name)
		if err != nil {
			return nil, err
		}
		err = s.blobs.Ingest(rc, base)
		rc.Close()
		if err != nil {
			return nil, err
		}
		report.Blobs++
	}
	if err := s.packs.Save(p); err != nil {
		return nil, err
	}
	if lk != nil {
		if err := s.packs.SaveLock(lk); err != nil {
			return nil, err
		}
	}
	for _, name := range zr.Files() {
		dir, base := filepath.Split(name)
		if dir != previewsDir+"/" {
			continue
		}
		dst := s.ly.PreviewsDir(p.Name)
		if err := os.MkdirAll(dst, 0777); err != nil {
			return nil, err
		}
		rc, err := zr.Open(name)
		if err != nil {
			return nil, err
		}
		err = writeFile(filepath.Join(dst, base), rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		report.Previews++
	}
	return report, nil
}

func writeFile(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	return err
}
