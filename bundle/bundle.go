// Package bundle reads and writes pack bundles, the interchange format for
// moving a pack between depots. A bundle is a zip file holding the pack
// definition, its lock, any previews, and the blobs the lock references,
// plus a sha256 manifest covering every payload file. The zip uses no
// compression since model blobs do not compress.
//
// The interface mirrors archive/zip as much as possible. Checksums are
// calculated for each file when a bundle is written. When reading, call
// Verify to check the whole bundle; Open by itself does not checksum.
package bundle

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/packdepot/depot/util"
)

const manifestName = "manifest-sha256.txt"

var (
	// ErrNotFound means the bundle holds no file with the given name.
	ErrNotFound = errors.New("stream not found")

	// ErrNoBundleManifest means the zip has no sha256 manifest, so it is
	// not a bundle this package wrote.
	ErrNoBundleManifest = errors.New("bundle has no sha256 manifest")

	// ErrCorrupt means a payload file does not match its manifest entry.
	ErrCorrupt = errors.New("bundle content does not match its manifest")
)

// Writer writes a new bundle. When it is closed the manifest is written
// out. It is not goroutine safe.
type Writer struct {
	z        *zip.Writer
	dirname  string            // directory the bundle unpacks into, with slash
	manifest map[string]string // payload name to sha256 hex
	hw       *util.HashWriter  // hashes the file currently being written
	current  string            // name of that file
}

// NewWriter returns a bundle writer serializing to w. The name sets the
// directory the bundle unpacks into, conventionally the pack name.
func NewWriter(w io.Writer, name string) *Writer {
	return &Writer{
		z:        zip.NewWriter(w),
		dirname:  name + "/",
		manifest: make(map[string]string),
	}
}

// Create starts a new file inside the bundle. Any previously created file
// is finished. The returned writer is valid until the next Create or Close.
func (w *Writer) Create(name string) (io.Writer, error) {
	w.closeCurrent()
	header := zip.FileHeader{
		Name:   w.dirname + name,
		Method: zip.Store,
	}
	header.SetModTime(time.Now())
	out, err := w.z.CreateHeader(&header)
	if err != nil {
		return nil, err
	}
	w.hw = util.NewHashWriter(out)
	w.current = name
	return w.hw, nil
}

// closeCurrent records the checksum of the file being written, if any.
func (w *Writer) closeCurrent() {
	if w.hw != nil {
		w.manifest[w.current] = w.hw.SHA256()
		w.hw = nil
	}
}

// Close writes the manifest and closes the zip stream. It does not close
// the io.Writer given to NewWriter.
func (w *Writer) Close() error {
	w.closeCurrent()
	header := zip.FileHeader{
		Name:   w.dirname + manifestName,
		Method: zip.Deflate,
	}
	header.SetModTime(time.Now())
	out, err := w.z.CreateHeader(&header)
	if err != nil {
		return err
	}
	// sorted so two bundles of the same content are comparable
	names := make([]string, 0, len(w.manifest))
	for name := range w.manifest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// two spaces to match sha256sum output
		fmt.Fprintf(out, "%s  %s\n", w.manifest[name], name)
	}
	return w.z.Close()
}

// Reader reads a bundle.
type Reader struct {
	z        *zip.Reader
	dirname  string
	manifest map[string]string
}

// NewReader opens the bundle in r, using size to locate the zip directory
// at the end. The manifest is read immediately; payload checksums are not
// verified until Verify is called. Closing a Reader is not needed.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	z, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	result := &Reader{z: z, manifest: make(map[string]string)}
	if len(z.File) > 0 {
		paths := strings.SplitN(z.File[0].Name, "/", 2)
		if len(paths) == 2 {
			result.dirname = paths[0]
		}
	}
	if err := result.readManifest(); err != nil {
		return nil, err
	}
	return result, nil
}

// Name returns the directory name the bundle unpacks into.
func (r *Reader) Name() string {
	return r.dirname
}

func (r *Reader) readManifest() error {
	rc, err := r.open(manifestName)
	if err == ErrNotFound {
		return ErrNoBundleManifest
	} else if err != nil {
		return err
	}
	defer rc.Close()
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := scanner.Text()
		i := strings.Index(line, "  ")
		if i <= 0 {
			continue
		}
		r.manifest[line[i+2:]] = line[:i]
	}
	return scanner.Err()
}

// Files lists every payload file in the manifest, sorted.
func (r *Reader) Files() []string {
	names := make([]string, 0, len(r.manifest))
	for name := range r.manifest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checksum returns the manifest's sha256 hex digest for the named file, or
// the empty string when the manifest does not list it.
func (r *Reader) Checksum(name string) string {
	return r.manifest[name]
}

// Open returns a reader for the named payload file.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	if _, ok := r.manifest[name]; !ok {
		return nil, ErrNotFound
	}
	return r.open(name)
}

func (r *Reader) open(name string) (io.ReadCloser, error) {
	xname := r.dirname + "/" + name
	for _, f := range r.z.File {
		if f.Name == xname {
			return f.Open()
		}
	}
	return nil, ErrNotFound
}

// Verify checksums every payload file against the manifest. The first
// mismatch or missing file fails the whole bundle.
func (r *Reader) Verify() error {
	for name, digest := range r.manifest {
		rc, err := r.open(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, ErrCorrupt)
		}
		ok, err := util.VerifyStreamHash(rc, digest)
		rc.Close()
		// a read error here is the zip layer noticing the damage first
		if err != nil || !ok {
			return fmt.Errorf("%s: %w", name, ErrCorrupt)
		}
	}
	return nil
}
