// Package blob implements the content-addressed blob repository backing the
// depot. A blob is identified solely by the SHA256 hex digest of its bytes;
// two adoptions of identical content collapse to a single file on disk.
// Blobs live at a path derived from the digest, so the view builder can
// symlink straight at them.
//
// We have two ways content enters the store: adopting a file already on the
// local disk, and downloading from a remote URL. Both verify the digest
// before anything becomes visible under the blob path. Partial transfers are
// kept in a scratch area and are cleaned by CleanPartial, never mistaken for
// committed content.
package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/groupcache/singleflight"

	"github.com/packdepot/depot/store"
	"github.com/packdepot/depot/util"
)

// Store is a content-addressed blob repository rooted at a single directory.
// It is safe for concurrent use.
type Store struct {
	fs     *store.FileSystem
	meta   store.JSONStore    // manifests, stored next to the blobs
	table  singleflight.Group // collapse concurrent downloads. keyed by digest
	client *http.Client       // used for downloads
}

var (
	// ErrHashMismatch means content did not hash to the digest it was
	// promised to have. The open transfer is discarded; it is never
	// silently accepted.
	ErrHashMismatch = errors.New("Content does not match expected SHA256")

	// ErrBlobNotFound means there is no blob with the given digest.
	ErrBlobNotFound = errors.New("No blob with that digest")

	// ErrBadDigest means the given string is not a SHA256 hex digest.
	ErrBadDigest = errors.New("Malformed SHA256 digest")

	// ErrNoManifest means the blob exists but has no sidecar manifest.
	ErrNoManifest = errors.New("No manifest for that blob")
)

// suffix used for the manifest record kept beside a blob
const manifestSuffix = ".manifest"

// New creates a blob store rooted at the given directory. The directory is
// created lazily on first write.
func New(root string) *Store {
	fs := store.NewFileSystem(root)
	return &Store{
		fs:   fs,
		meta: store.NewJSON(fs),
		// no overall timeout. model downloads can run for hours, and
		// cancellation is the caller's job via the context.
		client: &http.Client{},
	}
}

// Path returns the place the blob with the given digest is (or would be)
// stored. It is a pure function of the digest and never touches the disk.
func (s *Store) Path(sha256 string) (string, error) {
	sha256, err := normalizeDigest(sha256)
	if err != nil {
		return "", err
	}
	return s.fs.Path(sha256), nil
}

// Has reports whether a blob with the given digest is in the store.
func (s *Store) Has(sha256 string) bool {
	p, err := s.Path(sha256)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size returns the size in bytes of the given blob.
func (s *Store) Size(sha256 string) (int64, error) {
	p, err := s.Path(sha256)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, ErrBlobNotFound
	} else if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Open returns a reader for the given blob along with its size.
func (s *Store) Open(sha256 string) (store.ReadAtCloser, int64, error) {
	sha256, err := normalizeDigest(sha256)
	if err != nil {
		return nil, 0, err
	}
	rac, size, err := s.fs.Open(sha256)
	if os.IsNotExist(err) {
		err = ErrBlobNotFound
	}
	return rac, size, err
}

// Adopt hashes the file at src and moves it into the content store. If a
// blob with that digest already exists the file is left alone and the
// existing blob is kept; adoption is idempotent. The digest of the content
// is returned either way.
func (s *Store) Adopt(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	hw := util.NewHashWriterPlain()
	_, err = io.Copy(hw, f)
	f.Close()
	if err != nil {
		return "", err
	}
	sha256 := hw.SHA256()
	if s.Has(sha256) {
		return sha256, nil
	}
	target := s.fs.Path(sha256)
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return "", err
	}
	// try a rename first. it is atomic and free. fall back to a copy when
	// src is on another filesystem.
	if err := os.Rename(src, target); err == nil {
		return sha256, nil
	}
	f, err = os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()
	err = s.writeVerified(f, sha256)
	if err != nil {
		return "", err
	}
	return sha256, nil
}

// Download fetches the given URL into the store. The content must hash to
// expected or the transfer is discarded with ErrHashMismatch, leaving no
// blob at Path(expected). If the blob is already present the fetch is
// skipped entirely. Concurrent downloads for the same digest are collapsed
// into a single transfer.
func (s *Store) Download(ctx context.Context, url, expected string) (string, error) {
	expected, err := normalizeDigest(expected)
	if err != nil {
		return "", err
	}
	_, err = s.table.Do(expected, func() (interface{}, error) {
		if s.Has(expected) {
			return nil, nil
		}
		return nil, s.download(ctx, url, expected)
	})
	if err != nil {
		return "", err
	}
	return expected, nil
}

func (s *Store) download(ctx context.Context, url, expected string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return errors.New("Download received status " + resp.Status)
	}
	return s.writeVerified(resp.Body, expected)
}

// Ingest copies r into the store, verifying the content hashes to expected
// before it becomes visible. A mismatch returns ErrHashMismatch and leaves
// no blob behind. The backup machinery restores blobs through this.
func (s *Store) Ingest(r io.Reader, expected string) error {
	expected, err := normalizeDigest(expected)
	if err != nil {
		return err
	}
	if s.Has(expected) {
		return nil
	}
	return s.writeVerified(r, expected)
}

// writeVerified copies r into the scratch area while hashing it, and only
// moves the file to its blob path if the digest comes out to expected.
// On a mismatch the scratch file is removed and ErrHashMismatch returned.
func (s *Store) writeVerified(r io.Reader, expected string) error {
	temp, err := scratchFile(s.fs.Root(), expected)
	if err != nil {
		return err
	}
	hw := util.NewHashWriter(temp)
	_, err = io.Copy(hw, r)
	err2 := temp.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(temp.Name())
		return err
	}
	if _, ok := hw.CheckSHA256(expected); !ok {
		os.Remove(temp.Name())
		return ErrHashMismatch
	}
	target := s.fs.Path(expected)
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		os.Remove(temp.Name())
		return err
	}
	if _, err := os.Stat(target); err == nil {
		// someone beat us to it. content is identical, so no harm done.
		os.Remove(temp.Name())
		return nil
	}
	return os.Rename(temp.Name(), target)
}

// Verify recomputes the digest of the stored content and compares it against
// the blob's name. It never mutates anything; a false return means the blob
// on disk is corrupt.
func (s *Store) Verify(sha256 string) (bool, error) {
	sha256, err := normalizeDigest(sha256)
	if err != nil {
		return false, err
	}
	rac, _, err := s.fs.Open(sha256)
	if os.IsNotExist(err) {
		return false, ErrBlobNotFound
	} else if err != nil {
		return false, err
	}
	defer rac.Close()
	return util.VerifyStreamHash(store.NewReader(rac), sha256)
}

// Remove deletes the underlying blob file and any manifest beside it. It
// returns false if there was no blob to remove. Reference-safety is the
// caller's responsibility, not ours.
func (s *Store) Remove(sha256 string) (bool, error) {
	sha256, err := normalizeDigest(sha256)
	if err != nil {
		return false, err
	}
	if !s.Has(sha256) {
		return false, nil
	}
	err = s.fs.Delete(sha256)
	if err != nil {
		return false, err
	}
	s.fs.Delete(sha256 + manifestSuffix) // best effort
	return true, nil
}

// List returns a channel giving the digest of every blob in the store.
// Manifest records are not included.
func (s *Store) List() <-chan string {
	out := make(chan string)
	go func() {
		for key := range s.fs.List() {
			if strings.HasSuffix(key, manifestSuffix) {
				continue
			}
			if _, err := normalizeDigest(key); err != nil {
				continue
			}
			out <- key
		}
		close(out)
	}()
	return out
}

// CleanPartial removes incomplete transfer files left behind by
// interrupted downloads. It returns the number of files removed.
func (s *Store) CleanPartial() (int, error) {
	return s.fs.CleanScratch()
}

// Underlying exposes the keyed store holding the blobs. The backup
// machinery uses it to stream content between roots.
func (s *Store) Underlying() store.Store {
	return s.fs
}

// scratchFile opens a fresh temp file in the store's scratch directory. The
// file name carries the expected digest plus a unique suffix so concurrent
// transfers never collide.
func scratchFile(root, digest string) (*os.File, error) {
	dir := filepath.Join(root, "scratch")
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	for i := 0; i < 1000; i++ {
		name := filepath.Join(dir, digest+"-"+strconv.Itoa(i))
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
	}
	return nil, errors.New("Could not create scratch file")
}

// normalizeDigest lowercases the digest and verifies it looks like a SHA256
// hex string.
func normalizeDigest(digest string) (string, error) {
	digest = strings.ToLower(digest)
	if len(digest) != 64 {
		return "", ErrBadDigest
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", ErrBadDigest
		}
	}
	return digest, nil
}
