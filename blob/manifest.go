package blob

import (
	"os"
	"time"
)

// A Manifest records where a blob came from and what it is. It is optional
// sidecar metadata; losing a manifest never affects the content itself. The
// record is stored beside the blob as JSON.
type Manifest struct {
	// the digest this manifest describes
	SHA256 string

	// the filename the content had at its source
	Filename string

	// the asset kind, e.g. "weights", "config", "tokenizer"
	Kind string

	// provenance of the content
	Provider  string
	ModelID   string
	VersionID string

	// when the blob entered the store
	Added time.Time
}

// SaveManifest writes the sidecar record for the given blob. The digest in
// the manifest must name an existing blob.
func (s *Store) SaveManifest(m Manifest) error {
	sha256, err := normalizeDigest(m.SHA256)
	if err != nil {
		return err
	}
	if !s.Has(sha256) {
		return ErrBlobNotFound
	}
	m.SHA256 = sha256
	if m.Added.IsZero() {
		m.Added = time.Now()
	}
	return s.meta.Save(sha256+manifestSuffix, &m)
}

// Manifest loads the sidecar record for the given blob. A blob with no
// manifest returns ErrNoManifest.
func (s *Store) Manifest(sha256 string) (Manifest, error) {
	var m Manifest
	sha256, err := normalizeDigest(sha256)
	if err != nil {
		return m, err
	}
	err = s.meta.Open(sha256+manifestSuffix, &m)
	if os.IsNotExist(err) {
		err = ErrNoManifest
	}
	return m, err
}
