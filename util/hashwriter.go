package util

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// VerifyStreamHash checksums the given io.Reader and compares the result
// against the provided sha256 hex digest. It returns true if they match.
// An empty goal digest is treated as matching. The reader is not closed
// when finished.
func VerifyStreamHash(r io.Reader, sha256hex string) (bool, error) {
	if sha256hex == "" {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	_, ok := hw.CheckSHA256(sha256hex)
	return ok, err
}

// A HashWriter wraps an io.Writer and also calculates the SHA256 hash of the
// bytes written. Blob identity in the depot is the SHA256 of the content, so
// every path that stores bytes funnels through one of these.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	sha256    hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.sha256)
	return hw
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output
// stream. It will just compute the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		sha256: sha256.New(),
	}
	hw.Writer = hw.sha256
	return hw
}

// SHA256 returns the hex encoded SHA256 digest of everything written so far.
func (hw *HashWriter) SHA256() string {
	return hex.EncodeToString(hw.sha256.Sum(nil))
}

// CheckSHA256 returns the hex SHA256 digest for this writer, and compares it
// for equality with the goal digest passed in. Returns true if goal matches,
// false otherwise. If the goal is empty then it is treated as matching, and
// true is returned.
func (hw *HashWriter) CheckSHA256(goal string) (string, bool) {
	computed := hw.SHA256()
	ok := goal == "" || goal == computed
	return computed, ok
}
