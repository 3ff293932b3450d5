package store

import (
	"errors"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
)

// FileSystem implements the simple file system based store. Files are
// sharded into subdirectories keyed by the first two characters of the key,
// which matches the on-disk contract for the blob area:
//
//	<root>/<key[0:2]>/<key>
//
// The keys are used as file names. This means keys should not contain a
// forward slash character '/'. Since depot keys are hex digests (possibly
// with a ".manifest" suffix) this works out.
type FileSystem struct {
	root string
}

const (
	// the subdir to store files while they are being written to. Files
	// here are in-progress transfers, and are never confused with
	// committed content.
	scratchdir = "scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}

	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrKeyContainsSlash means the key provided contains a forward slash '/'
	ErrKeyContainsSlash = errors.New("Key contains forward slash")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsWhiteSpace means the key provided contains WhiteSpace
	ErrKeyContainsWhiteSpace = errors.New("Key contains White Space")

	// ErrKeyContainsControlChar means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// Root returns the base directory of this store.
func (s *FileSystem) Root() string {
	return s.root
}

// Path returns the place the given key is (or would be) stored on disk.
// It is a pure function of the key and never touches the disk.
func (s *FileSystem) Path(key string) string {
	return filepath.Join(s.root, keySubdir(key), key)
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go walkTree(c, s.root, 0)
	return c
}

// Perform depth first walk of file tree at root, emitting all keys on channel
// out. Be careful to only open directories and stat files, since the tree may
// be very large. The scratch directory is skipped since it holds partial
// transfers, not content.
//
// If level is 0, the channel is closed when the function exits.
func walkTree(out chan<- string, root string, level int) {
	if level == 0 {
		defer close(out)
	}
	f, err := os.Open(root)
	if err != nil {
		log.Println(err)
		raven.CaptureError(err, nil)
		return
	}
	defer f.Close()
	for {
		entries, err := f.Readdir(1000)
		if err == io.EOF {
			return
		} else if err != nil {
			// we have no other way of passing this error back
			log.Println(err)
			raven.CaptureError(err, nil)
			return
		}
		for _, e := range entries {
			// only descend one directory down, and only
			// list files at that level. 0/1
			if e.IsDir() {
				if level == 0 && e.Name() != scratchdir {
					p := filepath.Join(root, e.Name())
					walkTree(out, p, level+1)
				}
				continue
			}
			if level != 1 {
				continue
			}
			out <- e.Name()
		}
	}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*"
	case 1:
		glob = prefix + "*"
	default:
		glob = prefix[0:2]
	}
	glob = filepath.Join(s.root, glob, prefix+"*")
	matches, err := filepath.Glob(glob)
	var result []string
	if err == nil {
		for _, m := range matches {
			// in-progress transfers are not content
			if path.Base(filepath.Dir(m)) == scratchdir {
				continue
			}
			result = append(result, path.Base(m))
		}
	}
	return result, err
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if strings.Contains(key, "/") {
		return nil, 0, ErrKeyContainsSlash
	}
	f, err := os.Open(s.Path(key))
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Create creates a new entry with the given key, and a writer to allow for
// saving data into the new entry. The data is written to the scratch
// directory first, and only moved into its final place when the writer is
// closed. An interrupted transfer never leaves a half-written key behind.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	// Perform Key Name Validation
	err := isKeyValid(key)
	if err != nil {
		return nil, err
	}
	var w io.WriteCloser
	// first set up the eventual home dir of this file
	target, err := s.setupSubDir(keySubdir(key), key)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(target)
	if !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	// now set up the scratch location we will temporarily save the file to
	temp, err := s.setupSubDir(scratchdir, key)
	if err != nil {
		return nil, err
	}
	// pass the O_EXCL flag explicitly to prevent overwriting
	// already existing files
	w, err = os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}
	return &moveCloser{w, temp, target}, nil
}

// CleanScratch removes any files left in the scratch directory by
// interrupted transfers. It returns the number of files removed.
func (s *FileSystem) CleanScratch() (int, error) {
	dir := filepath.Join(s.root, scratchdir)
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return 0, err
	}
	var n int
	for _, name := range names {
		err1 := os.Remove(filepath.Join(dir, name))
		if err1 != nil {
			if err == nil {
				err = err1
			}
			continue
		}
		n++
	}
	return n, err
}

// setupSubDir makes sure the given subdirectory exists under the root, and
// then returns the absolute path to the keyed file, and an optional error.
func (s *FileSystem) setupSubDir(subdir, key string) (string, error) {
	dir := filepath.Join(s.root, subdir)
	err := os.MkdirAll(dir, 0775)
	return filepath.Join(dir, key), err
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	io.WriteCloser
	source string
	target string
}

func (w *moveCloser) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		return err
	}
	_, err = os.Stat(w.target)
	if !os.IsNotExist(err) {
		return ErrKeyExists
	}
	return os.Rename(w.source, w.target)
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	err := os.Remove(s.Path(key))
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Given a key, return the subdirectory the key's file is stored in
// e.g. "abcd123..." returns "ab"
func keySubdir(key string) string {
	switch len(key) {
	case 0:
		return "."
	case 1:
		return key
	default:
		return key[0:2]
	}
}

// Some Simple Key Validations
func isKeyValid(key string) error {
	// Valid Unicode
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}

	// No Slashes
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}

	for _, rune := range key {
		// No White Space
		if unicode.IsSpace(rune) {
			return ErrKeyContainsWhiteSpace
		}

		// No Control Characters
		if unicode.IsControl(rune) {
			return ErrKeyContainsControlChar
		}
	}

	return nil
}
