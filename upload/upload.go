/*
Package upload manages the staging area for files sent to the server in
pieces. A file is appended to chunk by chunk, of arbitrary size, and read
back as a single stream. When the upload is complete the file is ingested
into the blob store as one unit and the staging entry removed. If a chunk
upload fails partway it can be rolled back and sent again.
*/
package upload

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/packdepot/depot/store"
)

// Store wraps a store.Store and provides the chunked staging area.
type Store struct {
	meta   store.JSONStore // for the metadata
	fstore store.Store     // for the chunks
	m      sync.RWMutex    // protects files
	files  map[string]*file
}

const (
	// Two kinds of information live in the store: file metadata and
	// chunk data, distinguished by key prefix. The metadata is
	// persisted so uploads survive server restarts.
	fileKeyPrefix  = "md"
	chunkKeyPrefix = "f"
)

// A FileEntry is one file being staged.
type FileEntry interface {
	Append() (io.WriteCloser, error)
	Open() io.ReadCloser
	Stat() Stat
	Rollback() error
	SetExpected(sha256, filename, kind string)
	SetCreator(name string)
}

// The metadata kept on each staged file.
type Stat struct {
	ID       string
	Size     int64
	NChunks  int
	Created  time.Time
	Modified time.Time
	Creator  string
	SHA256   string // expected digest, set by the uploader
	Filename string
	Kind     string
}

// the internal struct tracking one staged file
type file struct {
	parent   *Store
	m        sync.RWMutex // protects everything below
	ID       string       // name in the parent.fstore
	Size     int64        // sum of all the chunk sizes
	N        int          // the id number to use for the next chunk
	Children []*chunk     // chunk ids, in the order to read them
	Created  time.Time
	Modified time.Time
	Creator  string // the user (aka API key) who started this upload
	SHA256   string // digest the finished file should have
	Filename string
	Kind     string
}

type chunk struct {
	ID   string // the id of this chunk in the fstore
	Size int64
}

// New creates an upload store wrapping a store.Store. Call Load before
// using it.
func New(s store.Store) *Store {
	return &Store{
		meta:   store.NewJSON(store.NewWithPrefix(s, fileKeyPrefix)),
		fstore: store.NewWithPrefix(s, chunkKeyPrefix),
		files:  make(map[string]*file),
	}
}

// Load initializes the in-memory state from the persisted entries. Entries
// that fail to parse are skipped, not fatal, so one corrupt record does not
// take the whole upload queue down.
func (s *Store) Load() error {
	metadata, err := s.meta.ListPrefix("")
	if err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	for _, key := range metadata {
		f := new(file)
		err := s.meta.Open(key, &f)
		if err != nil {
			continue
		}
		f.parent = s
		s.files[f.ID] = f
	}
	return nil
}

// List returns the ids of every staged file, sorted.
func (s *Store) List() []string {
	s.m.RLock()
	defer s.m.RUnlock()
	result := make([]string, 0, len(s.files))
	for k := range s.files {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Create starts a new staged file with the given id and returns it. The
// entry is not persisted until its first chunk is written. If the id is
// taken, nil is returned.
func (s *Store) Create(id string) FileEntry {
	s.m.Lock()
	defer s.m.Unlock()
	if _, ok := s.files[id]; ok {
		return nil
	}
	newfile := &file{
		ID:       id,
		parent:   s,
		Created:  time.Now(),
		Modified: time.Now(),
	}
	s.files[id] = newfile
	return newfile
}

// Lookup returns the staged file with that id, or nil.
// Returned pointers are not safe to be accessed by more than one goroutine.
func (s *Store) Lookup(id string) FileEntry {
	s.m.RLock()
	defer s.m.RUnlock()
	result, ok := s.files[id]
	if !ok {
		// explicitly return nil otherwise we get a nil wrapped as
		// a valid interface...see https://golang.org/doc/faq#nil_error
		return nil
	}
	return result
}

// Delete removes a staged file and its chunks. Deleting an id that does
// not exist is not an error.
func (s *Store) Delete(id string) error {
	s.m.Lock()
	f := s.files[id]
	delete(s.files, id)
	s.m.Unlock()

	if f == nil {
		return nil
	}

	// don't need the lock for the following
	err := s.meta.Delete(f.ID)
	for _, child := range f.Children {
		er := s.fstore.Delete(child.ID)
		if err == nil {
			err = er
		}
	}
	return err
}

func (f *file) Stat() Stat {
	f.m.RLock()
	defer f.m.RUnlock()
	return Stat{
		ID:       f.ID,
		Size:     f.Size,
		NChunks:  len(f.Children),
		Created:  f.Created,
		Modified: f.Modified,
		Creator:  f.Creator,
		SHA256:   f.SHA256,
		Filename: f.Filename,
		Kind:     f.Kind,
	}
}

// Append opens the file for writing. The writes become a new chunk at the
// end.
func (f *file) Append() (io.WriteCloser, error) {
	f.m.Lock()
	defer f.m.Unlock()
	chunkkey := fmt.Sprintf("%s+%04d", f.ID, f.N)
	f.N++
	w, err := f.parent.fstore.Create(chunkkey)
	if err != nil {
		return nil, err
	}
	c := &chunk{ID: chunkkey}
	f.Children = append(f.Children, c)
	err = f.save()
	return &chunkwriter{c: c, parent: f, w: w}, err
}

type chunkwriter struct {
	w    io.WriteCloser
	size int64
	// must hold lock in parent to access these
	parent *file
	c      *chunk // make it easy to update when we are closed
}

func (cw *chunkwriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.size += int64(n)
	return n, err
}

func (cw *chunkwriter) Close() error {
	err := cw.w.Close()
	if err == nil {
		cw.parent.m.Lock()
		cw.parent.Size += cw.size
		cw.c.Size = cw.size
		err = cw.parent.save()
		cw.parent.m.Unlock()
	}
	return err
}

// Open the file for reading from the beginning.
func (f *file) Open() io.ReadCloser {
	f.m.RLock()
	defer f.m.RUnlock()
	var list = make([]string, len(f.Children))
	for i := range f.Children {
		list[i] = f.Children[i].ID
	}
	return &chunkreader{
		s:    f.parent.fstore,
		keys: list,
	}
}

// chunkreader provides an io.Reader spanning a list of keys. Each chunk is
// opened and closed in turn, so at most one file descriptor is open at any
// time.
type chunkreader struct {
	s    store.Store        // the store containing the keys
	keys []string           // next one to open is at index 0
	r    store.ReadAtCloser // nil if no reader is open
	off  int64              // offset into r to read from next
}

func (cr *chunkreader) Read(p []byte) (int, error) {
	for len(cr.keys) > 0 || cr.r != nil {
		var err error
		if cr.r == nil {
			// open a new reader
			cr.r, _, err = cr.s.Open(cr.keys[0])
			if err != nil {
				return 0, err
			}
			cr.off = 0
			cr.keys = cr.keys[1:]
		}
		n, err := cr.r.ReadAt(p, cr.off)
		cr.off += int64(n)
		if err == io.EOF {
			// need to check rest of list before sending EOF
			err = cr.r.Close()
			cr.r = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, io.EOF
}

func (cr *chunkreader) Close() error {
	if cr.r != nil {
		return cr.r.Close()
	}
	return nil
}

// Rollback removes the last chunk, everything written through the writer
// from the most recent Append. Calling it repeatedly keeps removing earlier
// chunks until the file is empty.
func (f *file) Rollback() error {
	f.m.Lock()
	defer f.m.Unlock()
	n := len(f.Children) - 1
	c := f.Children[n]
	err := f.parent.fstore.Delete(c.ID)
	if err != nil {
		return err
	}
	f.Children = f.Children[:n]
	f.Size -= c.Size
	return f.save()
}

// save the metadata for this file object.
// must hold a write lock on f to call this
func (f *file) save() error {
	f.Modified = time.Now()
	return f.parent.meta.Save(f.ID, f)
}

// SetExpected records the digest, filename, and kind the finished upload
// should have. The digest is checked when the file is adopted into the
// blob store.
func (f *file) SetExpected(sha256, filename, kind string) {
	f.m.Lock()
	defer f.m.Unlock()
	f.SHA256 = sha256
	f.Filename = filename
	f.Kind = kind
	f.save()
}

func (f *file) SetCreator(name string) {
	f.m.Lock()
	defer f.m.Unlock()
	f.Creator = name
	f.save()
}
