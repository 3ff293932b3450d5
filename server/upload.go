package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/upload"
	"github.com/packdepot/depot/util"
)

// ListFileHandler handles requests to GET /upload
func (s *RESTServer) ListFileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, s.Uploads.List())
}

// GetFileInfoHandler handles requests to GET /upload/:fileid/metadata
func (s *RESTServer) GetFileInfoHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	f := s.Uploads.Lookup(ps.ByName("fileid"))
	if f == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "cannot find file")
		return
	}
	writeJSON(w, f.Stat())
}

// AppendFileHandler handles requests to both POST /upload and
// POST /upload/:fileid. The body is the next chunk; the X-Upload-Sha256
// header, when given, is checked against the chunk and a mismatch rolls
// the chunk back.
func (s *RESTServer) AppendFileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chunkhash := r.Header.Get("X-Upload-Sha256")
	fileid := ps.ByName("fileid")
	var f upload.FileEntry // the file to append to
	// if no file was given, make a new one
	// if a file id was given, but doesn't exist...create it
	if fileid == "" {
		for f == nil {
			id := randomid()
			f = s.Uploads.Create(id)
		}
		f.SetCreator(ps.ByName("username"))
	} else {
		// Create returns nil if the file already exists!
		f = s.Uploads.Create(fileid)
		if f == nil {
			f = s.Uploads.Lookup(fileid)
		}
		// f should not be nil at this point...
		if f == nil {
			serverError(w, fmt.Errorf("could not make file %s", fileid))
			return
		}
	}
	if r.Body == nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "no body")
		return
	}
	wr, err := f.Append()
	if err != nil {
		serverError(w, err)
		return
	}
	hw := util.NewHashWriter(wr)
	_, err = io.Copy(hw, r.Body)
	err2 := wr.Close()
	r.Body.Close()
	w.Header().Set("Location", "/upload/"+f.Stat().ID)
	if err == nil {
		err = err2
	}
	if err != nil {
		serverError(w, err)
		return
	}
	if chunkhash != "" {
		if _, ok := hw.CheckSHA256(chunkhash); !ok {
			w.WriteHeader(412)
			fmt.Fprintln(w, "SHA256 mismatch")
			f.Rollback()
			return
		}
	}
}

func randomid() string {
	var n = rand.Int31()
	return strconv.FormatInt(int64(n), 36)
}

// DeleteFileHandler handles requests to DELETE /upload/:fileid, removing
// a staged upload.
func (s *RESTServer) DeleteFileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Uploads.Delete(ps.ByName("fileid"))
	if err != nil {
		serverError(w, err)
	}
}

// SetFileInfoHandler handles requests to PUT /upload/:fileid/metadata,
// recording the expected digest, filename, and kind of the upload.
func (s *RESTServer) SetFileInfoHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	f := s.Uploads.Lookup(ps.ByName("fileid"))
	if f == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "cannot find file")
		return
	}
	var metadata upload.Stat
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&metadata)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	f.SetExpected(metadata.SHA256, metadata.Filename, metadata.Kind)
}

// GetFileHandler handles requests to GET /upload/:fileid, streaming the
// staged content.
func (s *RESTServer) GetFileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	f := s.Uploads.Lookup(ps.ByName("fileid"))
	if f == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "Unknown file identifier")
		return
	}
	fd := f.Open()
	io.Copy(w, fd)
	fd.Close()
}

// AdoptFileHandler handles requests to POST /upload/:fileid/adopt. The
// staged file moves into the blob store, verified against the expected
// digest set in its metadata, and the staging entry is removed.
func (s *RESTServer) AdoptFileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	f := s.Uploads.Lookup(ps.ByName("fileid"))
	if f == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "cannot find file")
		return
	}
	info := f.Stat()
	if info.SHA256 == "" {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Set the expected SHA256 in the metadata first")
		return
	}
	fd := f.Open()
	err := s.Depot.Blobs().Ingest(fd, info.SHA256)
	fd.Close()
	if err != nil {
		w.WriteHeader(412)
		fmt.Fprintln(w, err.Error())
		return
	}
	s.Uploads.Delete(info.ID)
	writeJSON(w, struct {
		SHA256 string `json:"sha256"`
	}{info.SHA256})
}
