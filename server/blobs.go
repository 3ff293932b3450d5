package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/backup"
	"github.com/packdepot/depot/blob"
)

// BlobHandler handles requests to GET and HEAD /blob/:sha256, streaming
// blob content.
func (s *RESTServer) BlobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sha := ps.ByName("sha256")
	src, size, err := s.Depot.Blobs().Open(sha)
	// a malformed digest names nothing, same as an unknown one
	if err == blob.ErrBlobNotFound || err == blob.ErrBadDigest {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	defer src.Close()
	w.Header().Set("ETag", `"`+sha+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == "HEAD" {
		return
	}
	io.Copy(w, io.NewSectionReader(src, 0, size))
}

// DeleteBlobHandler handles requests to DELETE /blob/:sha256. The side
// query picks local or backup; force=1 permits deleting the last copy.
func (s *RESTServer) DeleteBlobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	side := q.Get("side")
	if side == "" {
		side = backup.SideLocal
	}
	force, _ := strconv.ParseBool(q.Get("force"))
	warning, err := s.Depot.DeleteBlob(ps.ByName("sha256"), side, force)
	switch err {
	case nil:
	case backup.ErrConfirmRequired:
		w.WriteHeader(409)
		fmt.Fprintln(w, "This is the last copy. Pass force=1 to delete it anyway.")
		return
	case blob.ErrBlobNotFound, blob.ErrBadDigest, backup.ErrNotInBackup:
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	default:
		serverError(w, err)
		return
	}
	writeJSON(w, struct {
		Warning string `json:"warning,omitempty"`
	}{warning})
}

// BlobImpactsHandler handles requests to GET /blob/:sha256/impacts
func (s *RESTServer) BlobImpactsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	impacts, err := s.Depot.BlobImpacts(ps.ByName("sha256"))
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, impacts)
}

// BackupBlobHandler handles requests to POST /blob/:sha256/backup
func (s *RESTServer) BackupBlobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Depot.BackupBlob(ps.ByName("sha256"))
	switch err {
	case nil:
	case blob.ErrBlobNotFound:
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
	case backup.ErrNotEnabled, backup.ErrNotConnected:
		w.WriteHeader(503)
		fmt.Fprintln(w, err.Error())
	default:
		serverError(w, err)
	}
}

// RestoreBlobHandler handles requests to POST /blob/:sha256/restore
func (s *RESTServer) RestoreBlobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Depot.RestoreBlob(ps.ByName("sha256"))
	switch err {
	case nil:
	case backup.ErrNotInBackup:
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
	case backup.ErrNotEnabled, backup.ErrNotConnected:
		w.WriteHeader(503)
		fmt.Fprintln(w, err.Error())
	default:
		serverError(w, err)
	}
}
