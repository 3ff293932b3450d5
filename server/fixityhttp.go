package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/fixity"
)

// GetFixityHandler handles requests to GET /fixity. The status query
// filters by check status (scheduled, ok, error, missing).
func (s *RESTServer) GetFixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	records, err := s.fdb.GetFixity("", r.URL.Query().Get("status"))
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, records)
}

// GetFixityShaHandler handles requests to GET /fixity/:sha256, returning
// the check history for one blob.
func (s *RESTServer) GetFixityShaHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	records, err := s.fdb.GetFixity(ps.ByName("sha256"), "")
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, records)
}

// ScheduleFixityHandler handles requests to POST /fixity, scheduling a
// first check for every blob not yet in the fixity database.
func (s *RESTServer) ScheduleFixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	added, err := fixity.ScheduleAll(s.fdb, s.Depot.Blobs())
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, struct {
		Scheduled int `json:"scheduled"`
	}{added})
}
