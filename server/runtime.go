package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/profile"
)

// ListProfilesHandler handles requests to GET /profile
func (s *RESTServer) ListProfilesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	names, err := s.Depot.Profiles().List()
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, names)
}

// GetProfileHandler handles requests to GET /profile/:name
func (s *RESTServer) GetProfileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	prof, err := s.Depot.Profiles().Load(ps.ByName("name"))
	if err == profile.ErrProfileNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, prof)
}

// AddPackToProfileHandler handles requests to POST /profile/:name/pack/:id
func (s *RESTServer) AddPackToProfileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Depot.AddPackToProfile(ps.ByName("id"), ps.ByName("name"))
	if err == pack.ErrPackNotFound || err == profile.ErrProfileNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
	}
}

// RemovePackFromProfileHandler handles requests to
// DELETE /profile/:name/pack/:id
func (s *RESTServer) RemovePackFromProfileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Depot.RemovePackFromProfile(ps.ByName("id"), ps.ByName("name"))
	if err == profile.ErrProfileNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
	}
}

// StatusHandler handles requests to GET /status
func (s *RESTServer) StatusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status, err := s.Depot.Status()
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, status)
}

// UseHandler handles requests to POST /use/:id. The targets to overlay
// come from repeated target query parameters.
func (s *RESTServer) UseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	targets := r.URL.Query()["target"]
	if len(targets) == 0 {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Need at least one target parameter")
		return
	}
	result, err := s.Depot.Use(ps.ByName("id"), targets)
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, result)
}

// BackHandler handles requests to POST /back
func (s *RESTServer) BackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	targets := r.URL.Query()["target"]
	if len(targets) == 0 {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Need at least one target parameter")
		return
	}
	results, err := s.Depot.Back(targets)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, results)
}
