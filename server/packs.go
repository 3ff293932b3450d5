package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/layout"
	"github.com/packdepot/depot/pack"
)

// ListPacksHandler handles requests to GET /pack
func (s *RESTServer) ListPacksHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	names, err := s.Depot.ListPacks()
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, names)
}

// GetPackHandler handles requests to GET /pack/:id. The response carries
// the definition and, when resolution has run, the lock.
func (s *RESTServer) GetPackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, lk, err := s.Depot.GetPack(ps.ByName("id"))
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, struct {
		Pack *pack.Pack `json:"pack"`
		Lock *pack.Lock `json:"lock,omitempty"`
	}{p, lk})
}

// SavePackHandler handles requests to PUT /pack/:id
func (s *RESTServer) SavePackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := new(pack.Pack)
	if err := json.NewDecoder(r.Body).Decode(p); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	if p.Name == "" {
		p.Name = ps.ByName("id")
	}
	if p.Name != ps.ByName("id") {
		w.WriteHeader(400)
		fmt.Fprintln(w, "Pack name does not match the URL")
		return
	}
	err := s.Depot.SavePack(p)
	if err == layout.ErrLocked {
		w.WriteHeader(409)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		// validation problems are the client's fault
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	w.WriteHeader(201)
}

// DeletePackHandler handles requests to DELETE /pack/:id
func (s *RESTServer) DeletePackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.Depot.DeletePack(ps.ByName("id"))
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
	}
}

// ResolvePackHandler handles requests to POST /pack/:id/resolve
func (s *RESTServer) ResolvePackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := s.Depot.Resolve(ps.ByName("id"))
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, report)
}

// InstallPackHandler handles requests to POST /pack/:id/install
func (s *RESTServer) InstallPackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.paused.Paused() {
		w.WriteHeader(503)
		fmt.Fprintln(w, "Downloads are paused")
		return
	}
	report, err := s.Depot.Install(r.Context(), ps.ByName("id"))
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, report)
}

// CheckUpdatesHandler handles requests to GET /pack/:id/updates
func (s *RESTServer) CheckUpdatesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	plan, err := s.Depot.CheckUpdates(ps.ByName("id"))
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, plan)
}

// UpdatePackHandler handles requests to POST /pack/:id/update. The body
// may carry choices for ambiguous dependencies; ?dryrun=1 plans without
// writing.
func (s *RESTServer) UpdatePackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Choices map[string]int `json:"choices"`
	}
	if r.Body != nil {
		// an empty body is fine
		json.NewDecoder(r.Body).Decode(&body)
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dryrun"))
	applied, err := s.Depot.Update(ps.ByName("id"), body.Choices, dryRun)
	if err == pack.ErrPackNotFound {
		w.WriteHeader(404)
		fmt.Fprintln(w, err.Error())
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, applied)
}

// ExportPackHandler handles requests to GET /pack/:id/bundle, streaming
// the pack as a zip bundle.
func (s *RESTServer) ExportPackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	_, err := s.Depot.ExportPack(w, id)
	if err != nil {
		// headers are already gone; all we can do is log it
		serverError(w, err)
	}
}

// ImportPackHandler handles requests to POST /bundle. The body is a zip
// bundle; ?overwrite=1 allows replacing an existing pack.
func (s *RESTServer) ImportPackHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// the zip reader needs random access, so buffer the body
	data, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBundleSize))
	if err != nil {
		serverError(w, err)
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	report, err := s.Depot.ImportPack(bytes.NewReader(data), int64(len(data)), overwrite)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	writeJSON(w, report)
}

// largest bundle accepted over the API. Bigger packs travel by sneakernet
// and dutil import.
const maxBundleSize = 8 << 30
