package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/backup"
)

// InventoryHandler handles requests to GET /inventory
func (s *RESTServer) InventoryHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	items, err := s.Depot.GetInventory()
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, items)
}

// CleanupHandler handles requests to POST /inventory/cleanup. Query
// parameters: dryrun=1 to only report, max=N to cap deletions.
func (s *RESTServer) CleanupHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	dryRun, _ := strconv.ParseBool(q.Get("dryrun"))
	max, _ := strconv.Atoi(q.Get("max"))
	report, err := s.Depot.CleanupOrphans(dryRun, max)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, report)
}

// BackupStatusHandler handles requests to GET /backup
func (s *RESTServer) BackupStatusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status, err := s.Depot.BackupStatus()
	if err == backup.ErrNotEnabled {
		writeJSON(w, struct {
			Enabled bool `json:"enabled"`
		}{false})
		return
	} else if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, status)
}

// SyncBackupHandler handles requests to POST /backup/sync. The direction
// query is "backup" or "restore"; dryrun=1 only reports.
func (s *RESTServer) SyncBackupHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	direction := q.Get("direction")
	if direction == "" {
		direction = backup.DirectionBackup
	}
	dryRun, _ := strconv.ParseBool(q.Get("dryrun"))
	report, err := s.Depot.SyncBackup(direction, dryRun)
	switch err {
	case nil:
	case backup.ErrNotEnabled, backup.ErrNotConnected:
		w.WriteHeader(503)
		fmt.Fprintln(w, err.Error())
		return
	default:
		serverError(w, err)
		return
	}
	writeJSON(w, report)
}

// DoctorHandler handles requests to POST /admin/doctor
func (s *RESTServer) DoctorHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, err := s.Depot.Doctor()
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, report)
}

// downloadSwitch pauses artifact downloads server-wide, for metered or
// flaky uplinks. A paused server still serves everything already local.
type downloadSwitch struct {
	m      sync.RWMutex
	paused bool
}

func (d *downloadSwitch) Paused() bool {
	d.m.RLock()
	defer d.m.RUnlock()
	return d.paused
}

func (d *downloadSwitch) Set(paused bool) {
	d.m.Lock()
	d.paused = paused
	d.m.Unlock()
}

// GetDownloadsHandler handles requests to GET /admin/downloads
func (s *RESTServer) GetDownloadsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	state := "enabled"
	if s.paused.Paused() {
		state = "paused"
	}
	writeJSON(w, struct {
		Downloads string `json:"downloads"`
	}{state})
}

// SetDownloadsHandler handles requests to PUT /admin/downloads/:status,
// where status is "enabled" or "paused".
func (s *RESTServer) SetDownloadsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("status") {
	case "enabled":
		s.paused.Set(false)
	case "paused":
		s.paused.Set(true)
	default:
		w.WriteHeader(400)
		fmt.Fprintln(w, "status must be enabled or paused")
	}
}
