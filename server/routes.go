package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"os"
	"path/filepath"

	"github.com/facebookgo/httpdown"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"

	"github.com/packdepot/depot/depot"
	"github.com/packdepot/depot/fixity"
	"github.com/packdepot/depot/store"
	"github.com/packdepot/depot/upload"
)

// Version of the API this server speaks.
const Version = "1.0.0"

// RESTServer holds the configuration for a depot REST API server.
//
// Set the public fields and then call Run. Run listens on the given port
// and handles requests until Stop is called. Do not change any fields
// after calling Run.
//
// Run also starts a background goroutine doing fixity checking, unless
// that is disabled.
type RESTServer struct {
	// Port number to listen on. Defaults to 14000.
	PortNumber string
	PProfPort  string

	// Depot is the open depot this server fronts. Run panics if nil.
	Depot *depot.Depot

	// Validator decodes user tokens presented to the API. If nil, no
	// authentication is done and every caller is an admin.
	Validator TokenDecoder

	// CacheDir is where upload staging and the embedded fixity database
	// live. If empty, both are kept in memory, which is only useful for
	// testing.
	CacheDir string

	// Pass in a dial string to use a MySQL server for the fixity
	// database instead of the embedded one.
	// e.g. "user:password@tcp(localhost:5555)/dbname"
	MySQL string

	// FixityRate is how fast checksumming may go, in MB/hour. Zero
	// disables the background check entirely.
	FixityRate    int64
	DisableFixity bool

	// Uploads staging area. If nil one is created under CacheDir.
	Uploads *upload.Store

	server  httpdown.Server // used to close our listening socket
	checker *fixity.Checker
	fdb     fixity.DB
	paused  *downloadSwitch
}

// Run initializes the server and blocks listening for requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting depot server version %s", Version)
	log.Printf("CacheDir = %s", s.CacheDir)

	if s.Depot == nil {
		panic("No depot given. Depot is nil.")
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NewNobodyDecoder()
	}
	s.paused = new(downloadSwitch)

	// init fixity database
	var err error
	if s.MySQL != "" {
		log.Printf("Using MySQL fixity database")
		s.fdb, err = fixity.NewMysqlDB(s.MySQL)
		if err != nil {
			panic("problem setting up fixity database: " + err.Error())
		}
	} else {
		path := "memory"
		if s.CacheDir != "" {
			path = filepath.Join(s.CacheDir, "depot.ql")
		}
		log.Printf("Using internal fixity database at %s", path)
		qdb := fixity.NewQlDB(path)
		if qdb == nil {
			panic("problem setting up fixity database")
		}
		s.fdb = qdb
	}
	if !s.DisableFixity {
		s.checker = fixity.NewChecker(s.fdb, s.Depot.Blobs(), s.FixityRate)
		s.checker.Start()
	}

	// init upload staging
	if s.Uploads == nil {
		var fs store.Store
		if s.CacheDir == "" {
			fs = store.NewMemory()
		} else {
			path := filepath.Join(s.CacheDir, "upload")
			os.MkdirAll(path, 0755)
			fs = store.NewFileSystem(path)
		}
		s.Uploads = upload.New(fs)
	}
	log.Println("Scanning upload staging area")
	s.Uploads.Load()

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Handler returns the server's routing handler without starting a
// listener or any background work, for embedding in another server and
// for tests. The fixity database must be supplied since Run normally
// creates it.
func (s *RESTServer) Handler(fdb fixity.DB) http.Handler {
	if s.Validator == nil {
		s.Validator = NewNobodyDecoder()
	}
	if s.Uploads == nil {
		s.Uploads = upload.New(store.NewMemory())
	}
	s.Uploads.Load()
	s.fdb = fdb
	s.paused = new(downloadSwitch)
	return s.addRoutes()
}

// Stop closes the listening socket and waits for in-flight requests to
// finish. The fixity checker is stopped first so it is not caught mid-read.
func (s *RESTServer) Stop() error {
	if s.checker != nil {
		s.checker.Stop()
	}
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// packs
		{"GET", "/pack", RoleMDOnly, s.ListPacksHandler},
		{"GET", "/pack/:id", RoleMDOnly, s.GetPackHandler},
		{"PUT", "/pack/:id", RoleWrite, s.SavePackHandler},
		{"DELETE", "/pack/:id", RoleWrite, s.DeletePackHandler},
		{"POST", "/pack/:id/resolve", RoleWrite, s.ResolvePackHandler},
		{"POST", "/pack/:id/install", RoleWrite, s.InstallPackHandler},
		{"GET", "/pack/:id/updates", RoleRead, s.CheckUpdatesHandler},
		{"POST", "/pack/:id/update", RoleWrite, s.UpdatePackHandler},
		{"GET", "/pack/:id/bundle", RoleRead, s.ExportPackHandler},
		{"POST", "/bundle", RoleWrite, s.ImportPackHandler},

		// blobs
		{"GET", "/blob/:sha256", RoleRead, s.BlobHandler},
		{"HEAD", "/blob/:sha256", RoleRead, s.BlobHandler},
		{"DELETE", "/blob/:sha256", RoleAdmin, s.DeleteBlobHandler},
		{"GET", "/blob/:sha256/impacts", RoleMDOnly, s.BlobImpactsHandler},
		{"POST", "/blob/:sha256/backup", RoleWrite, s.BackupBlobHandler},
		{"POST", "/blob/:sha256/restore", RoleWrite, s.RestoreBlobHandler},

		// profiles and runtime
		{"GET", "/profile", RoleMDOnly, s.ListProfilesHandler},
		{"GET", "/profile/:name", RoleMDOnly, s.GetProfileHandler},
		{"POST", "/profile/:name/pack/:id", RoleWrite, s.AddPackToProfileHandler},
		{"DELETE", "/profile/:name/pack/:id", RoleWrite, s.RemovePackFromProfileHandler},
		{"GET", "/status", RoleMDOnly, s.StatusHandler},
		{"POST", "/use/:id", RoleWrite, s.UseHandler},
		{"POST", "/back", RoleWrite, s.BackHandler},

		// inventory and backup
		{"GET", "/inventory", RoleMDOnly, s.InventoryHandler},
		{"POST", "/inventory/cleanup", RoleAdmin, s.CleanupHandler},
		{"GET", "/backup", RoleMDOnly, s.BackupStatusHandler},
		{"POST", "/backup/sync", RoleWrite, s.SyncBackupHandler},

		// fixity
		{"GET", "/fixity", RoleMDOnly, s.GetFixityHandler},
		{"GET", "/fixity/:sha256", RoleMDOnly, s.GetFixityShaHandler},
		{"POST", "/fixity", RoleAdmin, s.ScheduleFixityHandler},

		// file upload things
		{"GET", "/upload", RoleRead, s.ListFileHandler},
		{"POST", "/upload", RoleWrite, s.AppendFileHandler},
		{"GET", "/upload/:fileid", RoleRead, s.GetFileHandler},
		{"POST", "/upload/:fileid", RoleWrite, s.AppendFileHandler},
		{"DELETE", "/upload/:fileid", RoleWrite, s.DeleteFileHandler},
		{"GET", "/upload/:fileid/metadata", RoleMDOnly, s.GetFileInfoHandler},
		{"PUT", "/upload/:fileid/metadata", RoleWrite, s.SetFileInfoHandler},
		{"POST", "/upload/:fileid/adopt", RoleWrite, s.AdoptFileHandler},

		// admin
		{"GET", "/admin/downloads", RoleUnknown, s.GetDownloadsHandler},
		{"PUT", "/admin/downloads/:status", RoleAdmin, s.SetDownloadsHandler},
		{"POST", "/admin/doctor", RoleAdmin, s.DoctorHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// General route handlers and convenience functions

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Pack Depot (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// writeJSON sends val as a JSON response body.
func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// serverError returns a 500 and records the error for later triage.
func serverError(w http.ResponseWriter, err error) {
	raven.CaptureError(err, nil)
	w.WriteHeader(500)
	fmt.Fprintln(w, err.Error())
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenDecode(token)
		if err != nil {
			serverError(w, err)
			return
		}
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				goto out
			}
		}
		// add a new username if none found
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
	out:
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
