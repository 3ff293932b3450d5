package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/packdepot/depot/depot"
	"github.com/packdepot/depot/fixity"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/store"
	"github.com/packdepot/depot/upload"
)

const tokenFile = `
admin-user  admin  tok-admin
write-user  write  tok-write
read-user   read   tok-read
md-user     mdonly tok-md
`

func newTestServer(t *testing.T) (*RESTServer, *httptest.Server, string) {
	root, err := ioutil.TempDir("", "server-")
	if err != nil {
		t.Fatal(err)
	}
	d, err := depot.Init(root, nil)
	if err != nil {
		os.RemoveAll(root)
		t.Fatal(err)
	}
	decoder, err := NewListDecoder(strings.NewReader(tokenFile))
	if err != nil {
		t.Fatal(err)
	}
	s := &RESTServer{
		Depot:     d,
		Validator: decoder,
		Uploads:   upload.New(store.NewMemory()),
		fdb:       fixity.NewQlDB("memory"),
		paused:    new(downloadSwitch),
	}
	ts := httptest.NewServer(s.addRoutes())
	return s, ts, root
}

func do(t *testing.T, method, url, token string, body []byte) *http.Response {
	var r *bytes.Reader
	if body == nil {
		r = bytes.NewReader(nil)
	} else {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Api-Key", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestRouteAuthz(t *testing.T) {
	_, ts, root := newTestServer(t)
	defer ts.Close()
	defer os.RemoveAll(root)

	var table = []struct {
		method string
		path   string
		token  string
		status int
	}{
		{"GET", "/", "", 200},           // welcome needs no key
		{"GET", "/pack", "", 401},       // no key
		{"GET", "/pack", "bogus", 401},  // unknown key
		{"GET", "/pack", "tok-md", 200}, // metadata role is enough to list
		{"GET", "/pack/zz", "tok-md", 404},
		{"PUT", "/pack/zz", "tok-read", 401},     // writes need write
		{"DELETE", "/blob/00", "tok-write", 401}, // deletes need admin
		{"GET", "/status", "tok-md", 200},
		{"GET", "/fixity", "tok-md", 200},
		{"GET", "/admin/downloads", "", 200},
		{"PUT", "/admin/downloads/paused", "tok-write", 401},
		{"PUT", "/admin/downloads/paused", "tok-admin", 200},
	}
	for _, test := range table {
		resp := do(t, test.method, ts.URL+test.path, test.token, nil)
		resp.Body.Close()
		if resp.StatusCode != test.status {
			t.Errorf("%s %s with %q: got %d, expected %d",
				test.method, test.path, test.token, resp.StatusCode, test.status)
		}
	}
}

func TestPackLifecycle(t *testing.T) {
	_, ts, root := newTestServer(t)
	defer ts.Close()
	defer os.RemoveAll(root)

	p := &pack.Pack{
		Name: "sd15",
		Type: "model",
		Dependencies: []pack.Dependency{{
			ID:   "main",
			Kind: "checkpoint",
			Selector: pack.Selector{
				Strategy:  pack.StrategyVersion,
				Provider:  "civitai",
				ModelID:   "1",
				VersionID: "10",
			},
			Policy: pack.PolicyPinned,
			Expose: pack.Expose{Filename: "sd15.safetensors"},
		}},
	}
	body, _ := json.Marshal(p)
	resp := do(t, "PUT", ts.URL+"/pack/sd15", "tok-write", body)
	resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("PUT /pack/sd15: %d", resp.StatusCode)
	}

	// name mismatch is rejected
	resp = do(t, "PUT", ts.URL+"/pack/other", "tok-write", body)
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("PUT with mismatched name: %d", resp.StatusCode)
	}

	resp = do(t, "GET", ts.URL+"/pack/sd15", "tok-md", nil)
	var got struct {
		Pack *pack.Pack `json:"pack"`
		Lock *pack.Lock `json:"lock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got.Pack == nil || got.Pack.Name != "sd15" || got.Lock != nil {
		t.Errorf("GET /pack/sd15 = %+v", got)
	}

	resp = do(t, "GET", ts.URL+"/pack", "tok-md", nil)
	var names []string
	json.NewDecoder(resp.Body).Decode(&names)
	resp.Body.Close()
	if len(names) != 1 || names[0] != "sd15" {
		t.Errorf("GET /pack = %v", names)
	}

	resp = do(t, "DELETE", ts.URL+"/pack/sd15", "tok-write", nil)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("DELETE /pack/sd15: %d", resp.StatusCode)
	}
	resp = do(t, "GET", ts.URL+"/pack/sd15", "tok-md", nil)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("GET after delete: %d", resp.StatusCode)
	}
}

func TestUploadAdoptFlow(t *testing.T) {
	_, ts, root := newTestServer(t)
	defer ts.Close()
	defer os.RemoveAll(root)

	content := []byte("model weights, chunked")
	h := sha256.Sum256(content)
	sha := hex.EncodeToString(h[:])

	// send in two chunks
	resp := do(t, "POST", ts.URL+"/upload", "tok-write", content[:10])
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("first chunk: %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatal("no Location header")
	}
	resp = do(t, "POST", ts.URL+loc, "tok-write", content[10:])
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("second chunk: %d", resp.StatusCode)
	}

	// adopt without a digest set is refused
	resp = do(t, "POST", ts.URL+loc+"/adopt", "tok-write", nil)
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("adopt without digest: %d", resp.StatusCode)
	}

	meta, _ := json.Marshal(upload.Stat{
		SHA256:   sha,
		Filename: "model.safetensors",
		Kind:     "checkpoint",
	})
	resp = do(t, "PUT", ts.URL+loc+"/metadata", "tok-write", meta)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("set metadata: %d", resp.StatusCode)
	}

	resp = do(t, "POST", ts.URL+loc+"/adopt", "tok-write", nil)
	var adopted struct {
		SHA256 string `json:"sha256"`
	}
	json.NewDecoder(resp.Body).Decode(&adopted)
	resp.Body.Close()
	if resp.StatusCode != 200 || adopted.SHA256 != sha {
		t.Fatalf("adopt: %d %+v", resp.StatusCode, adopted)
	}

	// the staging entry is gone and the blob is servable
	resp = do(t, "GET", ts.URL+loc, "tok-read", nil)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("upload after adopt: %d", resp.StatusCode)
	}
	resp = do(t, "GET", ts.URL+"/blob/"+sha, "tok-read", nil)
	data, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || !bytes.Equal(data, content) {
		t.Errorf("GET /blob: %d, %d bytes", resp.StatusCode, len(data))
	}
}

func TestChunkHashMismatchRollsBack(t *testing.T) {
	s, ts, root := newTestServer(t)
	defer ts.Close()
	defer os.RemoveAll(root)

	req, _ := http.NewRequest("POST", ts.URL+"/upload/mm", bytes.NewReader([]byte("chunk data")))
	req.Header.Set("X-Api-Key", "tok-write")
	req.Header.Set("X-Upload-Sha256", strings.Repeat("0", 64))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 412 {
		t.Fatalf("mismatched chunk: %d", resp.StatusCode)
	}
	f := s.Uploads.Lookup("mm")
	if f == nil {
		t.Fatal("upload entry missing")
	}
	if f.Stat().Size != 0 {
		t.Errorf("chunk not rolled back, size = %d", f.Stat().Size)
	}
}

func TestDownloadsPause(t *testing.T) {
	_, ts, root := newTestServer(t)
	defer ts.Close()
	defer os.RemoveAll(root)

	resp := do(t, "PUT", ts.URL+"/admin/downloads/paused", "tok-admin", nil)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatal("could not pause downloads")
	}
	// a pack name that exists or not doesn't matter; the switch is
	// checked before anything else
	resp = do(t, "POST", ts.URL+"/pack/any/install", "tok-write", nil)
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("install while paused: %d", resp.StatusCode)
	}
	resp = do(t, "PUT", ts.URL+"/admin/downloads/enabled", "tok-admin", nil)
	resp.Body.Close()
	resp = do(t, "POST", ts.URL+"/pack/any/install", "tok-write", nil)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("install of missing pack: %d", resp.StatusCode)
	}
}
