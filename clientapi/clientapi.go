// Package clientapi is an HTTP client for the depot server. It is used by
// the remote command line tool and is intended to be scriptable: every
// response comes back either decoded into a jason object or copied to a
// writer.
package clientapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/packdepot/depot/pack"
)

// Exported errors
var (
	ErrNotFound         = errors.New("Not found on the depot server")
	ErrNotAuthorized    = errors.New("Access Denied")
	ErrUnexpectedResp   = errors.New("Unexpected Response Code")
	ErrChecksumMismatch = errors.New("Checksum mismatch")
)

// A Connection represents a connection with a depot server.
// It can be shared between multiple goroutines.
type Connection struct {
	// The depot server this connection is to, e.g. "http://localhost:14000"
	HostURL string

	// ChunkSize is the size of each upload piece in bytes. Defaults to
	// 10 MB.
	ChunkSize int

	// Token is the API key to send, if any.
	Token string

	client *http.Client
}

// ListPacks returns the names of every pack on the server.
func (c *Connection) ListPacks() ([]string, error) {
	var names []string
	err := c.getDecoded("/pack", &names)
	return names, err
}

// GetPack returns the definition and lock for one pack.
func (c *Connection) GetPack(name string) (*jason.Object, error) {
	return c.doJasonGet("/pack/" + name)
}

// SavePack creates or replaces a pack definition on the server.
func (c *Connection) SavePack(p *pack.Pack) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, _ := http.NewRequest("PUT", c.HostURL+"/pack/"+p.Name, bytes.NewReader(buf))
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200, 201:
		return nil
	case 401:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("Received status %d from depot server", resp.StatusCode)
	}
}

// DeletePack removes a pack from the server.
func (c *Connection) DeletePack(name string) error {
	req, _ := http.NewRequest("DELETE", c.HostURL+"/pack/"+name, nil)
	return c.expectOK(req)
}

// Resolve asks the server to resolve every dependency of the pack.
func (c *Connection) Resolve(name string) (*jason.Object, error) {
	return c.doJasonPost("/pack/" + name + "/resolve")
}

// Install asks the server to download every resolved artifact of the pack.
func (c *Connection) Install(name string) (*jason.Object, error) {
	return c.doJasonPost("/pack/" + name + "/install")
}

// CheckUpdates returns the server's update plan for the pack.
func (c *Connection) CheckUpdates(name string) (*jason.Object, error) {
	return c.doJasonGet("/pack/" + name + "/updates")
}

// Update applies updates for the pack. choices picks candidates for
// ambiguous dependencies by index.
func (c *Connection) Update(name string, choices map[string]int, dryRun bool) (*jason.Object, error) {
	body, _ := json.Marshal(struct {
		Choices map[string]int `json:"choices"`
	}{choices})
	path := "/pack/" + name + "/update"
	if dryRun {
		path += "?dryrun=1"
	}
	req, _ := http.NewRequest("POST", c.HostURL+path, bytes.NewReader(body))
	return c.doJason(req)
}

// Use overlays a pack's work profile on the given targets.
func (c *Connection) Use(packName string, targets []string) (*jason.Object, error) {
	q := url.Values{"target": targets}
	req, _ := http.NewRequest("POST", c.HostURL+"/use/"+packName+"?"+q.Encode(), nil)
	return c.doJason(req)
}

// Back pops each target's profile stack one level. The response is a JSON
// array, so it is copied to w raw.
func (c *Connection) Back(w io.Writer, targets []string) error {
	q := url.Values{"target": targets}
	req, _ := http.NewRequest("POST", c.HostURL+"/back?"+q.Encode(), nil)
	return c.copyResponse(w, req)
}

// Status copies the target status list to w.
func (c *Connection) Status(w io.Writer) error {
	req, _ := http.NewRequest("GET", c.HostURL+"/status", nil)
	return c.copyResponse(w, req)
}

// Inventory copies the blob inventory to w.
func (c *Connection) Inventory(w io.Writer) error {
	req, _ := http.NewRequest("GET", c.HostURL+"/inventory", nil)
	return c.copyResponse(w, req)
}

// CleanupOrphans asks the server to delete unreferenced blobs.
func (c *Connection) CleanupOrphans(dryRun bool, max int) (*jason.Object, error) {
	q := url.Values{}
	if dryRun {
		q.Set("dryrun", "1")
	}
	if max > 0 {
		q.Set("max", strconv.Itoa(max))
	}
	req, _ := http.NewRequest("POST", c.HostURL+"/inventory/cleanup?"+q.Encode(), nil)
	return c.doJason(req)
}

// BackupStatus returns the server's backup target state.
func (c *Connection) BackupStatus() (*jason.Object, error) {
	return c.doJasonGet("/backup")
}

// SyncBackup asks the server to copy every missing blob in the given
// direction ("backup" or "restore").
func (c *Connection) SyncBackup(direction string, dryRun bool) (*jason.Object, error) {
	q := url.Values{"direction": {direction}}
	if dryRun {
		q.Set("dryrun", "1")
	}
	req, _ := http.NewRequest("POST", c.HostURL+"/backup/sync?"+q.Encode(), nil)
	return c.doJason(req)
}

// Fixity copies the check history for one blob, or for every blob when
// sha256 is empty, to w.
func (c *Connection) Fixity(w io.Writer, sha256 string) error {
	path := "/fixity"
	if sha256 != "" {
		path += "/" + sha256
	}
	req, _ := http.NewRequest("GET", c.HostURL+path, nil)
	return c.copyResponse(w, req)
}

// ScheduleFixity asks the server to schedule checks for unscheduled blobs.
func (c *Connection) ScheduleFixity() (*jason.Object, error) {
	return c.doJasonPost("/fixity")
}

// Doctor asks the server to reconverge views and sweep partial downloads.
func (c *Connection) Doctor() (*jason.Object, error) {
	return c.doJasonPost("/admin/doctor")
}

// DownloadBlob copies the blob's content from the server to w.
func (c *Connection) DownloadBlob(w io.Writer, sha256 string) error {
	req, _ := http.NewRequest("GET", c.HostURL+"/blob/"+sha256, nil)
	return c.copyResponse(w, req)
}

// ExportPack copies the pack's bundle from the server to w.
func (c *Connection) ExportPack(w io.Writer, name string) error {
	req, _ := http.NewRequest("GET", c.HostURL+"/pack/"+name+"/bundle", nil)
	return c.copyResponse(w, req)
}

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		}
	}
	return c.client.Do(req)
}

func (c *Connection) expectOK(req *http.Request) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return nil
	case 404:
		return ErrNotFound
	case 401:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("Received status %d from depot server", resp.StatusCode)
	}
}

func (c *Connection) copyResponse(w io.Writer, req *http.Request) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		_, err = io.Copy(w, resp.Body)
		return err
	case 404:
		return ErrNotFound
	case 401:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("Received status %d from depot server", resp.StatusCode)
	}
}

func (c *Connection) getDecoded(path string, value interface{}) error {
	req, err := http.NewRequest("GET", c.HostURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return json.NewDecoder(resp.Body).Decode(value)
	case 404:
		return ErrNotFound
	case 401:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("Received status %d from depot server", resp.StatusCode)
	}
}

func (c *Connection) doJasonGet(path string) (*jason.Object, error) {
	req, err := http.NewRequest("GET", c.HostURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.doJason(req)
}

func (c *Connection) doJasonPost(path string) (*jason.Object, error) {
	req, err := http.NewRequest("POST", c.HostURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.doJason(req)
}

func (c *Connection) doJason(req *http.Request) (*jason.Object, error) {
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return jason.NewObjectFromReader(resp.Body)
	case 404:
		return nil, ErrNotFound
	case 401:
		return nil, ErrNotAuthorized
	default:
		return nil, fmt.Errorf("Received status %d from depot server", resp.StatusCode)
	}
}
