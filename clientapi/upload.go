package clientapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

const defaultChunkSize = 10 << 20 // 10 MB

// UploadFile sends the local file to the server in chunks and adopts it
// into the server's blob store. Each chunk carries its own digest so a
// garbled transfer is caught per chunk and only that chunk is resent. The
// whole file's digest is computed while reading and checked by the server
// on adoption. The blob's digest is returned.
func (c *Connection) UploadFile(srcFile, kind string) (string, error) {
	f, err := os.Open(srcFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	chunksize := c.ChunkSize
	if chunksize <= 0 {
		chunksize = defaultChunkSize
	}
	whole := sha256.New()
	chunk := make([]byte, chunksize)
	var fileid string
	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			whole.Write(chunk[:n])
			fileid, err = c.postChunk(fileid, chunk[:n])
			if err != nil {
				return "", err
			}
		}
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return "", readErr
		}
	}
	if fileid == "" {
		return "", fmt.Errorf("%s is empty", srcFile)
	}

	digest := hex.EncodeToString(whole.Sum(nil))
	err = c.setUploadInfo(fileid, digest, filepath.Base(srcFile), kind)
	if err != nil {
		return "", err
	}
	return digest, c.adoptUpload(fileid)
}

// postChunk sends one chunk, retrying once on a checksum mismatch. An
// empty fileid starts a new upload; the server picks the id.
func (c *Connection) postChunk(fileid string, chunk []byte) (string, error) {
	sum := sha256.Sum256(chunk)
	target := c.HostURL + "/upload"
	if fileid != "" {
		target = c.HostURL + "/upload/" + fileid
	}
	for attempt := 0; ; attempt++ {
		req, _ := http.NewRequest("POST", target, bytes.NewReader(chunk))
		req.Header.Set("X-Upload-Sha256", hex.EncodeToString(sum[:]))
		resp, err := c.do(req)
		if err != nil {
			return fileid, err
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case 200:
			if fileid == "" {
				fileid = path.Base(resp.Header.Get("Location"))
			}
			return fileid, nil
		case 412:
			// the server rolled the chunk back. try again.
			if attempt == 0 {
				continue
			}
			return fileid, ErrChecksumMismatch
		case 401:
			return fileid, ErrNotAuthorized
		default:
			return fileid, ErrUnexpectedResp
		}
	}
}

func (c *Connection) setUploadInfo(fileid, digest, filename, kind string) error {
	body, _ := json.Marshal(struct {
		SHA256   string `json:"SHA256"`
		Filename string `json:"Filename"`
		Kind     string `json:"Kind"`
	}{digest, filename, kind})
	req, _ := http.NewRequest("PUT", c.HostURL+"/upload/"+fileid+"/metadata",
		bytes.NewReader(body))
	return c.expectOK(req)
}

func (c *Connection) adoptUpload(fileid string) error {
	resp, err := c.do(mustRequest("POST", c.HostURL+"/upload/"+fileid+"/adopt"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		return nil
	case 412:
		return ErrChecksumMismatch
	case 401:
		return ErrNotAuthorized
	default:
		return ErrUnexpectedResp
	}
}

func mustRequest(method, url string) *http.Request {
	req, _ := http.NewRequest(method, url, nil)
	return req
}
