package destination

// WebDAV speaks just enough of RFC 4918 (PUT/GET/DELETE/PROPFIND/MKCOL)
// to satisfy the Destination contract. No WebDAV client library turned
// up anywhere in this engine's retrieved dependency pack (the one
// "webdav" hit in the wider pack is a Kubernetes manifest generator for
// deploying a WebDAV *server*, not a client the engine could import),
// so this variant is built directly on net/http — the standard-library
// route, named here per the grounding ledger's justification
// requirement for stdlib-only components.

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/scrat-backup/scrat/errs"
)

type WebDAV struct {
	BaseURL  string
	Username string
	Password string
	client   *http.Client
}

func NewWebDAV(baseURL, username, password string) *WebDAV {
	return &WebDAV{BaseURL: strings.TrimRight(baseURL, "/"), Username: username, Password: password, client: &http.Client{Timeout: 60 * time.Second}}
}

func (w *WebDAV) Kind() string { return string(KindWebDAV) }

func (w *WebDAV) url(key string) string {
	return w.BaseURL + "/" + strings.TrimLeft(path.Clean("/"+key), "/")
}

func (w *WebDAV) do(ctx context.Context, method, key string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.url(key), body)
	if err != nil {
		return nil, err
	}
	if w.Username != "" {
		req.SetBasicAuth(w.Username, w.Password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &errs.TransientIOError{Op: method + " " + key, Err: err}
	}
	return resp, nil
}

func (w *WebDAV) Connect(ctx context.Context) error {
	resp, err := w.do(ctx, "MKCOL", "", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusForbidden {
		return &errs.DestinationError{Kind: w.Kind(), Op: "connect", Retryable: resp.StatusCode >= 500, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

func (w *WebDAV) ensureParent(ctx context.Context, key string) error {
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return nil
	}
	resp, err := w.do(ctx, "MKCOL", dir, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (w *WebDAV) PutStream(ctx context.Context, key string, r io.Reader) error {
	if err := w.ensureParent(ctx, key); err != nil {
		return err
	}
	resp, err := w.do(ctx, http.MethodPut, key, r, map[string]string{"Content-Type": "application/octet-stream"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500
		return &errs.DestinationError{Kind: w.Kind(), Op: "put " + key, Retryable: retryable, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (w *WebDAV) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := w.do(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &errs.DestinationError{Kind: w.Kind(), Op: "get " + key, Retryable: resp.StatusCode >= 500, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

func (w *WebDAV) Delete(ctx context.Context, key string) error {
	resp, err := w.do(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &errs.DestinationError{Kind: w.Kind(), Op: "delete " + key, Retryable: resp.StatusCode >= 500, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (w *WebDAV) Stat(ctx context.Context, key string) (Info, error) {
	resp, err := w.do(ctx, http.MethodHead, key, nil, nil)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Info{}, &errs.DestinationError{Kind: w.Kind(), Op: "stat " + key, Retryable: resp.StatusCode >= 500, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	modTime, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return Info{Key: key, Size: size, ModTime: modTime}, nil
}

type multistatus struct {
	Responses []struct {
		Href string `xml:"href"`
	} `xml:"response"`
}

func (w *WebDAV) List(ctx context.Context, prefix string) ([]string, error) {
	body := bytes.NewBufferString(`<?xml version="1.0"?><propfind xmlns="DAV:"><allprop/></propfind>`)
	resp, err := w.do(ctx, "PROPFIND", prefix, body, map[string]string{"Depth": "1", "Content-Type": "application/xml"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &errs.DestinationError{Kind: w.Kind(), Op: "list " + prefix, Retryable: resp.StatusCode >= 500, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decode propfind response: %w", err)
	}
	keys := make([]string, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		keys = append(keys, strings.TrimPrefix(r.Href, w.BaseURL))
	}
	return keys, nil
}

func (w *WebDAV) FreeSpace(ctx context.Context) (int64, error) { return -1, nil }

func (w *WebDAV) Test(ctx context.Context) error {
	return w.Connect(ctx)
}

func (w *WebDAV) Close() error { return nil }
