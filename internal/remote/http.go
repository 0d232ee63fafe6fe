package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// HTTPAdapter talks to the remote over JSON/HTTP:
//
//	POST   {base}/sync/{collection}                {uid, operation, naturalKey, record} -> {remoteId}
//	DELETE {base}/records/{collection}/{naturalKey}
//	GET    {base}/snapshot                         -> {collection: [record]}
//
// Snapshot rows should carry the naturalKey of the sync request that
// produced them.
type HTTPAdapter struct {
	base   *url.URL
	token  string
	client *http.Client
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) HTTPOption {
	return func(a *HTTPAdapter) { a.token = token }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) { a.client = &http.Client{Timeout: d} }
}

// NewHTTPAdapter creates an adapter for the remote at baseURL.
func NewHTTPAdapter(baseURL string, opts ...HTTPOption) (*HTTPAdapter, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}

	a := &HTTPAdapter{base: u, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type syncRequest struct {
	UID        string         `json:"uid"`
	Operation  string         `json:"operation"`
	NaturalKey string         `json:"naturalKey"`
	Record     map[string]any `json:"record"`
}

type syncResponse struct {
	RemoteID string `json:"remoteId"`
}

// SyncItem implements Adapter.
func (a *HTTPAdapter) SyncItem(ctx context.Context, e record.Entry) (string, error) {
	body, err := json.Marshal(syncRequest{
		UID:        e.UID,
		Operation:  string(e.Operation),
		NaturalKey: e.NaturalKey,
		Record:     e.Data.Payload(),
	})
	if err != nil {
		return "", fmt.Errorf("sync item: encode: %w", err)
	}

	var resp syncResponse
	if err := a.do(ctx, http.MethodPost, a.endpoint("sync", string(e.Collection)), body, &resp); err != nil {
		return "", fmt.Errorf("sync item: %w", err)
	}
	return resp.RemoteID, nil
}

// DeleteRecord implements Adapter.
func (a *HTTPAdapter) DeleteRecord(ctx context.Context, c schema.Collection, key schema.NaturalKey) error {
	if err := a.do(ctx, http.MethodDelete, a.endpoint("records", string(c), key.String()), nil, nil); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DownloadAll implements Adapter.
func (a *HTTPAdapter) DownloadAll(ctx context.Context) (Snapshot, error) {
	var raw map[string][]json.RawMessage
	if err := a.do(ctx, http.MethodGet, a.endpoint("snapshot"), nil, &raw); err != nil {
		return nil, fmt.Errorf("download all: %w", err)
	}

	snap := make(Snapshot, len(raw))
	for name, rows := range raw {
		out := make([]record.Fields, 0, len(rows))
		for i, row := range rows {
			f, err := record.UnmarshalFields(row)
			if err != nil {
				return nil, fmt.Errorf("download all: %s[%d]: %w", name, i, err)
			}
			out = append(out, f)
		}
		snap[name] = out
	}
	return snap, nil
}

// endpoint joins escaped path segments onto the base URL.
func (a *HTTPAdapter) endpoint(segments ...string) string {
	u := *a.base
	path, raw := u.Path, u.EscapedPath()
	for _, s := range segments {
		path += "/" + s
		raw += "/" + url.PathEscape(s)
	}
	u.Path, u.RawPath = path, raw
	return u.String()
}

func (a *HTTPAdapter) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			URL:    target,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
