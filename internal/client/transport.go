// Package client implements the device-side half of the sync engine:
// the HTTP transport to the merge endpoint, the local read model the
// pull delta merges into, and the orchestrator that drives cycles.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmacedo/fieldsync/internal/syncx"
)

// ErrUnauthorized signals an expired or revoked session. The
// orchestrator flips into needs-reauth state instead of dropping the
// queue; queued operations survive until the user signs in again.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-2xx response from the merge endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether err is worth resending: network failures
// and 5xx responses are transient, 4xx are not.
func Retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Transport talks to the merge endpoint. Token is called per request so
// refreshed credentials take effect without rebuilding the transport.
type Transport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

func NewTransport(baseURL string, token func(ctx context.Context) (string, error)) *Transport {
	return &Transport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *Transport) do(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if t.Token != nil {
		tok, err := t.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func (t *Transport) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	headers := map[string]string{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		headers["Content-Type"] = "application/json"
	}

	resp, err := t.do(ctx, method, path, headers, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Push sends one batch of operations and returns per-operation
// outcomes, same order as the batch.
func (t *Transport) Push(ctx context.Context, ops []syncx.Operation) (*syncx.PushResponse, error) {
	var resp syncx.PushResponse
	if err := t.doJSON(ctx, http.MethodPost, "/v1/sync/push", syncx.PushRequest{Ops: ops}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Outcomes) != len(ops) {
		return nil, fmt.Errorf("server returned %d outcomes for %d operations", len(resp.Outcomes), len(ops))
	}
	return &resp, nil
}

// Pull fetches one delta page past cursor.
func (t *Transport) Pull(ctx context.Context, cursor string, limit int) (*syncx.PullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp syncx.PullResponse
	if err := t.doJSON(ctx, http.MethodGet, "/v1/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func blobPath(opID, filename string) string {
	return "/v1/sync/blobs/" + url.PathEscape(opID) + "/" + url.PathEscape(filename)
}

// BlobOffset asks the server how much of an upload it already holds.
// A non-empty ref means the blob was fully committed earlier.
func (t *Transport) BlobOffset(ctx context.Context, opID, filename string) (offset int64, ref string, err error) {
	resp, err := t.do(ctx, http.MethodHead, blobPath(opID, filename), nil, nil)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, "", &HTTPError{Status: resp.StatusCode}
	}
	offset, _ = strconv.ParseInt(resp.Header.Get("X-Blob-Offset"), 10, 64)
	return offset, resp.Header.Get("X-Blob-Ref"), nil
}

// UploadChunk sends one chunk at the declared offset. On the final
// chunk the server's commit (stable ref) is returned. A 409 means the
// declared offset was stale; the authoritative offset comes back so the
// caller can resync and continue.
func (t *Transport) UploadChunk(ctx context.Context, opID, filename string, offset int64, final bool, chunk []byte) (newOffset int64, commit *syncx.BlobCommit, err error) {
	headers := map[string]string{
		"Content-Type":  "application/octet-stream",
		"X-Blob-Offset": strconv.FormatInt(offset, 10),
	}
	if final {
		headers["X-Blob-Final"] = "1"
	}

	resp, err := t.do(ctx, http.MethodPatch, blobPath(opID, filename), headers, bytes.NewReader(chunk))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		authoritative, _ := strconv.ParseInt(resp.Header.Get("X-Blob-Offset"), 10, 64)
		return authoritative, nil, &OffsetStaleError{Offset: authoritative}
	case resp.StatusCode == http.StatusAccepted:
		newOffset, _ = strconv.ParseInt(resp.Header.Get("X-Blob-Offset"), 10, 64)
		return newOffset, nil, nil
	case resp.StatusCode == http.StatusOK:
		var c syncx.BlobCommit
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			return 0, nil, fmt.Errorf("decode blob commit: %w", err)
		}
		return c.SizeBytes, &c, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, nil, &HTTPError{Status: resp.StatusCode, Body: string(b)}
	}
}

// OffsetStaleError reports the server-side authoritative offset after a
// chunk landed at the wrong position.
type OffsetStaleError struct {
	Offset int64
}

func (e *OffsetStaleError) Error() string {
	return fmt.Sprintf("stale chunk offset, server is at %d", e.Offset)
}
