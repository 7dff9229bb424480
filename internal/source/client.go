// Package source is the HTTP client for the source-side read API. It
// implements transfer.Source with per-class retry budgets: file-chunk
// requests get a smaller budget than metadata and row requests, because
// partial file state is cheaper to resume than to retry indefinitely.
package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/lherron/siteporter/internal/domain"
)

// SecretHeader carries the shared secret on every request.
const SecretHeader = "X-Siteporter-Secret"

const (
	metadataRetryMax = 4
	chunkRetryMax    = 2
)

// Client talks to one source endpoint.
type Client struct {
	baseURL string
	secret  string
	meta    *retryablehttp.Client
	chunked *retryablehttp.Client
}

// New creates a client for the given endpoint and shared secret.
func New(baseURL, secret string, log *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		meta:    newRetryClient(metadataRetryMax, log),
		chunked: newRetryClient(chunkRetryMax, log),
	}
}

func newRetryClient(retryMax int, log *logrus.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 16 * time.Second
	c.HTTPClient.Timeout = 60 * time.Second
	if log != nil {
		c.Logger = log
	} else {
		c.Logger = nil
	}
	// Auth failures must propagate immediately, never retry.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return c
}

// get issues one authenticated request and decodes the JSON response.
func (c *Client) get(ctx context.Context, client *retryablehttp.Client, method, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set(SecretHeader, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &domain.TransientError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Detail: fmt.Sprintf("source rejected %s with %d", path, resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &domain.TransientError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("source returned %d for %s: %s", resp.StatusCode, path, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Handshake authenticates and fetches source capability info.
func (c *Client) Handshake(ctx context.Context) (*domain.SourceInfo, error) {
	var info domain.SourceInfo
	if err := c.get(ctx, c.meta, http.MethodPost, "/handshake", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Manifest fetches the filtered file list.
func (c *Client) Manifest(ctx context.Context) ([]domain.ManifestEntry, error) {
	var out struct {
		Files []domain.ManifestEntry `json:"files"`
		Count int                    `json:"count"`
	}
	if err := c.get(ctx, c.meta, http.MethodGet, "/scan/manifest", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Tables fetches the table descriptors.
func (c *Client) Tables(ctx context.Context) ([]domain.Table, error) {
	var out struct {
		Tables []domain.Table `json:"tables"`
		Count  int            `json:"count"`
	}
	if err := c.get(ctx, c.meta, http.MethodGet, "/scan/database", nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// SchemaSQL fetches the verbatim CREATE TABLE text for one table.
func (c *Client) SchemaSQL(ctx context.Context, table string) (string, error) {
	var out struct {
		Table  string `json:"table"`
		Schema string `json:"schema"`
	}
	q := url.Values{"table": {table}}
	if err := c.get(ctx, c.meta, http.MethodGet, "/stream/schema", q, &out); err != nil {
		return "", err
	}
	return out.Schema, nil
}

// Rows fetches the next row page. cursor is the opaque continuation token
// from the previous batch; empty starts at the beginning.
func (c *Client) Rows(ctx context.Context, table, cursor string, batchSize int) (*domain.RowBatch, error) {
	q := url.Values{
		"table": {table},
		"batch": {strconv.Itoa(batchSize)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var batch domain.RowBatch
	if err := c.get(ctx, c.meta, http.MethodGet, "/stream/rows", q, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// FileChunk fetches one checksummed byte range.
func (c *Client) FileChunk(ctx context.Context, path string, start, end int64) (*domain.Chunk, error) {
	q := url.Values{
		"path":  {path},
		"start": {strconv.FormatInt(start, 10)},
		"end":   {strconv.FormatInt(end, 10)},
	}
	var chunk domain.Chunk
	if err := c.get(ctx, c.chunked, http.MethodGet, "/stream/file", q, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// FileBatch fetches one compressed archive of small files.
func (c *Client) FileBatch(ctx context.Context, paths []string) ([]byte, error) {
	files, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	q := url.Values{"files": {string(files)}}
	var out struct {
		ArchiveB64 string `json:"archive"`
	}
	if err := c.get(ctx, c.chunked, http.MethodGet, "/stream/batch", q, &out); err != nil {
		return nil, err
	}
	archive, err := base64.StdEncoding.DecodeString(out.ArchiveB64)
	if err != nil {
		return nil, fmt.Errorf("invalid archive payload: %w", err)
	}
	return archive, nil
}
