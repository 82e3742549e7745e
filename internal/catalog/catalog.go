// Package catalog is a client for the remote content catalog: content
// metadata reads, identifier searches and artifact downloads.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
)

const (
	defaultBaseURL = "http://localhost:9000"
	readPath       = "/api/content/v1/read/"
	searchPath     = "/api/content/v1/search"
	userAgent      = "ecar-manager/1.0"
)

type Client struct {
	client  *http.Client
	baseURL string
}

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client.
func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBaseURL overrides the catalog base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

type readResponse struct {
	Result struct {
		Content *content.Item `json:"content"`
	} `json:"result"`
}

type searchRequest struct {
	Request struct {
		Filters struct {
			Identifier []string `json:"identifier"`
		} `json:"filters"`
		Limit int `json:"limit,omitempty"`
	} `json:"request"`
}

type searchResponse struct {
	Result struct {
		Count   int            `json:"count"`
		Content []content.Item `json:"content"`
	} `json:"result"`
}

// Read fetches the metadata of one content item.
func (c *Client) Read(ctx context.Context, id string) (*content.Item, error) {
	if id == "" {
		return nil, apperror.New(apperror.BadRequest, "content id cannot be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+readPath+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build read request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.client.Do(req) //nolint:gosec // URL from internal config
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", id, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return nil, apperror.New(apperror.ContentNotFound, "content not found in catalog: "+id)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned HTTP %d for %s", res.StatusCode, id)
	}

	var body readResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode read response: %w", err)
	}
	if body.Result.Content == nil || body.Result.Content.Identifier == "" {
		return nil, apperror.New(apperror.ContentNotFound, "content not found in catalog: "+id)
	}
	return body.Result.Content, nil
}

// Search returns the catalog metadata for the given identifiers. Unknown
// identifiers are simply absent from the result.
func (c *Client) Search(ctx context.Context, ids []string) ([]content.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var sr searchRequest
	sr.Request.Filters.Identifier = ids
	sr.Request.Limit = len(ids)
	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+searchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.client.Do(req) //nolint:gosec // URL from internal config
	if err != nil {
		return nil, fmt.Errorf("search contents: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog search returned HTTP %d", res.StatusCode)
	}
	var body searchResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return body.Result.Content, nil
}

// Body is an artifact download in progress.
type Body struct {
	io.ReadCloser
	// Offset is where the body starts; 0 when the server ignored the range.
	Offset int64
	// Total is the full artifact size, -1 when unknown.
	Total int64
}

// Open starts downloading url from offset. Servers that do not honour the
// range restart from zero, which Body.Offset reports.
func (c *Client) Open(ctx context.Context, url string, offset int64) (*Body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	res, err := c.client.Do(req) //nolint:gosec // URL from catalog metadata
	if err != nil {
		return nil, apperror.Wrap(apperror.DownloadFailed, err)
	}

	switch res.StatusCode {
	case http.StatusOK:
		return &Body{ReadCloser: res.Body, Offset: 0, Total: res.ContentLength}, nil
	case http.StatusPartialContent:
		total := int64(-1)
		if res.ContentLength >= 0 {
			total = offset + res.ContentLength
		}
		return &Body{ReadCloser: res.Body, Offset: offset, Total: total}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		_ = res.Body.Close()
		// Already complete.
		return &Body{ReadCloser: io.NopCloser(bytes.NewReader(nil)), Offset: offset, Total: offset}, nil
	default:
		_ = res.Body.Close()
		return nil, apperror.New(apperror.DownloadFailed, fmt.Sprintf("download returned HTTP %d", res.StatusCode))
	}
}
