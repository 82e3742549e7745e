package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

var fixedTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/content/v1/read/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "do_1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"content":{"identifier":"do_1","name":"Maths","pkgVersion":3,"size":10,"downloadUrl":"http://x/do_1.ecar"}}}`))
	})
	mux.HandleFunc("POST /api/content/v1/search", func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode search: %v", err)
		}
		ids := req.Request.Filters.Identifier
		if len(ids) != 2 || ids[0] != "do_a" {
			t.Errorf("unexpected search filter: %v", ids)
		}
		_, _ = w.Write([]byte(`{"result":{"count":1,"content":[{"identifier":"do_a"}]}}`))
	})
	mux.HandleFunc("GET /files/blob", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", fixedTime, strings.NewReader("0123456789"))
	})
	mux.HandleFunc("GET /files/norange", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, New(WithClient(ts.Client()), WithBaseURL(ts.URL+"/"))
}

func TestRead(t *testing.T) {
	_, c := newTestServer(t)

	it, err := c.Read(context.Background(), "do_1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if it.Name != "Maths" || it.PkgVersion != 3 || it.Size != 10 {
		t.Errorf("unexpected item: %+v", it)
	}

	_, err = c.Read(context.Background(), "do_missing")
	if !apperror.Is(err, apperror.ContentNotFound) {
		t.Errorf("expected CONTENT_NOT_FOUND, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	_, c := newTestServer(t)

	items, err := c.Search(context.Background(), []string{"do_a", "do_b"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].Identifier != "do_a" {
		t.Errorf("unexpected result: %+v", items)
	}

	items, err = c.Search(context.Background(), nil)
	if err != nil || items != nil {
		t.Errorf("empty search should be a no-op, got %v %v", items, err)
	}
}

func TestOpen_Resumes(t *testing.T) {
	ts, c := newTestServer(t)

	body, err := c.Open(context.Background(), ts.URL+"/files/blob", 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = body.Close() }()
	rest, _ := io.ReadAll(body)
	if body.Offset != 4 || string(rest) != "456789" || body.Total != 10 {
		t.Errorf("expected resumed body, got offset=%d total=%d %q", body.Offset, body.Total, rest)
	}
}

func TestOpen_RangeIgnored(t *testing.T) {
	ts, c := newTestServer(t)

	body, err := c.Open(context.Background(), ts.URL+"/files/norange", 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = body.Close() }()
	all, _ := io.ReadAll(body)
	if body.Offset != 0 || string(all) != "0123456789" {
		t.Errorf("expected full body from zero, got offset=%d %q", body.Offset, all)
	}

	_, err = c.Open(context.Background(), ts.URL+"/files/missing", 0)
	if !apperror.Is(err, apperror.DownloadFailed) {
		t.Errorf("expected DOWNLOAD_FAILED, got %v", err)
	}
}
