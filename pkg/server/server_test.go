package server

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"

	"github.com/pagecached/pagecached/pkg/cache"
	"github.com/pagecached/pagecached/pkg/index"
	"github.com/pagecached/pagecached/pkg/policy"
	"github.com/pagecached/pagecached/pkg/store"
)

type testOrigin struct {
	renders atomic.Int64
	status  int
	body    string
}

func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.renders.Add(1)
	status := o.status
	if status == 0 {
		status = http.StatusOK
	}
	body := o.body
	if body == "" {
		body = "<html><body>rendered " + r.URL.Path + "</body></html>"
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func newTestManager(t *testing.T, staticGzip bool) *cache.Manager {
	t.Helper()

	root := t.TempDir()
	files, err := store.NewFileStore(filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(root, "index.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := cache.DefaultConfig(files, index.NewDirectory(db))
	cfg.Stores = []cache.StoreConfig{
		{Module: "page", Store: "html", FileExt: ".html", Expire: time.Hour, Compress: true, StaticGzip: staticGzip},
	}
	m, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	return m
}

func newTestController(t *testing.T, origin *testOrigin, mutate func(*Config)) *Controller {
	t.Helper()

	cfg := DefaultConfig(newTestManager(t, false), policy.NewMatcher(policy.NewRegistry()))
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, origin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func doGet(c *Controller, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_MissThenHit(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, nil)

	first := doGet(c, "http://site/blog/post-1", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.Code)
	}
	if got := first.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "miss") {
		t.Errorf("X-Page-Cache = %q, want miss", got)
	}
	if origin.renders.Load() != 1 {
		t.Fatalf("renders = %d, want 1", origin.renders.Load())
	}

	second := doGet(c, "http://site/blog/post-1", nil)
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", second.Code)
	}
	if !strings.HasPrefix(second.Header().Get("X-Page-Cache"), "hit") {
		t.Errorf("X-Page-Cache = %q, want hit", second.Header().Get("X-Page-Cache"))
	}
	if origin.renders.Load() != 1 {
		t.Errorf("renders = %d after hit, want 1", origin.renders.Load())
	}
	if second.Body.String() != first.Body.String() {
		t.Error("cached body differs from rendered body")
	}
	if second.Header().Get("ETag") == "" {
		t.Error("hit response missing ETag")
	}
	if second.Header().Get("Last-Modified") == "" {
		t.Error("hit response missing Last-Modified")
	}
	if second.Header().Get("Vary") != "Accept-Encoding" {
		t.Errorf("Vary = %q", second.Header().Get("Vary"))
	}
}

func TestServeHTTP_NotModified(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, nil)

	doGet(c, "http://site/page", nil)
	warm := doGet(c, "http://site/page", nil)
	etag := warm.Header().Get("ETag")
	lastModified := warm.Header().Get("Last-Modified")

	conditional := doGet(c, "http://site/page", map[string]string{"If-None-Match": etag})
	if conditional.Code != http.StatusNotModified {
		t.Errorf("If-None-Match status = %d, want 304", conditional.Code)
	}
	if conditional.Body.Len() != 0 {
		t.Error("304 response carries a body")
	}

	conditional = doGet(c, "http://site/page", map[string]string{"If-Modified-Since": lastModified})
	if conditional.Code != http.StatusNotModified {
		t.Errorf("If-Modified-Since status = %d, want 304", conditional.Code)
	}

	// A mismatching validator gets the full response
	full := doGet(c, "http://site/page", map[string]string{"If-None-Match": `"other"`})
	if full.Code != http.StatusOK {
		t.Errorf("mismatched If-None-Match status = %d, want 200", full.Code)
	}
	if origin.renders.Load() != 1 {
		t.Errorf("renders = %d, want 1 (all conditional requests served from cache)", origin.renders.Load())
	}
}

func TestServeHTTP_Bypass(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, nil)

	doGet(c, "http://site/page", nil)

	bypass := doGet(c, "http://site/page?nocache=1", nil)
	if got := bypass.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "bypass") {
		t.Errorf("X-Page-Cache = %q, want bypass", got)
	}
	if origin.renders.Load() != 2 {
		t.Errorf("renders = %d, want 2 (bypass reaches origin)", origin.renders.Load())
	}

	// Bypass does not overwrite the cached entry either
	hit := doGet(c, "http://site/page", nil)
	if !strings.HasPrefix(hit.Header().Get("X-Page-Cache"), "hit") {
		t.Errorf("X-Page-Cache = %q, want hit", hit.Header().Get("X-Page-Cache"))
	}
}

func TestServeHTTP_IncludePolicy(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, func(cfg *Config) {
		cfg.Mode = policy.ModeInclude
		cfg.Rules = []*policy.Rule{{String: "/blog/"}}
	})

	doGet(c, "http://site/blog/post", nil)
	blog := doGet(c, "http://site/blog/post", nil)
	if !strings.HasPrefix(blog.Header().Get("X-Page-Cache"), "hit") {
		t.Error("matching page should be cached in include mode")
	}

	doGet(c, "http://site/shop/item", nil)
	shop := doGet(c, "http://site/shop/item", nil)
	if got := shop.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "miss") {
		t.Errorf("non-matching page X-Page-Cache = %q, want miss", got)
	}
}

func TestServeHTTP_ExcludePolicy(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, func(cfg *Config) {
		cfg.Rules = []*policy.Rule{{String: "/checkout/"}}
	})

	doGet(c, "http://site/checkout/cart", nil)
	excluded := doGet(c, "http://site/checkout/cart", nil)
	if got := excluded.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "miss") {
		t.Errorf("excluded page X-Page-Cache = %q, want miss", got)
	}

	doGet(c, "http://site/blog/post", nil)
	allowed := doGet(c, "http://site/blog/post", nil)
	if !strings.HasPrefix(allowed.Header().Get("X-Page-Cache"), "hit") {
		t.Error("non-excluded page should be cached in exclude mode")
	}
}

func TestServeHTTP_RuleExpireOverride(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, func(cfg *Config) {
		cfg.Mode = policy.ModeInclude
		cfg.Rules = []*policy.Rule{{String: "/news/", Expire: time.Millisecond}}
	})

	doGet(c, "http://site/news/today", nil)
	time.Sleep(1100 * time.Millisecond)

	// Meta timestamps have second resolution; after the override expiry
	// the entry is stale even though the store allows an hour
	stale := doGet(c, "http://site/news/today", nil)
	if got := stale.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "miss") {
		t.Errorf("X-Page-Cache = %q, want miss after override expiry", got)
	}
	if origin.renders.Load() != 2 {
		t.Errorf("renders = %d, want 2", origin.renders.Load())
	}
}

func TestServeHTTP_Transforms(t *testing.T) {
	origin := &testOrigin{body: "<html>http://site/a and http://site/b</html>"}
	c := newTestController(t, origin, func(cfg *Config) {
		cfg.Transforms = []*Transform{
			{Search: "http://site/", Replace: "https://cdn.site/"},
			{Search: "([unclosed", Replace: "x", Regex: true},
		}
	})

	first := doGet(c, "http://site/page", nil)
	want := "<html>https://cdn.site/a and https://cdn.site/b</html>"
	if first.Body.String() != want {
		t.Errorf("transformed body = %q, want %q", first.Body.String(), want)
	}

	// The stored entry carries the transformed body too
	second := doGet(c, "http://site/page", nil)
	if second.Body.String() != want {
		t.Errorf("cached body = %q, want %q", second.Body.String(), want)
	}
}

func TestServeHTTP_TransformGrowsDeclaredLength(t *testing.T) {
	body := "<html>short</html>"
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		fmt.Fprint(w, body)
	})

	cfg := DefaultConfig(newTestManager(t, false), policy.NewMatcher(policy.NewRegistry()))
	cfg.Transforms = []*Transform{{Search: "short", Replace: "considerably-longer-replacement"}}
	c, err := New(cfg, origin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// A real server enforces the declared Content-Length; the captured
	// origin value must not survive a body-changing transform
	front := httptest.NewServer(c)
	defer front.Close()

	resp, err := http.Get(front.URL + "/page")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	want := "<html>considerably-longer-replacement</html>"
	if string(got) != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" && cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %s, want %d", cl, len(want))
	}
}

func TestServeHTTP_EncodedResponseNotCached(t *testing.T) {
	var renders atomic.Int64
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renders.Add(1)
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("<html>encoded</html>"))
		_ = zw.Close()
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})

	cfg := DefaultConfig(newTestManager(t, false), policy.NewMatcher(policy.NewRegistry()))
	c, err := New(cfg, origin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	headers := map[string]string{"Accept-Encoding": "gzip"}
	first := doGet(c, "http://site/page", headers)
	if got := first.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip passthrough", got)
	}

	// Encoded bytes are never stored: the next request renders again
	second := doGet(c, "http://site/page", headers)
	if got := second.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "miss") {
		t.Errorf("X-Page-Cache = %q, want miss for encoded response", got)
	}
	if renders.Load() != 2 {
		t.Errorf("renders = %d, want 2", renders.Load())
	}
}

func TestServeHTTP_DiagnosticLatency(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, nil)

	format := regexp.MustCompile(`^(miss|hit|bypass) \(\d+\.\d{2}ms\)$`)

	miss := doGet(c, "http://site/page", nil)
	if got := miss.Header().Get("X-Page-Cache"); !format.MatchString(got) {
		t.Errorf("miss diagnostic = %q, want outcome with latency", got)
	}
	hit := doGet(c, "http://site/page", nil)
	if got := hit.Header().Get("X-Page-Cache"); !format.MatchString(got) {
		t.Errorf("hit diagnostic = %q, want outcome with latency", got)
	}
	bypass := doGet(c, "http://site/page?nocache=1", nil)
	if got := bypass.Header().Get("X-Page-Cache"); !format.MatchString(got) {
		t.Errorf("bypass diagnostic = %q, want outcome with latency", got)
	}
}

func TestServeHTTP_ErrorsNotCached(t *testing.T) {
	origin := &testOrigin{status: http.StatusInternalServerError}
	c := newTestController(t, origin, nil)

	doGet(c, "http://site/broken", nil)
	second := doGet(c, "http://site/broken", nil)
	if second.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", second.Code)
	}
	if origin.renders.Load() != 2 {
		t.Errorf("renders = %d, want 2 (errors are never cached)", origin.renders.Load())
	}
}

func TestServeHTTP_PostPassesThrough(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, nil)

	req := httptest.NewRequest(http.MethodPost, "http://site/form", strings.NewReader("a=1"))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	if rec.Header().Get("X-Page-Cache") != "" {
		t.Error("POST should not carry a cache diagnostic")
	}
	if origin.renders.Load() != 1 {
		t.Errorf("renders = %d, want 1", origin.renders.Load())
	}
}

func TestServeHTTP_GzipHit(t *testing.T) {
	origin := &testOrigin{body: strings.Repeat("<p>compressible</p>", 50)}
	cfg := DefaultConfig(newTestManager(t, true), policy.NewMatcher(policy.NewRegistry()))
	c, err := New(cfg, origin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	doGet(c, "http://site/page", nil)

	hit := doGet(c, "http://site/page", map[string]string{"Accept-Encoding": "gzip, deflate"})
	if hit.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", hit.Header().Get("Content-Encoding"))
	}
	r, err := gzip.NewReader(hit.Body)
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if out.String() != origin.body {
		t.Error("gzip body does not decode to the original page")
	}

	// Clients without gzip support get the plain body
	plain := doGet(c, "http://site/page", nil)
	if plain.Header().Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding = %q for plain client", plain.Header().Get("Content-Encoding"))
	}
	if plain.Body.String() != origin.body {
		t.Error("plain body does not match the original page")
	}
}

func TestServeHTTP_Overrides(t *testing.T) {
	origin := &testOrigin{}
	c := newTestController(t, origin, func(cfg *Config) {
		// Include mode with no rules: nothing is cacheable by default
		cfg.Mode = policy.ModeInclude
	})

	req := httptest.NewRequest(http.MethodGet, "http://site/forced", nil)
	req = req.WithContext(WithOverrides(req.Context(), Overrides{Force: true}))
	c.ServeHTTP(httptest.NewRecorder(), req)

	hit := doGet(c, "http://site/forced", nil)
	if !strings.HasPrefix(hit.Header().Get("X-Page-Cache"), "hit") {
		t.Error("forced entry should be cached despite the policy")
	}

	// Disable skips lookup and write-back entirely
	req = httptest.NewRequest(http.MethodGet, "http://site/forced", nil)
	req = req.WithContext(WithOverrides(req.Context(), Overrides{Disable: true}))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Page-Cache"); !strings.HasPrefix(got, "bypass") {
		t.Errorf("X-Page-Cache = %q, want bypass", got)
	}
}

func TestDefer(t *testing.T) {
	var order []string
	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Defer(r.Context(), func() error {
			order = append(order, "deferred")
			return nil
		}); err != nil {
			t.Errorf("Defer failed: %v", err)
		}
		order = append(order, "render")
		fmt.Fprint(w, "body")
	})

	cfg := DefaultConfig(newTestManager(t, false), policy.NewMatcher(policy.NewRegistry()))
	c, err := New(cfg, origin)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	doGet(c, "http://site/page", nil)
	if len(order) != 2 || order[0] != "render" || order[1] != "deferred" {
		t.Errorf("execution order = %v, want [render deferred]", order)
	}

	// Without a cache-handled request the task runs inline
	ran := false
	if err := Defer(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Defer failed: %v", err)
	}
	if !ran {
		t.Error("task should run immediately outside a request")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name   string
		target string
		host   string
		want   string
	}{
		{"plain path", "http://site/blog/post", "site", "http://site/blog/post"},
		{"default port stripped", "http://site:80/page", "site:80", "http://site/page"},
		{"query sorted", "http://site/p?b=2&a=1", "site", "http://site/p?a=1&b=2"},
		{"bypass param removed", "http://site/p?nocache=1&a=1", "site", "http://site/p?a=1"},
		{"bypass only query dropped", "http://site/p?nocache=1", "site", "http://site/p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Host = tt.host
			if got := NormalizeURL(req, "nocache"); got != tt.want {
				t.Errorf("NormalizeURL = %q, want %q", got, tt.want)
			}
		})
	}
}
