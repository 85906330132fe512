// Package server implements the request-serving controller: an HTTP
// middleware that answers page requests from the cache, handles
// conditional requests, and writes rendered responses back through the
// orchestrator.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/cache"
	"github.com/pagecached/pagecached/pkg/hashpath"
	"github.com/pagecached/pagecached/pkg/logging"
	"github.com/pagecached/pagecached/pkg/policy"
)

// Config holds the controller configuration.
type Config struct {
	// Cache is the page cache orchestrator.
	Cache *cache.Manager

	// Module and Store name the page store in the registry.
	Module string
	Store  string

	// Matcher, Rules, and Mode define the caching policy.
	Matcher *policy.Matcher
	Rules   []*policy.Rule
	Mode    policy.Mode

	// Transforms run over the body before it is served and stored.
	Transforms []*Transform

	// BypassParam is a query parameter that skips the cache for one
	// request (removed from the cache subject).
	BypassParam string

	// ContentType is sent with cached pages.
	ContentType string
}

// DefaultConfig returns a controller configuration for the standard
// page store.
func DefaultConfig(manager *cache.Manager, matcher *policy.Matcher) Config {
	return Config{
		Cache:       manager,
		Module:      "page",
		Store:       "html",
		Matcher:     matcher,
		Mode:        policy.ModeExclude,
		BypassParam: "nocache",
		ContentType: "text/html; charset=utf-8",
	}
}

// Controller serves page requests from the cache and writes misses back.
type Controller struct {
	cfg         Config
	next        http.Handler
	storeExpire time.Duration
	logger      zerolog.Logger
}

// New wraps the next handler (the page renderer or origin proxy) with
// the caching controller.
func New(cfg Config, next http.Handler) (*Controller, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache manager is required")
	}
	if next == nil {
		return nil, fmt.Errorf("next handler is required")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("policy matcher is required")
	}
	if cfg.Module == "" || cfg.Store == "" {
		return nil, fmt.Errorf("page store is required")
	}
	sc, err := cfg.Cache.StoreConfig(cfg.Module, cfg.Store)
	if err != nil {
		return nil, err
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}

	cfg.Matcher.CompileRules(cfg.Rules)
	logger := logging.NewLogger("server")
	for _, t := range cfg.Transforms {
		if err := t.Compile(); err != nil {
			logger.Warn().Err(err).Str("search", t.Search).Msg("Transform pattern invalid")
		}
	}

	return &Controller{
		cfg:         cfg,
		next:        next,
		storeExpire: sc.Expire,
		logger:      logger,
	}, nil
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		c.next.ServeHTTP(w, r)
		return
	}

	ov := OverridesFrom(r.Context())
	if ov.Disable || c.bypassRequested(r) {
		w.Header().Set("X-Page-Cache", diagnostic("bypass", start))
		c.next.ServeHTTP(w, r)
		ServeDuration.WithLabelValues("bypass").Observe(time.Since(start).Seconds())
		return
	}

	subject := NormalizeURL(r, c.cfg.BypassParam)
	hash := hashpath.Digest(subject)

	if c.serveHit(w, r, hash, ov, start) {
		return
	}
	c.serveMiss(w, r, subject, hash, ov, start)
}

func (c *Controller) bypassRequested(r *http.Request) bool {
	if c.cfg.BypassParam == "" {
		return false
	}
	return r.URL.Query().Has(c.cfg.BypassParam)
}

// serveHit answers the request from the cache, reporting whether it did.
func (c *Controller) serveHit(w http.ResponseWriter, r *http.Request, hash string, ov Overrides, start time.Time) bool {
	ctx := r.Context()

	meta, err := c.cfg.Cache.Meta(ctx, c.cfg.Module, c.cfg.Store, hash)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("hash", hash).Msg("Meta read failed")
		}
		return false
	}

	expire := c.storeExpire
	if ov.Expire > 0 {
		expire = ov.Expire
	}
	if !meta.Fresh(expire, time.Now()) {
		return false
	}

	etag := `"` + meta.Validator + `"`

	if notModified(r, etag, meta.Timestamp) {
		header := w.Header()
		header.Set("ETag", etag)
		header.Set("Last-Modified", meta.Timestamp.UTC().Format(http.TimeFormat))
		header.Set("Vary", "Accept-Encoding")
		header.Set("X-Page-Cache", diagnostic("hit", start))
		w.WriteHeader(http.StatusNotModified)
		NotModifiedResponses.Inc()
		ServeDuration.WithLabelValues("hit").Observe(time.Since(start).Seconds())
		return true
	}

	body, encoding, err := c.readBody(r, hash)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("hash", hash).Msg("Cache read failed")
		}
		return false
	}

	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Last-Modified", meta.Timestamp.UTC().Format(http.TimeFormat))
	header.Set("Vary", "Accept-Encoding")
	header.Set("Content-Type", c.cfg.ContentType)
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}
	header.Set("X-Page-Cache", diagnostic("hit", start))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := w.Write(body); err != nil {
			c.logger.Debug().Err(err).Msg("Client write failed")
		}
	}
	ServeDuration.WithLabelValues("hit").Observe(time.Since(start).Seconds())
	return true
}

// readBody picks the served representation: the pre-compressed sibling
// for gzip-capable clients when the store carries one, otherwise the
// plain payload.
func (c *Controller) readBody(r *http.Request, hash string) ([]byte, string, error) {
	ctx := r.Context()

	if acceptsGzip(r) {
		gz, err := c.cfg.Cache.GetGzip(ctx, c.cfg.Module, c.cfg.Store, hash)
		if err == nil {
			return gz, "gzip", nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			return nil, "", err
		}
	}

	body, err := c.cfg.Cache.Get(ctx, c.cfg.Module, c.cfg.Store, hash)
	if err != nil {
		return nil, "", err
	}
	return body, "", nil
}

// serveMiss renders through the next handler, applies policy and
// transforms, stores cacheable responses, and forwards the result.
func (c *Controller) serveMiss(w http.ResponseWriter, r *http.Request, subject, hash string, ov Overrides, start time.Time) {
	ctx, deferred := cache.WithDeferred(r.Context())

	rec := newCaptureWriter()
	c.next.ServeHTTP(rec, r.WithContext(ctx))
	body := rec.body.Bytes()

	// Encoded bodies cannot be transformed or validated; the upstream
	// request should be sent without Accept-Encoding so the renderer
	// produces identity bytes.
	encoded := rec.header.Get("Content-Encoding")
	identity := encoded == "" || encoded == "identity"

	cacheable := false
	var rule *policy.Rule
	if rec.status == http.StatusOK && len(body) > 0 && identity {
		result := c.cfg.Matcher.Match(subject, c.cfg.Rules, c.cfg.Mode)
		cacheable = result.Matched
		rule = result.Rule
	}
	if ov.Force {
		cacheable = rec.status == http.StatusOK && len(body) > 0 && identity
	}

	if rec.status == http.StatusOK && identity {
		body = applyTransforms(body, c.cfg.Transforms)
	}

	if cacheable {
		meta := cache.NewPageMeta(body)
		boost := ov.Boost
		if rule != nil {
			if rule.Expire > 0 {
				meta.Expire = rule.Expire
			}
			boost = boost || rule.Boost
		}
		if ov.Expire > 0 {
			meta.Expire = ov.Expire
		}
		meta.Accelerated = boost

		// Write-back is best-effort: a failed store never fails the
		// response and is not retried
		if _, err := c.cfg.Cache.Put(ctx, c.cfg.Module, c.cfg.Store, hash, body, cache.WriteOptions{Meta: meta, Boost: boost}); err != nil {
			c.logger.Warn().Err(err).Str("hash", hash).Msg("Cache write failed")
		}
	}

	header := w.Header()
	for key, values := range rec.header {
		// Transforms change the body length; the framing headers are
		// recomputed for the bytes actually written
		if key == "Content-Length" || key == "Transfer-Encoding" {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set("X-Page-Cache", diagnostic("miss", start))
	w.WriteHeader(rec.status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(body); err != nil {
			c.logger.Debug().Err(err).Msg("Client write failed")
		}
	}
	ServeDuration.WithLabelValues("miss").Observe(time.Since(start).Seconds())

	c.runDeferred(w, deferred)
}

// runDeferred flushes the response and runs end-of-request tasks. Task
// failures are joined and logged; the response is already on the wire.
func (c *Controller) runDeferred(w http.ResponseWriter, deferred *cache.Deferred) {
	tasks := deferred.Drain()
	if len(tasks) == 0 {
		return
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	var errs []error
	for _, task := range tasks {
		if err := task(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn().Err(err).Int("tasks", len(tasks)).Msg("Deferred tasks failed")
	}
}

// notModified evaluates the conditional request headers against the
// entry's validators. If-None-Match wins over If-Modified-Since.
func notModified(r *http.Request, etag string, modified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			candidate = strings.TrimPrefix(candidate, "W/")
			if candidate == etag || candidate == "*" {
				return true
			}
		}
		return false
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !modified.UTC().Truncate(time.Second).After(t)
	}
	return false
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		encoding := strings.TrimSpace(part)
		if encoding == "gzip" || strings.HasPrefix(encoding, "gzip;") {
			return true
		}
	}
	return false
}

// diagnostic formats the X-Page-Cache value: outcome plus the serve
// latency so far in milliseconds.
func diagnostic(outcome string, start time.Time) string {
	return fmt.Sprintf("%s (%.2fms)", outcome, float64(time.Since(start).Microseconds())/1000)
}
