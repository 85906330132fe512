// Package testutil provides testing utilities for the page cache.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockPage defines the behavior for a mock origin page.
type MockPage struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for testing the cache in
// front of it. It counts renders so tests can assert which requests
// were served from the cache.
type MockOrigin struct {
	server *httptest.Server
	mu     sync.RWMutex
	pages  map[string]MockPage

	// Tracking
	RenderCount       int
	ConditionalCount  int
	LastRequestHeader http.Header
}

// NewMockOrigin creates a mock origin server.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		pages: make(map[string]MockPage),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RenderCount++
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		count := mock.RenderCount
		page, exists := mock.pages[r.URL.Path]
		mock.mu.Unlock()

		if !exists {
			// Default page carries the render count so staleness is
			// observable in tests
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html><body>%s render %d</body></html>", r.URL.Path, count)
			return
		}

		if page.Delay > 0 {
			time.Sleep(page.Delay)
		}
		for key, value := range page.Headers {
			w.Header().Set(key, value)
		}
		status := page.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if page.Body != "" {
			w.Write([]byte(page.Body))
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Handler returns the underlying handler for in-process wiring without
// a network listener.
func (m *MockOrigin) Handler() http.Handler {
	return m.server.Config.Handler
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RenderCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
}

// SetPage configures the response for a path.
func (m *MockOrigin) SetPage(path string, page MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = page
}

// Renders returns the number of pages rendered by the origin.
func (m *MockOrigin) Renders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RenderCount
}
