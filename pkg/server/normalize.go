package server

import (
	"net/http"
	"strings"
)

// NormalizeURL builds the canonical cache subject for a request:
// scheme, host without default port, path, and query with the bypass
// parameter removed. The digest lowercases, so scheme and host case
// never split entries.
func NormalizeURL(r *http.Request, bypassParam string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(r.URL.Path)

	if r.URL.RawQuery != "" {
		query := r.URL.Query()
		if bypassParam != "" {
			query.Del(bypassParam)
		}
		if len(query) > 0 {
			b.WriteByte('?')
			// Encode sorts keys, so parameter order never splits entries
			b.WriteString(query.Encode())
		}
	}
	return b.String()
}
