package server

import (
	"bytes"
	"net/http"
)

// captureWriter buffers the downstream response instead of streaming it,
// so the body can be transformed and stored before anything reaches the
// client.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (w *captureWriter) Header() http.Header {
	return w.header
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
}

func (w *captureWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}
