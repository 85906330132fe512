package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pagecached/pagecached/pkg/cache"
	"github.com/pagecached/pagecached/pkg/logging"
)

// registerAdmin mounts the maintenance endpoints. They are meant to sit
// behind network-level access control, not to be exposed publicly.
func registerAdmin(mux *http.ServeMux, manager *cache.Manager) {
	logger := logging.NewLogger("admin")

	mux.HandleFunc("POST /admin/flush", func(w http.ResponseWriter, r *http.Request) {
		module := r.URL.Query().Get("module")
		storeName := r.URL.Query().Get("store")

		if err := manager.Flush(r.Context(), module, storeName); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, cache.ErrUnknownStore) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		logger.Info().Str("module", module).Str("store", storeName).Msg("Flush requested")
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
	})

	mux.HandleFunc("POST /admin/prune", func(w http.ResponseWriter, r *http.Request) {
		module := r.URL.Query().Get("module")
		storeName := r.URL.Query().Get("store")

		if err := manager.Prune(r.Context(), module, storeName); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, cache.ErrUnknownStore) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "pruned"})
	})

	mux.HandleFunc("GET /admin/stats", func(w http.ResponseWriter, r *http.Request) {
		// A stale snapshot queues its refresh here; it runs after the
		// response is written
		ctx, deferred := cache.WithDeferred(r.Context())

		stats, err := manager.Stats(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if module := r.URL.Query().Get("module"); module != "" {
			writeJSON(w, http.StatusOK, cache.Stats{module: stats[module]})
		} else {
			writeJSON(w, http.StatusOK, stats)
		}

		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		for _, task := range deferred.Drain() {
			if err := task(); err != nil {
				logger.Warn().Err(err).Msg("Deferred task failed")
			}
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
