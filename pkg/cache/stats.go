package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagecached/pagecached/pkg/index"
)

// Stats maps module names to entry count and size aggregates.
type Stats map[string]index.ModuleStats

// statsCache holds the last computed snapshot. Aggregation queries scan
// every index table, so a snapshot within the grace window is served
// as-is and a stale one is served while a background refresh runs.
type statsCache struct {
	mu         sync.Mutex
	grace      time.Duration
	snapshot   Stats
	taken      time.Time
	refreshing bool
}

func (s *statsCache) invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// Stats returns the per-module aggregates. A cold cache computes them
// synchronously; within the grace window the snapshot is returned
// directly; past it the stale snapshot is returned and a refresh is
// deferred to the end of the request, or run in the background when the
// context carries no deferred task list.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.stats.mu.Lock()
	snapshot := m.stats.snapshot
	age := time.Since(m.stats.taken)

	if snapshot != nil && age <= m.stats.grace {
		m.stats.mu.Unlock()
		return snapshot, nil
	}

	if snapshot != nil {
		if !m.stats.refreshing {
			m.stats.refreshing = true
			refresh := func() error {
				refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_, err := m.RefreshStats(refreshCtx)
				m.stats.mu.Lock()
				m.stats.refreshing = false
				m.stats.mu.Unlock()
				if err != nil {
					return fmt.Errorf("stats refresh: %w", err)
				}
				return nil
			}
			if d := DeferredFrom(ctx); d != nil {
				d.add(refresh)
			} else {
				go func() {
					if err := refresh(); err != nil {
						m.logger.Warn().Err(err).Msg("Background stats refresh failed")
					}
				}()
			}
		}
		m.stats.mu.Unlock()
		return snapshot, nil
	}
	m.stats.mu.Unlock()

	return m.RefreshStats(ctx)
}

// RefreshStats recomputes the aggregates immediately and replaces the
// snapshot. Shutdown hooks call this so the final numbers are current.
func (m *Manager) RefreshStats(ctx context.Context) (Stats, error) {
	tables, err := m.indexTables()
	if err != nil {
		return nil, err
	}
	raw, err := m.index.Stats(ctx, tables)
	if err != nil {
		return nil, err
	}

	snapshot := Stats(raw)
	for module, s := range snapshot {
		StoredEntries.WithLabelValues(module).Set(float64(s.Count))
		StoredBytes.WithLabelValues(module).Set(float64(s.Size))
	}

	m.stats.mu.Lock()
	m.stats.snapshot = snapshot
	m.stats.taken = time.Now()
	m.stats.mu.Unlock()
	return snapshot, nil
}

func (m *Manager) indexTables() ([]string, error) {
	var tables []string
	for _, sc := range m.stores {
		if !sc.HashID {
			continue
		}
		table, err := index.IndexTable(sc.Module, sc.Store)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}
