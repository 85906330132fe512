package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/hashpath"
	"github.com/pagecached/pagecached/pkg/index"
	"github.com/pagecached/pagecached/pkg/logging"
	"github.com/pagecached/pagecached/pkg/store"
)

var (
	// ErrCacheMiss indicates no fresh entry exists for the hash.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnknownStore indicates the (module, store) pair is not
	// registered.
	ErrUnknownStore = errors.New("unknown cache store")
)

// Manager orchestrates the page cache: it maps hashes to paths, moves
// payloads through the file tier and the optional accelerated tier, and
// keeps the relational index in step with the files.
type Manager struct {
	files    *store.FileStore
	index    *index.Directory
	tier     store.Tier
	tierName string
	stores   map[string]StoreConfig

	pruneBatchSize int
	logger         zerolog.Logger
	stats          statsCache
}

// New creates a Manager from a validated configuration.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	stores := make(map[string]StoreConfig, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		stores[sc.Key()] = sc
	}

	tierName := ""
	switch cfg.Tier.(type) {
	case nil:
	case *store.MemoryTier:
		tierName = "memory"
	case *store.RedisTier:
		tierName = "redis"
	default:
		tierName = "tier"
	}

	m := &Manager{
		files:          cfg.Files,
		index:          cfg.Index,
		tier:           cfg.Tier,
		tierName:       tierName,
		stores:         stores,
		pruneBatchSize: cfg.PruneBatchSize,
		logger:         logging.NewLogger("cache"),
	}
	m.stats.grace = cfg.StatsGrace
	return m, nil
}

// StoreConfig returns the registered configuration for a pair.
func (m *Manager) StoreConfig(module, storeName string) (StoreConfig, error) {
	sc, ok := m.stores[module+"/"+storeName]
	if !ok {
		return StoreConfig{}, fmt.Errorf("%w: %s/%s", ErrUnknownStore, module, storeName)
	}
	return sc, nil
}

// WriteOptions carries per-entry overrides for Put.
type WriteOptions struct {
	// Meta is stored in the .meta sibling when set.
	Meta *PageMeta

	// Boost writes the entry to the accelerated tier even when the
	// store is not marked accelerated.
	Boost bool
}

// Put stores a payload under its hash and returns the stored size.
func (m *Manager) Put(ctx context.Context, module, storeName, hash string, body []byte, opts WriteOptions) (int64, error) {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return 0, err
	}
	if err := hashpath.Validate(hash); err != nil {
		return 0, err
	}

	var metaBytes []byte
	if opts.Meta != nil {
		metaBytes, err = opts.Meta.Encode()
		if err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, fmt.Errorf("encode meta: %w", err)
		}
	}
	fileOpts := store.PutOptions{
		Compress:   sc.Compress,
		StaticGzip: sc.StaticGzip,
		Meta:       metaBytes,
	}

	var size int64
	now := time.Now()

	if sc.HashID {
		id, createErr := m.index.CreateID(ctx, module, storeName, hash, sc.FileExt)
		if createErr != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, createErr
		}

		payloadPath, pathErr := idPath(sc, id, sc.FileExt)
		if pathErr != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, pathErr
		}
		size, err = m.files.Put(payloadPath, body, fileOpts)
		if err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, err
		}

		pointerPath, pathErr := entryPath(sc, hash)
		if pathErr != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, pathErr
		}
		if err := m.files.WritePointer(pointerPath, store.Pointer{ID: id, Suffix: sc.FileExt}); err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, err
		}

		if err := m.index.UpdateStats(ctx, module, storeName, id, now, size, sc.FileExt); err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, err
		}
	} else {
		path, pathErr := entryPath(sc, hash)
		if pathErr != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, pathErr
		}
		size, err = m.files.Put(path, body, fileOpts)
		if err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, err
		}
		if err := m.index.RecordEntry(ctx, module, storeName, hash, now, size); err != nil {
			CacheErrors.WithLabelValues("put").Inc()
			return 0, err
		}
	}

	if m.tier != nil && (sc.Accelerated || opts.Boost) {
		m.tier.Put(ctx, tierKey(module, storeName, hash), body, tierTTL(sc, opts.Meta))
	}

	CacheEntryBytes.WithLabelValues(module).Add(float64(size))
	m.stats.invalidate()

	m.logger.Debug().
		Str("module", module).
		Str("store", storeName).
		Str("hash", hash).
		Int64("size", size).
		Msg("Entry stored")
	return size, nil
}

// Get returns the payload for a hash. Expired or missing entries report
// ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, module, storeName, hash string) ([]byte, error) {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return nil, err
	}
	if err := hashpath.Validate(hash); err != nil {
		return nil, err
	}

	key := tierKey(module, storeName, hash)
	if m.tier != nil && sc.Accelerated {
		if data, ok := m.tier.Get(ctx, key); ok {
			CacheHits.WithLabelValues(m.tierName).Inc()
			return data, nil
		}
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(module).Inc()
		}
		return nil, err
	}

	if _, _, err := m.files.Stat(path, sc.Expire); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			CacheMisses.WithLabelValues(module).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}

	data, err := m.files.Get(path, sc.Compress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			CacheMisses.WithLabelValues(module).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}

	CacheHits.WithLabelValues("file").Inc()

	if m.tier != nil && sc.Accelerated {
		m.tier.Put(ctx, key, data, tierTTL(sc, nil))
	}
	return data, nil
}

// Exists reports whether a fresh entry is present for the hash.
func (m *Manager) Exists(ctx context.Context, module, storeName, hash string) bool {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return false
	}
	if err := hashpath.Validate(hash); err != nil {
		return false
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		return false
	}
	_, _, err = m.files.Stat(path, sc.Expire)
	return err == nil
}

// ExistsAlt reports whether the alternate-extension sibling of an entry
// is present and fresh. Sibling names append the extension to the full
// entry path, matching the delete convention.
func (m *Manager) ExistsAlt(ctx context.Context, module, storeName, hash, altExt string) bool {
	if altExt == "" {
		return false
	}
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return false
	}
	if err := hashpath.Validate(hash); err != nil {
		return false
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		return false
	}
	_, _, err = m.files.Stat(path+altExt, sc.Expire)
	return err == nil
}

// Meta returns the metadata record for a hash, or ErrCacheMiss when the
// entry or its metadata is absent.
func (m *Manager) Meta(ctx context.Context, module, storeName, hash string) (*PageMeta, error) {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return nil, err
	}
	if err := hashpath.Validate(hash); err != nil {
		return nil, err
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		return nil, err
	}
	data, err := m.files.Meta(path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	meta, err := DecodePageMeta(data)
	if err != nil {
		return nil, fmt.Errorf("decode meta for %s: %w", hash, err)
	}
	return meta, nil
}

// GetGzip returns the pre-compressed sibling of an entry, for stores
// written with StaticGzip. Missing siblings report ErrCacheMiss.
func (m *Manager) GetGzip(ctx context.Context, module, storeName, hash string) ([]byte, error) {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return nil, err
	}
	if err := hashpath.Validate(hash); err != nil {
		return nil, err
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		return nil, err
	}
	data, err := m.files.GetGzip(path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

// Delete removes an entry, its siblings, and its index rows. Deleting a
// missing entry is not an error.
func (m *Manager) Delete(ctx context.Context, module, storeName, hash string) error {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return err
	}
	if err := hashpath.Validate(hash); err != nil {
		return err
	}
	if err := m.deleteEntry(ctx, sc, hash); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	m.stats.invalidate()
	return nil
}

func (m *Manager) deleteEntry(ctx context.Context, sc StoreConfig, hash string) error {
	if err := m.removeFiles(ctx, sc, hash); err != nil {
		return err
	}
	if sc.HashID {
		return m.index.DeleteRow(ctx, sc.Module, sc.Store, hash)
	}
	return m.index.DeleteEntryRow(ctx, sc.Module, sc.Store, hash)
}

// removeFiles deletes the entry's files and evicts the tier, leaving the
// index row to the caller. Prune deletes rows per batch, Delete per entry.
func (m *Manager) removeFiles(ctx context.Context, sc StoreConfig, hash string) error {
	pointerPath, err := entryPath(sc, hash)
	if err != nil {
		return err
	}

	if sc.HashID {
		p, readErr := m.files.ReadPointer(pointerPath)
		if readErr == nil {
			payloadPath, pathErr := idPath(sc, p.ID, p.Suffix)
			if pathErr == nil {
				_ = m.files.Delete(payloadPath, sc.AltExts)
			}
		} else if !errors.Is(readErr, store.ErrNotFound) {
			m.logger.Warn().Err(readErr).Str("hash", hash).Msg("Pointer unreadable during delete")
		}
		_ = m.files.Delete(pointerPath, nil)
	} else {
		if err := m.files.Delete(pointerPath, sc.AltExts); err != nil {
			return err
		}
	}

	if m.tier != nil {
		m.tier.Delete(ctx, tierKey(sc.Module, sc.Store, hash))
	}
	return nil
}

// Preserve refreshes the entry's modification time when it is older than
// the given age, keeping it ahead of the prune sweep. Reports whether
// the entry was touched.
func (m *Manager) Preserve(ctx context.Context, module, storeName, hash string, olderThan time.Duration) (bool, error) {
	sc, err := m.StoreConfig(module, storeName)
	if err != nil {
		return false, err
	}
	if err := hashpath.Validate(hash); err != nil {
		return false, err
	}

	path, err := m.resolvePath(ctx, sc, hash)
	if err != nil {
		return false, err
	}
	touched, err := m.files.Preserve(path, olderThan)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrCacheMiss
		}
		return false, err
	}
	if touched {
		if err := m.index.TouchEntry(ctx, module, storeName, hash, time.Now(), sc.HashID); err != nil {
			return true, err
		}
	}
	return touched, nil
}

// Flush removes entries in scope: everything, one module, or one
// (module, store) pair.
func (m *Manager) Flush(ctx context.Context, module, storeName string) error {
	if module == "" && storeName != "" {
		return fmt.Errorf("flush scope: store without module")
	}
	if module != "" {
		if storeName != "" {
			if _, err := m.StoreConfig(module, storeName); err != nil {
				return err
			}
		} else if !m.moduleKnown(module) {
			return fmt.Errorf("%w: %s", ErrUnknownStore, module)
		}
	}

	var tables []string
	for _, sc := range m.stores {
		inScope := module == "" || (sc.Module == module && (storeName == "" || sc.Store == storeName))
		if !inScope {
			continue
		}
		if err := m.files.RemoveTree(sc.Prefix()); err != nil {
			CacheErrors.WithLabelValues("flush").Inc()
			return err
		}
		if sc.HashID {
			table, err := index.IndexTable(sc.Module, sc.Store)
			if err != nil {
				return err
			}
			tables = append(tables, table)
		}
	}

	if err := m.index.Truncate(ctx, module, storeName, tables); err != nil {
		CacheErrors.WithLabelValues("flush").Inc()
		return err
	}

	if m.tier != nil {
		// Tier keys are not enumerable per store: purge is tier-wide
		m.tier.Purge(ctx)
	}

	m.stats.invalidate()
	m.logger.Info().Str("module", module).Str("store", storeName).Msg("Cache flushed")
	return nil
}

// Prune removes expired entries in scope: every store with an expiry,
// one module's stores, or one (module, store) pair. Each store is
// processed in batches. Per-store failures are collected and joined;
// one failing store does not stop the sweep.
func (m *Manager) Prune(ctx context.Context, module, storeName string) error {
	if module == "" && storeName != "" {
		return fmt.Errorf("prune scope: store without module")
	}
	if module != "" {
		if storeName != "" {
			if _, err := m.StoreConfig(module, storeName); err != nil {
				return err
			}
		} else if !m.moduleKnown(module) {
			return fmt.Errorf("%w: %s", ErrUnknownStore, module)
		}
	}

	now := time.Now()
	var errs []error

	for _, sc := range m.stores {
		if sc.Expire <= 0 {
			continue
		}
		if module != "" && (sc.Module != module || (storeName != "" && sc.Store != storeName)) {
			continue
		}
		removed, err := m.pruneStore(ctx, sc, now)
		if removed > 0 {
			PrunedEntries.WithLabelValues(sc.Module, sc.Store).Add(float64(removed))
			m.logger.Info().
				Str("module", sc.Module).
				Str("store", sc.Store).
				Int("removed", removed).
				Msg("Prune sweep completed")
		}
		if err != nil {
			CacheErrors.WithLabelValues("prune").Inc()
			errs = append(errs, fmt.Errorf("prune %s: %w", sc.Key(), err))
		}
	}

	if len(errs) == 0 {
		m.stats.invalidate()
	}
	return errors.Join(errs...)
}

func (m *Manager) pruneStore(ctx context.Context, sc StoreConfig, now time.Time) (int, error) {
	hashes, err := m.index.ExpiredHashes(ctx, sc.Module, sc.Store, sc.Expire, now, sc.HashID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for start := 0; start < len(hashes); start += m.pruneBatchSize {
		end := min(start+m.pruneBatchSize, len(hashes))

		// Files go one at a time; index rows for the batch go in one
		// statement to keep transactions bounded
		deleted := make([]string, 0, end-start)
		for _, hash := range hashes[start:end] {
			if err := m.removeFiles(ctx, sc, hash); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted = append(deleted, hash)
		}
		if err := m.index.DeleteHashes(ctx, sc.Module, sc.Store, deleted, sc.HashID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed += len(deleted)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) moduleKnown(module string) bool {
	for _, sc := range m.stores {
		if sc.Module == module {
			return true
		}
	}
	return false
}

// resolvePath maps a hash to its payload path, following the pointer
// file for id-indirected stores. A pointer whose id disagrees with the
// index row is treated as a miss: the index is the source of truth.
func (m *Manager) resolvePath(ctx context.Context, sc StoreConfig, hash string) (string, error) {
	path, err := entryPath(sc, hash)
	if err != nil {
		return "", err
	}
	if !sc.HashID {
		return path, nil
	}

	p, err := m.files.ReadPointer(path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCacheMiss
		}
		return "", err
	}

	id, _, err := m.index.QueryID(ctx, sc.Module, sc.Store, hash)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	if id != p.ID {
		m.logger.Warn().
			Str("hash", hash).
			Int64("pointer_id", p.ID).
			Int64("index_id", id).
			Msg("Pointer disagrees with index row")
		return "", ErrCacheMiss
	}

	return idPath(sc, p.ID, p.Suffix)
}

func entryPath(sc StoreConfig, hash string) (string, error) {
	dir, file, err := hashpath.Split(hash)
	if err != nil {
		return "", err
	}
	return sc.Prefix() + dir + file + sc.FileExt, nil
}

func idPath(sc StoreConfig, id int64, suffix string) (string, error) {
	p, err := hashpath.IndexPath(id)
	if err != nil {
		return "", err
	}
	return sc.Prefix() + "id/" + p + strconv.FormatInt(id, 10) + suffix, nil
}

func tierKey(module, storeName, hash string) string {
	return module + "/" + storeName + "/" + hash
}

func tierTTL(sc StoreConfig, meta *PageMeta) time.Duration {
	if meta != nil && meta.Expire > 0 {
		return meta.Expire
	}
	return sc.Expire
}
