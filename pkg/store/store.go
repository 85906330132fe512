// Package store implements the content store: a hash-addressed file tier
// with optional DEFLATE payload compression, sibling files for metadata
// and pre-compressed static serving, and pluggable accelerated tiers.
//
// Writes follow last-writer-wins semantics. Concurrent writers for the
// same hash each produce a complete entry and the rename order decides
// which survives; there is no request coalescing.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/logging"
)

var (
	// ErrNotFound indicates the entry does not exist in the file tier.
	ErrNotFound = errors.New("store entry not found")

	// ErrExpired indicates the entry exists but is past its expiry.
	ErrExpired = errors.New("store entry expired")
)

// Pointer is the content of a pointer file for id-indirected stores:
// it names the numeric id under which the payload is filed.
type Pointer struct {
	ID     int64  `json:"id"`
	Suffix string `json:"suffix,omitempty"`
}

// PutOptions controls sibling files and payload encoding for a write.
type PutOptions struct {
	// Compress stores the payload DEFLATE-compressed.
	Compress bool

	// StaticGzip additionally writes a pre-compressed .gz sibling for
	// direct static serving. Its size counts toward the reported size.
	StaticGzip bool

	// Meta, when non-nil, is written to the .meta sibling. A nil Meta
	// removes a stale sibling left by a previous write.
	Meta []byte
}

// FileStore is the durable file tier rooted at a single directory.
// Paths passed to its methods are relative to the root and must come
// from the hash path mapper, never from request input.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

// NewFileStore creates the file tier, creating the root directory when
// missing.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:   root,
		logger: logging.NewLogger("store"),
	}, nil
}

// Root returns the root directory of the file tier.
func (s *FileStore) Root() string {
	return s.root
}

// Put writes the payload and any requested siblings, returning the total
// stored size in bytes. The payload write is atomic: data lands in a
// temporary file first and is renamed into place, so readers never see a
// partial entry.
func (s *FileStore) Put(path string, data []byte, opts PutOptions) (int64, error) {
	abs := filepath.Join(s.root, path)

	payload := data
	if opts.Compress {
		var err error
		payload, err = deflate(data)
		if err != nil {
			return 0, fmt.Errorf("compress entry: %w", err)
		}
	}

	if err := writeAtomic(abs, payload); err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	size := int64(len(payload))

	if opts.StaticGzip {
		gz, err := gzipBytes(data)
		if err != nil {
			return 0, fmt.Errorf("gzip sibling: %w", err)
		}
		if err := writeAtomic(abs+".gz", gz); err != nil {
			return 0, fmt.Errorf("write gzip sibling: %w", err)
		}
		size += int64(len(gz))
	} else {
		removeQuiet(abs + ".gz")
	}

	if opts.Meta != nil {
		if err := writeAtomic(abs+".meta", opts.Meta); err != nil {
			return 0, fmt.Errorf("write meta sibling: %w", err)
		}
	} else {
		removeQuiet(abs + ".meta")
	}

	s.logger.Debug().Str("path", path).Int64("size", size).Msg("Entry stored")
	return size, nil
}

// Get reads the payload, inflating it when it was stored compressed.
func (s *FileStore) Get(path string, compressed bool) ([]byte, error) {
	data, err := s.read(filepath.Join(s.root, path))
	if err != nil {
		return nil, err
	}
	if !compressed {
		return data, nil
	}
	inflated, err := inflate(data)
	if err != nil {
		return nil, fmt.Errorf("inflate entry %s: %w", path, err)
	}
	return inflated, nil
}

// GetGzip reads the pre-compressed .gz sibling.
func (s *FileStore) GetGzip(path string) ([]byte, error) {
	return s.read(filepath.Join(s.root, path) + ".gz")
}

// Meta reads the .meta sibling. Returns ErrNotFound when the entry has
// no metadata.
func (s *FileStore) Meta(path string) ([]byte, error) {
	return s.read(filepath.Join(s.root, path) + ".meta")
}

// WritePointer writes a pointer file mapping the hash path to a numeric
// id location.
func (s *FileStore) WritePointer(path string, p Pointer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pointer: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.root, path), data); err != nil {
		return fmt.Errorf("write pointer: %w", err)
	}
	return nil
}

// ReadPointer reads and decodes a pointer file.
func (s *FileStore) ReadPointer(path string) (Pointer, error) {
	data, err := s.read(filepath.Join(s.root, path))
	if err != nil {
		return Pointer{}, err
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("decode pointer %s: %w", path, err)
	}
	return p, nil
}

// Stat checks entry existence and freshness in one pass. A zero expire
// means entries never expire by age. Expired entries report ErrExpired
// but are not removed; removal is the prune sweep's job.
func (s *FileStore) Stat(path string, expire time.Duration) (time.Time, int64, error) {
	info, err := os.Stat(filepath.Join(s.root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, 0, ErrNotFound
		}
		return time.Time{}, 0, fmt.Errorf("stat entry: %w", err)
	}
	mtime := info.ModTime()
	if expire > 0 && time.Since(mtime) > expire {
		return mtime, info.Size(), ErrExpired
	}
	return mtime, info.Size(), nil
}

// Preserve bumps the entry's modification time to now when it is older
// than the given age, keeping hot entries ahead of the prune sweep.
// Reports whether the entry was touched.
func (s *FileStore) Preserve(path string, olderThan time.Duration) (bool, error) {
	abs := filepath.Join(s.root, path)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("stat entry: %w", err)
	}
	if time.Since(info.ModTime()) <= olderThan {
		return false, nil
	}
	now := time.Now()
	if err := os.Chtimes(abs, now, now); err != nil {
		return false, fmt.Errorf("touch entry: %w", err)
	}
	return true, nil
}

// Delete removes the entry and all its siblings: .meta, .gz, each
// alternate extension, and for numbered alternate extensions the whole
// ".N" series until the first gap. Deleting a missing entry is not an
// error.
func (s *FileStore) Delete(path string, altExts []string) error {
	abs := filepath.Join(s.root, path)

	removeQuiet(abs)
	removeQuiet(abs + ".meta")
	removeQuiet(abs + ".gz")

	for _, ext := range altExts {
		alt := abs + ext
		removeQuiet(alt)
		removeQuiet(alt + ".gz")

		// Numbered series: entry.css.1, entry.css.2, ...
		for n := 1; ; n++ {
			numbered := alt + "." + strconv.Itoa(n)
			if _, err := os.Stat(numbered); err != nil {
				break
			}
			removeQuiet(numbered)
			removeQuiet(numbered + ".gz")
		}
	}
	return nil
}

// RemoveTree removes a whole relative subtree (flush support). Removing
// a missing subtree is not an error.
func (s *FileStore) RemoveTree(rel string) error {
	if rel == "" || rel == "." {
		// Clearing everything keeps the root itself
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return fmt.Errorf("read store root: %w", err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
				return fmt.Errorf("remove %s: %w", e.Name(), err)
			}
		}
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, rel)); err != nil {
		return fmt.Errorf("remove subtree %s: %w", rel, err)
	}
	return nil
}

func (s *FileStore) read(abs string) ([]byte, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read entry: %w", err)
	}
	return data, nil
}

// writeAtomic writes data to a temporary file in the target directory
// and renames it into place.
func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func removeQuiet(abs string) {
	_ = os.Remove(abs)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
