package cache

import (
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/pagecached/pagecached/pkg/index"
	"github.com/pagecached/pagecached/pkg/store"
)

// storeKeyPattern restricts module and store names: they become path
// segments and index table components.
var storeKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// StoreConfig declares one registered (module, store) pair. The registry
// is fixed at construction; requests can never define new stores.
type StoreConfig struct {
	// Module groups related stores (e.g. "page", "assets").
	Module string `mapstructure:"module"`

	// Store names the store within the module (e.g. "html").
	Store string `mapstructure:"store"`

	// PathPrefix is the directory below the cache root. Defaults to
	// "module/store/".
	PathPrefix string `mapstructure:"path_prefix"`

	// FileExt is appended to entry file names (e.g. ".html").
	FileExt string `mapstructure:"file_ext"`

	// Expire is the maximum entry age. Zero means entries never expire
	// and the prune sweep skips the store.
	Expire time.Duration `mapstructure:"expire"`

	// HashID files payloads under numeric ids from the index, with a
	// pointer file at the hash path.
	HashID bool `mapstructure:"hash_id"`

	// AltExts lists sibling extensions deleted together with an entry.
	AltExts []string `mapstructure:"alt_exts"`

	// Compress stores payloads DEFLATE-compressed.
	Compress bool `mapstructure:"compress"`

	// StaticGzip writes a pre-compressed .gz sibling on every put.
	StaticGzip bool `mapstructure:"static_gzip"`

	// Accelerated makes entries eligible for the accelerated tier.
	Accelerated bool `mapstructure:"accelerated"`
}

// Key returns the registry key for the pair.
func (c StoreConfig) Key() string {
	return c.Module + "/" + c.Store
}

// Prefix returns the store's directory below the cache root.
func (c StoreConfig) Prefix() string {
	if c.PathPrefix != "" {
		return c.PathPrefix
	}
	return path.Join(c.Module, c.Store) + "/"
}

// Config holds the orchestrator configuration.
type Config struct {
	// Files is the durable file tier.
	Files *store.FileStore

	// Index is the relational index directory.
	Index *index.Directory

	// Tier is the optional accelerated tier.
	Tier store.Tier

	// Stores is the fixed store registry.
	Stores []StoreConfig

	// PruneBatchSize bounds how many expired entries one prune cycle
	// removes per store before re-querying.
	PruneBatchSize int

	// StatsGrace is how long a cached stats snapshot stays current
	// before a refresh is scheduled.
	StatsGrace time.Duration
}

// DefaultConfig returns a configuration with standard maintenance
// settings; the caller supplies the tiers and store registry.
func DefaultConfig(files *store.FileStore, idx *index.Directory) Config {
	return Config{
		Files:          files,
		Index:          idx,
		PruneBatchSize: 100,
		StatsGrace:     60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Files == nil {
		return fmt.Errorf("file store is required")
	}
	if c.Index == nil {
		return fmt.Errorf("index directory is required")
	}
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store must be registered")
	}
	if c.PruneBatchSize <= 0 {
		return fmt.Errorf("prune batch size must be positive (got %d)", c.PruneBatchSize)
	}

	seen := make(map[string]bool, len(c.Stores))
	for _, sc := range c.Stores {
		if !storeKeyPattern.MatchString(sc.Module) {
			return fmt.Errorf("invalid module name %q", sc.Module)
		}
		if !storeKeyPattern.MatchString(sc.Store) {
			return fmt.Errorf("invalid store name %q", sc.Store)
		}
		if seen[sc.Key()] {
			return fmt.Errorf("duplicate store %s", sc.Key())
		}
		seen[sc.Key()] = true
	}
	return nil
}
