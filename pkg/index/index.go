// Package index implements the relational cache index: hash→numeric-id
// indirection for stores that need compact numeric addressing, plus
// per-entry date/size statistics used by prune sweeps and aggregates.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecached/pagecached/pkg/hashpath"
	"github.com/pagecached/pagecached/pkg/logging"
)

var (
	// ErrNotFound indicates no index row exists for the hash.
	ErrNotFound = errors.New("index row not found")

	// ErrInvalidTableKey indicates a module or store key unusable as a
	// table name component.
	ErrInvalidTableKey = errors.New("invalid module or store key for index table")
)

// tableKeyPattern restricts module/store keys used in table names.
var tableKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// entriesTable is the shared table recording every non-indirected entry.
const entriesTable = "cache_entries"

// Directory is the sole source of truth mapping content hashes to
// numeric ids, backed by a relational store. Schemas are created lazily:
// a "no such table" failure triggers one create-then-retry cycle; a
// second failure surfaces to the caller.
type Directory struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewDirectory creates a Directory on top of an open database handle.
func NewDirectory(db *sql.DB) *Directory {
	if db == nil {
		panic("index: database handle cannot be nil")
	}
	return &Directory{
		db:     db,
		logger: logging.NewLogger("index"),
	}
}

// IndexTable returns the per-store index table name for an indirected
// store, validating the key characters.
func IndexTable(module, store string) (string, error) {
	if !tableKeyPattern.MatchString(module) || !tableKeyPattern.MatchString(store) {
		return "", fmt.Errorf("%w: %s:%s", ErrInvalidTableKey, module, store)
	}
	return "cache_index_" + module + "_" + store, nil
}

// QueryID resolves a content hash to its numeric id and suffix.
// Returns ErrNotFound when no row exists.
func (d *Directory) QueryID(ctx context.Context, module, store, hash string) (int64, string, error) {
	if err := hashpath.Validate(hash); err != nil {
		return 0, "", err
	}
	table, err := IndexTable(module, store)
	if err != nil {
		return 0, "", err
	}

	var id int64
	var suffix string
	err = d.withLazyCreate(ctx, table, func() error {
		row := d.db.QueryRowContext(ctx,
			`SELECT id, suffix FROM `+table+` WHERE module = ? AND store = ? AND hash = ?`,
			module, store, strings.ToLower(hash))
		return row.Scan(&id, &suffix)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", ErrNotFound
		}
		return 0, "", fmt.Errorf("query index id: %w", err)
	}
	return id, suffix, nil
}

// CreateID creates (or replaces) the index row for a hash and returns
// the assigned numeric id. The id is stable for the lifetime of the
// entry and unique within the store's id sequence.
func (d *Directory) CreateID(ctx context.Context, module, store, hash, suffix string) (int64, error) {
	if err := hashpath.Validate(hash); err != nil {
		return 0, err
	}
	table, err := IndexTable(module, store)
	if err != nil {
		return 0, err
	}

	err = d.withLazyCreate(ctx, table, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`INSERT INTO `+table+` (module, store, hash, date, size, suffix)
			 VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT(module, store, hash) DO UPDATE SET suffix = excluded.suffix`,
			module, store, strings.ToLower(hash), time.Now().Unix(), suffix)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("create index id: %w", err)
	}

	// The insert id is unreliable after a conflict update: read it back
	id, _, err := d.QueryID(ctx, module, store, hash)
	if err != nil {
		return 0, fmt.Errorf("create index id: %w", err)
	}
	return id, nil
}

// UpdateStats records the entry's date, size, and suffix after a write.
func (d *Directory) UpdateStats(ctx context.Context, module, store string, id int64, date time.Time, size int64, suffix string) error {
	table, err := IndexTable(module, store)
	if err != nil {
		return err
	}
	return d.withLazyCreate(ctx, table, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`UPDATE `+table+` SET date = ?, size = ?, suffix = ? WHERE id = ?`,
			date.Unix(), size, suffix, id)
		return execErr
	})
}

// DeleteRow removes the index row for a hash in an indirected store.
// Deleting a missing row is not an error.
func (d *Directory) DeleteRow(ctx context.Context, module, store, hash string) error {
	if err := hashpath.Validate(hash); err != nil {
		return err
	}
	table, err := IndexTable(module, store)
	if err != nil {
		return err
	}
	return d.withLazyCreate(ctx, table, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE module = ? AND store = ? AND hash = ?`,
			module, store, strings.ToLower(hash))
		return execErr
	})
}

// RecordEntry upserts the shared-table row for a non-indirected entry.
func (d *Directory) RecordEntry(ctx context.Context, module, store, hash string, date time.Time, size int64) error {
	if err := hashpath.Validate(hash); err != nil {
		return err
	}
	return d.withLazyCreate(ctx, entriesTable, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`INSERT INTO `+entriesTable+` (module, store, hash, date, size)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(module, store, hash) DO UPDATE SET date = excluded.date, size = excluded.size`,
			module, store, strings.ToLower(hash), date.Unix(), size)
		return execErr
	})
}

// TouchEntry updates the recorded date for an entry (preserve support).
// The indirected flag selects the per-store index table.
func (d *Directory) TouchEntry(ctx context.Context, module, store, hash string, date time.Time, indirected bool) error {
	if err := hashpath.Validate(hash); err != nil {
		return err
	}
	table := entriesTable
	if indirected {
		var err error
		table, err = IndexTable(module, store)
		if err != nil {
			return err
		}
	}
	return d.withLazyCreate(ctx, table, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`UPDATE `+table+` SET date = ? WHERE module = ? AND store = ? AND hash = ?`,
			date.Unix(), module, store, strings.ToLower(hash))
		return execErr
	})
}

// DeleteEntryRow removes the shared-table row for a non-indirected entry.
func (d *Directory) DeleteEntryRow(ctx context.Context, module, store, hash string) error {
	if err := hashpath.Validate(hash); err != nil {
		return err
	}
	return d.withLazyCreate(ctx, entriesTable, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`DELETE FROM `+entriesTable+` WHERE module = ? AND store = ? AND hash = ?`,
			module, store, strings.ToLower(hash))
		return execErr
	})
}

// ExpiredHashes returns the hashes of entries older than the expiry,
// reading either the shared table or the store's index table.
func (d *Directory) ExpiredHashes(ctx context.Context, module, store string, expire time.Duration, now time.Time, indirected bool) ([]string, error) {
	table := entriesTable
	if indirected {
		var err error
		table, err = IndexTable(module, store)
		if err != nil {
			return nil, err
		}
	}

	cutoff := now.Add(-expire).Unix()

	var hashes []string
	err := d.withLazyCreate(ctx, table, func() error {
		rows, queryErr := d.db.QueryContext(ctx,
			`SELECT hash FROM `+table+` WHERE module = ? AND store = ? AND date < ?`,
			module, store, cutoff)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		hashes = hashes[:0]
		for rows.Next() {
			var hash string
			if scanErr := rows.Scan(&hash); scanErr != nil {
				return scanErr
			}
			hashes = append(hashes, hash)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query expired entries: %w", err)
	}
	return hashes, nil
}

// DeleteHashes removes index rows for a batch of hashes in one statement.
func (d *Directory) DeleteHashes(ctx context.Context, module, store string, hashes []string, indirected bool) error {
	if len(hashes) == 0 {
		return nil
	}
	table := entriesTable
	if indirected {
		var err error
		table, err = IndexTable(module, store)
		if err != nil {
			return err
		}
	}

	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(hashes)+2)
	args = append(args, module, store)
	for _, h := range hashes {
		args = append(args, strings.ToLower(h))
	}

	return d.withLazyCreate(ctx, table, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE module = ? AND store = ? AND hash IN (`+placeholders+`)`,
			args...)
		return execErr
	})
}

// Truncate removes rows for a store, a whole module, or everything.
// Empty module clears all tables; empty store clears all of the module's
// rows. indexTables lists the per-store index tables in scope.
func (d *Directory) Truncate(ctx context.Context, module, store string, indexTables []string) error {
	for _, table := range indexTables {
		table := table
		err := d.withLazyCreate(ctx, table, func() error {
			_, execErr := d.db.ExecContext(ctx, `DELETE FROM `+table)
			return execErr
		})
		if err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}

	query := `DELETE FROM ` + entriesTable
	var args []any
	switch {
	case module != "" && store != "":
		query += ` WHERE module = ? AND store = ?`
		args = []any{module, store}
	case module != "":
		query += ` WHERE module = ?`
		args = []any{module}
	}
	err := d.withLazyCreate(ctx, entriesTable, func() error {
		_, execErr := d.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("truncate %s: %w", entriesTable, err)
	}
	return nil
}

// ModuleStats holds count/size aggregates for one module.
type ModuleStats struct {
	Count int64 `json:"count"`
	Size  int64 `json:"size"`
}

// Stats aggregates entry counts and sizes per module across the shared
// table and the given per-store index tables.
func (d *Directory) Stats(ctx context.Context, indexTables []string) (map[string]ModuleStats, error) {
	tables := append([]string{entriesTable}, indexTables...)

	stats := make(map[string]ModuleStats)
	for _, table := range tables {
		table := table
		err := d.withLazyCreate(ctx, table, func() error {
			rows, queryErr := d.db.QueryContext(ctx,
				`SELECT module, COUNT(*), COALESCE(SUM(size), 0) FROM `+table+` GROUP BY module`)
			if queryErr != nil {
				return queryErr
			}
			defer rows.Close()

			for rows.Next() {
				var module string
				var count, size int64
				if scanErr := rows.Scan(&module, &count, &size); scanErr != nil {
					return scanErr
				}
				s := stats[module]
				s.Count += count
				s.Size += size
				stats[module] = s
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", table, err)
		}
	}
	return stats, nil
}

// withLazyCreate runs op, creating the table schema and retrying exactly
// once when the relational store reports the table missing. A second
// failure is fatal for the operation.
func (d *Directory) withLazyCreate(ctx context.Context, table string, op func() error) error {
	err := op()
	if err == nil || !isMissingTable(err) {
		return err
	}

	d.logger.Debug().Str("table", table).Msg("Creating missing index table")
	if createErr := d.createTable(ctx, table); createErr != nil {
		return fmt.Errorf("create table %s: %w", table, createErr)
	}
	return op()
}

// isMissingTable detects the sqlite "relation does not exist" condition.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (d *Directory) createTable(ctx context.Context, table string) error {
	var schema string
	if table == entriesTable {
		schema = `CREATE TABLE IF NOT EXISTS ` + entriesTable + ` (
			module TEXT NOT NULL,
			store  TEXT NOT NULL,
			hash   TEXT NOT NULL,
			date   INTEGER NOT NULL,
			size   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (module, store, hash)
		)`
	} else {
		schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			store  TEXT NOT NULL,
			hash   TEXT NOT NULL,
			date   INTEGER NOT NULL,
			size   INTEGER NOT NULL DEFAULT 0,
			suffix TEXT NOT NULL DEFAULT '',
			UNIQUE (module, store, hash)
		)`
	}
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_`+table+`_date ON `+table+` (module, store, date)`)
	return err
}
