package index

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const testHash = "0123456789abcdef0123456789abcdef"

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewDirectory(db)
}

func TestIndexTable(t *testing.T) {
	table, err := IndexTable("page", "hash_index")
	if err != nil {
		t.Fatalf("IndexTable failed: %v", err)
	}
	if table != "cache_index_page_hash_index" {
		t.Errorf("table = %q", table)
	}

	for _, bad := range []string{"page;drop", "Page", "a b", ""} {
		if _, err := IndexTable(bad, "store"); !errors.Is(err, ErrInvalidTableKey) {
			t.Errorf("IndexTable(%q) = %v, want ErrInvalidTableKey", bad, err)
		}
	}
}

func TestQueryID_NotFound(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	// First query on a fresh database also exercises lazy table creation
	if _, _, err := d.QueryID(ctx, "page", "html", testHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueryID on empty index = %v, want ErrNotFound", err)
	}
}

func TestCreateID_Sequential(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	first, err := d.CreateID(ctx, "page", "html", testHash, ".html")
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}
	if first <= 0 {
		t.Fatalf("id = %d, want positive", first)
	}

	second, err := d.CreateID(ctx, "page", "html", "ffffffffffffffffffffffffffffffff", ".html")
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}
	if second <= first {
		t.Errorf("ids not increasing: %d then %d", first, second)
	}

	// Re-creating the same hash keeps the original id
	again, err := d.CreateID(ctx, "page", "html", testHash, ".gz")
	if err != nil {
		t.Fatalf("CreateID on existing hash failed: %v", err)
	}
	if again != first {
		t.Errorf("id changed on re-create: %d, want %d", again, first)
	}

	id, suffix, err := d.QueryID(ctx, "page", "html", testHash)
	if err != nil {
		t.Fatalf("QueryID failed: %v", err)
	}
	if id != first {
		t.Errorf("QueryID = %d, want %d", id, first)
	}
	if suffix != ".gz" {
		t.Errorf("suffix = %q, want updated %q", suffix, ".gz")
	}
}

func TestQueryID_CaseInsensitive(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	id, err := d.CreateID(ctx, "page", "html", testHash, "")
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}

	got, _, err := d.QueryID(ctx, "page", "html", "0123456789ABCDEF0123456789ABCDEF")
	if err != nil {
		t.Fatalf("QueryID with uppercase hash failed: %v", err)
	}
	if got != id {
		t.Errorf("id = %d, want %d", got, id)
	}
}

func TestUpdateStats(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	id, err := d.CreateID(ctx, "page", "html", testHash, "")
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}

	date := time.Now().Add(-time.Hour)
	if err := d.UpdateStats(ctx, "page", "html", id, date, 2048, ".html"); err != nil {
		t.Fatalf("UpdateStats failed: %v", err)
	}

	stats, err := d.Stats(ctx, []string{"cache_index_page_html"})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["page"].Count != 1 || stats["page"].Size != 2048 {
		t.Errorf("stats = %+v, want count 1 size 2048", stats["page"])
	}
}

func TestDeleteRow(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.CreateID(ctx, "page", "html", testHash, ""); err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}

	if err := d.DeleteRow(ctx, "page", "html", testHash); err != nil {
		t.Fatalf("DeleteRow failed: %v", err)
	}
	if _, _, err := d.QueryID(ctx, "page", "html", testHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueryID after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing row is not an error
	if err := d.DeleteRow(ctx, "page", "html", testHash); err != nil {
		t.Errorf("DeleteRow on missing row = %v, want nil", err)
	}
}

func TestRecordEntry(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	date := time.Now()
	if err := d.RecordEntry(ctx, "page", "html", testHash, date, 100); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	// Upsert replaces date and size
	if err := d.RecordEntry(ctx, "page", "html", testHash, date.Add(time.Minute), 200); err != nil {
		t.Fatalf("RecordEntry upsert failed: %v", err)
	}

	stats, err := d.Stats(ctx, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["page"].Count != 1 {
		t.Errorf("count = %d, want 1 after upsert", stats["page"].Count)
	}
	if stats["page"].Size != 200 {
		t.Errorf("size = %d, want 200 after upsert", stats["page"].Size)
	}

	if err := d.DeleteEntryRow(ctx, "page", "html", testHash); err != nil {
		t.Fatalf("DeleteEntryRow failed: %v", err)
	}
	stats, err = d.Stats(ctx, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["page"].Count != 0 {
		t.Errorf("count = %d, want 0 after delete", stats["page"].Count)
	}
}

func TestExpiredHashes(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	now := time.Now()

	stale := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fresh := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	if err := d.RecordEntry(ctx, "page", "html", stale, now.Add(-2*time.Hour), 10); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}
	if err := d.RecordEntry(ctx, "page", "html", fresh, now.Add(-time.Minute), 10); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	expired, err := d.ExpiredHashes(ctx, "page", "html", time.Hour, now, false)
	if err != nil {
		t.Fatalf("ExpiredHashes failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale {
		t.Errorf("expired = %v, want [%s]", expired, stale)
	}
}

func TestExpiredHashes_Indirected(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	now := time.Now()

	id, err := d.CreateID(ctx, "page", "html", testHash, "")
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}
	if err := d.UpdateStats(ctx, "page", "html", id, now.Add(-2*time.Hour), 10, ""); err != nil {
		t.Fatalf("UpdateStats failed: %v", err)
	}

	expired, err := d.ExpiredHashes(ctx, "page", "html", time.Hour, now, true)
	if err != nil {
		t.Fatalf("ExpiredHashes failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != testHash {
		t.Errorf("expired = %v, want [%s]", expired, testHash)
	}

	if err := d.DeleteHashes(ctx, "page", "html", expired, true); err != nil {
		t.Fatalf("DeleteHashes failed: %v", err)
	}
	if _, _, err := d.QueryID(ctx, "page", "html", testHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueryID after batch delete = %v, want ErrNotFound", err)
	}
}

func TestTouchEntry(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	now := time.Now()

	if err := d.RecordEntry(ctx, "page", "html", testHash, now.Add(-2*time.Hour), 10); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}

	if err := d.TouchEntry(ctx, "page", "html", testHash, now, false); err != nil {
		t.Fatalf("TouchEntry failed: %v", err)
	}

	expired, err := d.ExpiredHashes(ctx, "page", "html", time.Hour, now, false)
	if err != nil {
		t.Fatalf("ExpiredHashes failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("touched entry still reported expired: %v", expired)
	}
}

func TestTruncate(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	now := time.Now()

	if err := d.RecordEntry(ctx, "page", "html", testHash, now, 10); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}
	if err := d.RecordEntry(ctx, "assets", "css", "cccccccccccccccccccccccccccccccc", now, 20); err != nil {
		t.Fatalf("RecordEntry failed: %v", err)
	}
	if _, err := d.CreateID(ctx, "page", "hash_index", "dddddddddddddddddddddddddddddddd", ""); err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}

	// Scoped truncate keeps other modules
	if err := d.Truncate(ctx, "page", "", []string{"cache_index_page_hash_index"}); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	stats, err := d.Stats(ctx, []string{"cache_index_page_hash_index"})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["page"].Count != 0 {
		t.Errorf("page count = %d after truncate, want 0", stats["page"].Count)
	}
	if stats["assets"].Count != 1 {
		t.Errorf("assets count = %d, want 1 (out of scope)", stats["assets"].Count)
	}

	// Full truncate clears everything
	if err := d.Truncate(ctx, "", "", nil); err != nil {
		t.Fatalf("full Truncate failed: %v", err)
	}
	stats, err = d.Stats(ctx, nil)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("stats after full truncate = %v, want empty", stats)
	}
}
