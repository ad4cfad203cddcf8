package database

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sipcore/sipcore/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(context.Background(), dir, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "preferences", "call_history"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 2 {
		t.Errorf("migration count = %d, want 2", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(context.Background(), dir, testLogger())
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(context.Background(), dir, testLogger())
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestLoadMigrationsOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_later.sql":  {Data: []byte("SELECT 10;")},
		"migrations/002_second.sql": {Data: []byte("SELECT 2;")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/README.md":      {Data: []byte("notes")},
		"migrations/old/003_x.sql":  {Data: []byte("SELECT 3;")},
		"other/004_unrelated.sql":   {Data: []byte("SELECT 4;")},
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	var versions []string
	for _, m := range got {
		versions = append(versions, m.version)
	}
	want := []string{"001_first", "002_second", "010_later"}
	if !slices.Equal(versions, want) {
		t.Errorf("versions = %v, want %v", versions, want)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"migrations/900_broken.sql": {Data: []byte(
			"CREATE TABLE half_done (id INTEGER); INSERT INTO no_such_table VALUES (1);")},
	}

	if err := db.migrate(ctx, fsys); err == nil || !strings.Contains(err.Error(), "900_broken") {
		t.Fatalf("migrate err = %v, want failure naming 900_broken", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'half_done'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("table from a failed migration survived")
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '900_broken'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("failed migration recorded as applied")
	}
}

func TestPreferenceRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	repo, err := NewPreferenceRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewPreferenceRepository() error: %v", err)
	}

	val, err := repo.Get(ctx, "sipcore.output_device")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get(unset) = %q, want empty", val)
	}

	if err := repo.Set(ctx, "sipcore.output_device", "speaker-1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := repo.Set(ctx, "sipcore.output_device", "speaker-2"); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}
	if err := repo.Set(ctx, "sipcore.input_device", "mic-1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	val, _ = repo.Get(ctx, "sipcore.output_device")
	if val != "speaker-2" {
		t.Errorf("Get(output) = %q, want speaker-2", val)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("GetAll() returned %d entries, want 2", len(all))
	}

	// A fresh repository sees the persisted values.
	reloaded, err := NewPreferenceRepository(ctx, db)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if val, _ := reloaded.Get(ctx, "sipcore.input_device"); val != "mic-1" {
		t.Errorf("reloaded Get(input) = %q, want mic-1", val)
	}
}

func TestCallHistoryRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallHistoryRepository(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	answered := base.Add(5 * time.Second)
	calls := []models.CallRecord{
		{ID: "a", Direction: "inbound", RemoteIdentity: "200@pbx", StartedAt: base, AnsweredAt: &answered, EndedAt: base.Add(time.Minute), Cause: "Terminated"},
		{ID: "b", Direction: "outbound", RemoteIdentity: "201@pbx", StartedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour + 10*time.Second), Cause: "Busy"},
		{ID: "c", Direction: "inbound", RemoteIdentity: "202@pbx", StartedAt: base.Add(2 * time.Hour), EndedAt: base.Add(2*time.Hour + time.Second), Cause: "Canceled"},
	}
	for i := range calls {
		if err := repo.Create(ctx, &calls[i]); err != nil {
			t.Fatalf("Create(%s) error: %v", calls[i].ID, err)
		}
	}
	// Duplicate writes are ignored.
	if err := repo.Create(ctx, &calls[0]); err != nil {
		t.Fatalf("duplicate Create error: %v", err)
	}

	recent, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("ListRecent(2) returned %d rows", len(recent))
	}
	if recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("order = %s,%s, want c,b", recent[0].ID, recent[1].ID)
	}
	if recent[1].AnsweredAt != nil {
		t.Error("unanswered call has an answer time")
	}

	all, _ := repo.ListRecent(ctx, 10)
	last := all[len(all)-1]
	if last.ID != "a" || last.AnsweredAt == nil {
		t.Fatalf("oldest call = %+v", last)
	}
	if got := last.Duration(); got != 55*time.Second {
		t.Errorf("Duration() = %s, want 55s", got)
	}

	page, total, err := repo.List(ctx, 1, 1)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 3 {
		t.Errorf("List() total = %d, want 3", total)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("List(1, 1) = %+v, want [b]", page)
	}

	counts, err := repo.CountByDirection(ctx)
	if err != nil {
		t.Fatalf("CountByDirection() error: %v", err)
	}
	if counts["inbound"] != 2 || counts["outbound"] != 1 {
		t.Errorf("counts = %v, want inbound=2 outbound=1", counts)
	}
}
