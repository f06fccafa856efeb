package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state", "sessions.db")

	db, err := OpenGorm("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenGorm("mysql", "x"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenGormPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenGorm("postgres", " "); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestSQLiteFilePath(t *testing.T) {
	cases := []struct {
		dsn    string
		path   string
		isFile bool
	}{
		{dsn: ":memory:", isFile: false},
		{dsn: "file::memory:?cache=shared", isFile: false},
		{dsn: "file:/tmp/x.db?mode=memory", isFile: false},
		{dsn: "state/sessions.db?_pragma=busy_timeout(5000)", path: "state/sessions.db", isFile: true},
		{dsn: "file:/var/lib/crab/sessions.db?cache=shared", path: "/var/lib/crab/sessions.db", isFile: true},
	}
	for _, tc := range cases {
		path, ok := sqliteFilePath(tc.dsn)
		if ok != tc.isFile {
			t.Fatalf("dsn %q: expected file=%v, got %v", tc.dsn, tc.isFile, ok)
		}
		if ok && path != tc.path {
			t.Fatalf("dsn %q: expected path %q, got %q", tc.dsn, tc.path, path)
		}
	}
}
