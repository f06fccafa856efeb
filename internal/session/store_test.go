package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, open func() Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2026, time.January, 10, 8, 0, 0, 0, time.UTC)

	store := open()
	recA := ThreadSession{
		Key:            ThreadKey{ConversationID: "chan-1", RootMessageID: "root-a"},
		SessionID:      "8c1f2f0e-0f5b-4c43-9a3c-1b1a5e0f0a01",
		OwnerID:        "user-1",
		CreatedAt:      created,
		LastActivityAt: created,
	}
	recB := ThreadSession{
		Key:            ThreadKey{ConversationID: "chan-1", RootMessageID: "root-b"},
		SessionID:      "8c1f2f0e-0f5b-4c43-9a3c-1b1a5e0f0a02",
		OwnerID:        "user-2",
		Desk:           "finance",
		CreatedAt:      created.Add(time.Minute),
		LastActivityAt: created.Add(time.Minute),
	}
	for _, rec := range []ThreadSession{recA, recB} {
		if err := store.SaveSession(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.Key, err)
		}
	}

	recA.Started = true
	recA.LastActivityAt = created.Add(time.Hour)
	if err := store.SaveSession(ctx, recA); err != nil {
		t.Fatalf("update %s: %v", recA.Key, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := open()
	defer func() { _ = reopened.Close() }()
	loaded, err := reopened.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(loaded))
	}
	if loaded[0].Key != recA.Key || !loaded[0].Started {
		t.Fatalf("expected updated root-a first, got %+v", loaded[0])
	}
	if !loaded[0].LastActivityAt.Equal(recA.LastActivityAt) {
		t.Fatalf("expected last activity %s, got %s", recA.LastActivityAt, loaded[0].LastActivityAt)
	}
	if loaded[1].Desk != "finance" || loaded[1].SessionID != recB.SessionID {
		t.Fatalf("unexpected root-b record: %+v", loaded[1])
	}

	if err := reopened.DeleteSessions(ctx, []ThreadKey{recA.Key}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	remaining, err := reopened.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Key != recB.Key {
		t.Fatalf("expected only root-b after delete, got %+v", remaining)
	}
}

func TestGormStoreSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	exerciseStore(t, func() Store {
		store, err := NewGormStore("sqlite", dbPath)
		if err != nil {
			t.Fatalf("new gorm store: %v", err)
		}
		return store
	})
}

func TestBoltStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "sessions.bolt")
	exerciseStore(t, func() Store {
		store, err := NewBoltStore(dbPath)
		if err != nil {
			t.Fatalf("new bolt store: %v", err)
		}
		return store
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()
	if _, err := store.LoadSessions(context.Background()); err == nil {
		t.Fatalf("expected closed store error")
	}
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	store, err := OpenStore("bbolt", filepath.Join(t.TempDir(), "s.bolt"))
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	defer func() { _ = store.Close() }()
	if _, ok := store.(*BoltStore); !ok {
		t.Fatalf("expected *BoltStore, got %T", store)
	}
}
