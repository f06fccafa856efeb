package session

import (
	"context"
	"strings"
)

// Store persists thread sessions. The Registry keeps the authoritative copy in
// memory and treats the store as best-effort durability.
type Store interface {
	LoadSessions(context.Context) ([]ThreadSession, error)
	SaveSession(context.Context, ThreadSession) error
	DeleteSessions(context.Context, []ThreadKey) error
	Close() error
}

// OpenStore opens the store backing the registry. Driver is sqlite, postgres
// or bbolt; for bbolt the dsn is the database file path.
func OpenStore(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory":
		return NewMemoryStore(), nil
	case "bbolt", "bolt":
		return NewBoltStore(dsn)
	default:
		return NewGormStore(driver, dsn)
	}
}
