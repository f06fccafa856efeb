package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketThreadSessions = []byte("thread_sessions")

// BoltStore keeps thread sessions in a single bbolt file, one JSON value per
// thread key.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("bolt store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create bolt store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketThreadSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadSessions(_ context.Context) ([]ThreadSession, error) {
	out := make([]ThreadSession, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThreadSessions)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec ThreadSession
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode thread session %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BoltStore) SaveSession(_ context.Context, rec ThreadSession) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode thread session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreadSessions).Put([]byte(rec.Key.String()), data)
	})
}

func (s *BoltStore) DeleteSessions(_ context.Context, keys []ThreadKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketThreadSessions)
		for _, key := range keys {
			if err := bucket.Delete([]byte(key.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
