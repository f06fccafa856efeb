package session

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-desk/internal/ids"
)

const DefaultMaxIdle = 24 * time.Hour

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithSessionIDGenerator(newID func() string) RegistryOption {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// Registry is the authoritative thread -> session mapping. Reads are served
// from memory; every mutation is written through to the Store on a
// best-effort basis.
type Registry struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	byKey     map[ThreadKey]ThreadSession
	bySession map[string]ThreadKey

	// storeMu orders store writes. Taken before mu, never after.
	storeMu sync.Mutex
}

func NewRegistry(store Store, logger *log.Logger, opts ...RegistryOption) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Registry{
		store:     store,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     ids.NewSessionID,
		byKey:     make(map[ThreadKey]ThreadSession),
		bySession: make(map[string]ThreadKey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Load replaces the in-memory state with the store contents. A store that
// cannot be read leaves the registry empty so conversations start fresh.
func (r *Registry) Load(ctx context.Context) int {
	records, err := r.store.LoadSessions(ctx)
	if err != nil {
		r.logger.Printf("session registry load failed, starting empty err=%v", err)
		records = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[ThreadKey]ThreadSession, len(records))
	r.bySession = make(map[string]ThreadKey, len(records))
	for _, rec := range records {
		if rec.Key.Validate() != nil || strings.TrimSpace(rec.SessionID) == "" {
			continue
		}
		r.byKey[rec.Key] = rec
		r.bySession[rec.SessionID] = rec.Key
	}
	return len(r.byKey)
}

// Resolve returns the session for key, creating it when absent. Concurrent
// callers for the same key all observe one session; only the creator sees
// created=true.
func (r *Registry) Resolve(ctx context.Context, key ThreadKey, ownerID string) (ThreadSession, bool, error) {
	if err := key.Validate(); err != nil {
		return ThreadSession{}, false, err
	}

	r.mu.RLock()
	existing, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return existing, false, nil
	}

	r.mu.Lock()
	if existing, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	now := r.now()
	rec := ThreadSession{
		Key:            key,
		SessionID:      r.newID(),
		OwnerID:        strings.TrimSpace(ownerID),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.byKey[key] = rec
	r.bySession[rec.SessionID] = key
	r.mu.Unlock()

	r.persistLatest(ctx, key)
	r.logger.Printf("session created thread=%s session_id=%s owner=%s", key, rec.SessionID, rec.OwnerID)
	return rec, true, nil
}

func (r *Registry) Get(key ThreadKey) (ThreadSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[key]
	return rec, ok
}

// Touch records activity on the thread. Unknown keys are ignored.
func (r *Registry) Touch(ctx context.Context, key ThreadKey) {
	r.update(ctx, key, func(rec *ThreadSession) bool {
		rec.LastActivityAt = r.now()
		return true
	})
}

// MarkStarted records that the backing session exists on the agent side and
// can be resumed.
func (r *Registry) MarkStarted(ctx context.Context, key ThreadKey) {
	r.update(ctx, key, func(rec *ThreadSession) bool {
		if rec.Started {
			return false
		}
		rec.Started = true
		return true
	})
}

// BindDesk attaches a desk to the session. The first binding wins.
func (r *Registry) BindDesk(ctx context.Context, key ThreadKey, desk string) (ThreadSession, bool) {
	desk = strings.TrimSpace(desk)
	bound := false
	rec, ok := r.update(ctx, key, func(rec *ThreadSession) bool {
		if desk == "" || rec.Desk != "" {
			return false
		}
		rec.Desk = desk
		bound = true
		return true
	})
	return rec, ok && bound
}

func (r *Registry) FindBySessionID(sessionID string) (ThreadSession, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ThreadSession{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.bySession[sessionID]
	if !ok {
		return ThreadSession{}, false
	}
	rec, ok := r.byKey[key]
	return rec, ok
}

// List returns all sessions, most recently active first.
func (r *Registry) List() []ThreadSession {
	r.mu.RLock()
	out := make([]ThreadSession, 0, len(r.byKey))
	for _, rec := range r.byKey {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Sweep evicts sessions idle for longer than maxIdle and returns how many
// were removed. Store failures are logged; the in-memory eviction stands.
func (r *Registry) Sweep(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	now := r.now()

	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	r.mu.Lock()
	evicted := make([]ThreadKey, 0)
	for key, rec := range r.byKey {
		if rec.IdleFor(now) > maxIdle {
			evicted = append(evicted, key)
			delete(r.byKey, key)
			delete(r.bySession, rec.SessionID)
		}
	}
	r.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}
	if err := r.store.DeleteSessions(ctx, evicted); err != nil {
		r.logger.Printf("session sweep persist failed count=%d err=%v", len(evicted), err)
	}
	r.logger.Printf("session sweep evicted count=%d max_idle=%s", len(evicted), maxIdle)
	return len(evicted)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx, maxIdle)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context, maxIdle time.Duration) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Printf("session sweep panic recovered err=%v", recovered)
		}
	}()
	r.Sweep(ctx, maxIdle)
}

func (r *Registry) update(ctx context.Context, key ThreadKey, mutate func(*ThreadSession) bool) (ThreadSession, bool) {
	r.mu.Lock()
	rec, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return ThreadSession{}, false
	}
	changed := mutate(&rec)
	if changed {
		r.byKey[key] = rec
	}
	r.mu.Unlock()

	if changed {
		r.persistLatest(ctx, key)
	}
	return rec, true
}

// persistLatest saves the current in-memory record for key. Writes are
// serialized and always read the newest state, so a slow write can never
// overwrite a later one. Evicted keys are not written back.
func (r *Registry) persistLatest(ctx context.Context, key ThreadKey) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	r.mu.RLock()
	rec, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := r.store.SaveSession(ctx, rec); err != nil {
		r.logger.Printf("session persist failed thread=%s session_id=%s err=%v", rec.Key, rec.SessionID, err)
	}
}
