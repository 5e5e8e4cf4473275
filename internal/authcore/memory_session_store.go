package authcore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySessionStore is a mutex-guarded in-memory store intended for tests
// and single-binary dev runs.
type MemorySessionStore struct {
	mutex     sync.Mutex
	bySession map[string]*SessionRecord
	clock     Clock
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		bySession: make(map[string]*SessionRecord),
		clock:     NewSystemClock(),
	}
}

// Put inserts a new session record.
func (store *MemorySessionStore) Put(ctx context.Context, record SessionRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if record.SessionID == "" {
		return fmt.Errorf("session_store.put: %w", ErrSessionNotFound)
	}
	stored := record
	store.bySession[record.SessionID] = &stored
	return nil
}

// Get returns a copy of the stored record.
func (store *MemorySessionStore) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.bySession[sessionID]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session_store.get: %w", ErrSessionNotFound)
	}
	return *record, nil
}

// Rotate advances the counter if and only if the caller presents the current
// one. A mismatch revokes the session and signals ErrRotationConflict.
func (store *MemorySessionStore) Rotate(ctx context.Context, sessionID string, expectedCounter uint64, newExpiresUnix int64) (SessionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.bySession[sessionID]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session_store.rotate: %w", ErrSessionNotFound)
	}
	if record.Revoked() {
		return SessionRecord{}, fmt.Errorf("session_store.rotate: %w", ErrSessionRevoked)
	}
	if record.RotationCounter != expectedCounter {
		record.RevokedAtUnix = store.clock.Now().Unix()
		return SessionRecord{}, fmt.Errorf("session_store.rotate: %w", ErrRotationConflict)
	}
	record.RotationCounter++
	record.ExpiresUnix = newExpiresUnix
	return *record, nil
}

// Revoke marks the session revoked; missing or already-revoked sessions are
// a no-op.
func (store *MemorySessionStore) Revoke(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.bySession[sessionID]
	if !ok || record.Revoked() {
		return nil
	}
	record.RevokedAtUnix = store.clock.Now().Unix()
	return nil
}

// RevokeAllForSubject revokes every live session owned by the subject.
func (store *MemorySessionStore) RevokeAllForSubject(ctx context.Context, subject string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := store.clock.Now().Unix()
	for _, record := range store.bySession {
		if record.Subject == subject && !record.Revoked() {
			record.RevokedAtUnix = nowUnix
		}
	}
	return nil
}

// PurgeExpired drops records whose expiry passed before the given instant.
// Housekeeping only; correctness never depends on it.
func (store *MemorySessionStore) PurgeExpired(now time.Time) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	purged := 0
	for sessionID, record := range store.bySession {
		if record.ExpiredAt(now) {
			delete(store.bySession, sessionID)
			purged++
		}
	}
	return purged
}
