package authcore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// PendingExchange binds an OAuth2 login attempt's state value to the
// verification data minted when the redirect was issued.
type PendingExchange struct {
	State        string
	Provider     string
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// PendingExchangeStore holds in-flight OAuth2 exchanges. State values are
// single-use: Consume removes the record before returning it.
type PendingExchangeStore interface {
	// Begin stores a new pending exchange keyed by its state value.
	Begin(ctx context.Context, exchange PendingExchange) error
	// Consume removes and returns the exchange for the state. Unknown or
	// already-consumed states yield ErrStateMismatch; expired ones
	// ErrStateExpired.
	Consume(ctx context.Context, state string) (PendingExchange, error)
}

const oauthStateByteLength = 32

// NewOAuthState generates a random unguessable state value.
func NewOAuthState() (string, error) {
	buffer := make([]byte, oauthStateByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("oauth.state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

type memoryPendingStore struct {
	mutex   sync.Mutex
	entries map[string]PendingExchange
	now     func() time.Time
}

// NewMemoryPendingExchangeStore constructs an in-memory store. Expired
// entries are purged opportunistically on access; no background sweep.
func NewMemoryPendingExchangeStore() PendingExchangeStore {
	return &memoryPendingStore{
		entries: make(map[string]PendingExchange),
		now:     time.Now,
	}
}

func (store *memoryPendingStore) Begin(ctx context.Context, exchange PendingExchange) error {
	if exchange.State == "" {
		return fmt.Errorf("pending_store.begin: %w", ErrStateMismatch)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[exchange.State] = exchange
	return nil
}

func (store *memoryPendingStore) Consume(ctx context.Context, state string) (PendingExchange, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	exchange, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return PendingExchange{}, fmt.Errorf("pending_store.consume: %w", ErrStateMismatch)
	}
	delete(store.entries, state)
	if store.now().After(exchange.ExpiresAt) {
		store.purgeExpiredLocked()
		return PendingExchange{}, fmt.Errorf("pending_store.consume: %w", ErrStateExpired)
	}
	store.purgeExpiredLocked()
	return exchange, nil
}

func (store *memoryPendingStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, exchange := range store.entries {
		if now.After(exchange.ExpiresAt) {
			delete(store.entries, state)
		}
	}
}
