package web

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/seolmap/seolauth/internal/authcore"
)

// InMemoryPrincipals is a simple principal store used for tests and local
// runs. Production deployments use the database-backed store.
type InMemoryPrincipals struct {
	mutex      sync.Mutex
	byID       map[string]*memoryPrincipal
	byUsername map[string]string
	byIdentity map[string]string
}

type memoryPrincipal struct {
	principal    authcore.Principal
	passwordHash []byte
}

func identityKey(provider string, subjectID string) string {
	return provider + "\x00" + subjectID
}

// NewInMemoryPrincipals constructs an empty store.
func NewInMemoryPrincipals() *InMemoryPrincipals {
	return &InMemoryPrincipals{
		byID:       make(map[string]*memoryPrincipal),
		byUsername: make(map[string]string),
		byIdentity: make(map[string]string),
	}
}

// RegisterPassword seeds a local-login principal.
func (store *InMemoryPrincipals) RegisterPassword(username string, password string, displayName string) (authcore.Principal, error) {
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if hashErr != nil {
		return authcore.Principal{}, fmt.Errorf("principal_store.register: %w", hashErr)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	principal := authcore.Principal{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
	}
	store.byID[principal.ID] = &memoryPrincipal{principal: principal, passwordHash: passwordHash}
	store.byUsername[username] = principal.ID
	return principal, nil
}

// Get returns a principal by internal ID.
func (store *InMemoryPrincipals) Get(ctx context.Context, principalID string) (authcore.Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.byID[principalID]
	if !ok {
		return authcore.Principal{}, fmt.Errorf("principal_store.get: %w", authcore.ErrPrincipalNotFound)
	}
	return entry.principal, nil
}

// FindByCredentials resolves a password login; unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (store *InMemoryPrincipals) FindByCredentials(ctx context.Context, username string, password string) (authcore.Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	principalID, ok := store.byUsername[username]
	if !ok {
		return authcore.Principal{}, fmt.Errorf("principal_store.credentials: %w", authcore.ErrInvalidCredentials)
	}
	entry := store.byID[principalID]
	if entry == nil || len(entry.passwordHash) == 0 {
		return authcore.Principal{}, fmt.Errorf("principal_store.credentials: %w", authcore.ErrInvalidCredentials)
	}
	if compareErr := bcrypt.CompareHashAndPassword(entry.passwordHash, []byte(password)); compareErr != nil {
		return authcore.Principal{}, fmt.Errorf("principal_store.credentials: %w", authcore.ErrInvalidCredentials)
	}
	return entry.principal, nil
}

// FindByProviderIdentity resolves a linked external identity.
func (store *InMemoryPrincipals) FindByProviderIdentity(ctx context.Context, provider string, providerSubjectID string) (authcore.Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	principalID, ok := store.byIdentity[identityKey(provider, providerSubjectID)]
	if !ok {
		return authcore.Principal{}, fmt.Errorf("principal_store.identity: %w", authcore.ErrPrincipalNotFound)
	}
	entry := store.byID[principalID]
	if entry == nil {
		return authcore.Principal{}, fmt.Errorf("principal_store.identity: %w", authcore.ErrPrincipalNotFound)
	}
	return entry.principal, nil
}

// CreateFromIdentity creates a principal on first external login.
func (store *InMemoryPrincipals) CreateFromIdentity(ctx context.Context, identity authcore.ProviderIdentity) (authcore.Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	principal := authcore.Principal{
		ID:          uuid.NewString(),
		Username:    identity.Provider + ":" + identity.SubjectID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
	}
	store.byID[principal.ID] = &memoryPrincipal{principal: principal}
	store.byUsername[principal.Username] = principal.ID
	store.byIdentity[identityKey(identity.Provider, identity.SubjectID)] = principal.ID
	return principal, nil
}

// LinkIdentity attaches an additional provider identity.
func (store *InMemoryPrincipals) LinkIdentity(ctx context.Context, principalID string, identity authcore.ProviderIdentity) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.byID[principalID]; !ok {
		return fmt.Errorf("principal_store.link: %w", authcore.ErrPrincipalNotFound)
	}
	store.byIdentity[identityKey(identity.Provider, identity.SubjectID)] = principalID
	return nil
}

// TokenVersion returns the principal's current token version.
func (store *InMemoryPrincipals) TokenVersion(ctx context.Context, principalID string) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.byID[principalID]
	if !ok {
		return 0, fmt.Errorf("principal_store.version: %w", authcore.ErrPrincipalNotFound)
	}
	return entry.principal.TokenVersion, nil
}

// BumpTokenVersion increments the token version.
func (store *InMemoryPrincipals) BumpTokenVersion(ctx context.Context, principalID string) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.byID[principalID]
	if !ok {
		return 0, fmt.Errorf("principal_store.bump: %w", authcore.ErrPrincipalNotFound)
	}
	entry.principal.TokenVersion++
	return entry.principal.TokenVersion, nil
}
