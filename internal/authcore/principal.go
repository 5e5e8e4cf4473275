package authcore

import "context"

// Principal is an authenticated user independent of login method. The ID is
// stable for the life of the account; provider identities only accumulate.
type Principal struct {
	ID           string
	Username     string
	DisplayName  string
	Email        string
	TokenVersion int
}

// ProviderIdentity is an external identity-provider account linked to a
// principal.
type ProviderIdentity struct {
	Provider    string
	SubjectID   string
	Email       string
	DisplayName string
}

// PrincipalStore persists principals and their linked provider identities.
type PrincipalStore interface {
	// Get returns the principal by internal ID.
	Get(ctx context.Context, principalID string) (Principal, error)
	// FindByCredentials resolves a username/password login. Returns
	// ErrInvalidCredentials for an unknown username or a wrong password,
	// without distinguishing the two.
	FindByCredentials(ctx context.Context, username string, password string) (Principal, error)
	// FindByProviderIdentity returns the principal linked to the given
	// (provider, providerSubjectID) pair, or ErrPrincipalNotFound.
	FindByProviderIdentity(ctx context.Context, provider string, providerSubjectID string) (Principal, error)
	// CreateFromIdentity creates a principal on first external login and links
	// the identity in the same step.
	CreateFromIdentity(ctx context.Context, identity ProviderIdentity) (Principal, error)
	// LinkIdentity attaches an additional provider identity to an existing
	// principal.
	LinkIdentity(ctx context.Context, principalID string, identity ProviderIdentity) error
	// TokenVersion returns the principal's current token version.
	TokenVersion(ctx context.Context, principalID string) (int, error)
	// BumpTokenVersion invalidates every outstanding access token for the
	// principal by incrementing the version embedded in new tokens.
	BumpTokenVersion(ctx context.Context, principalID string) (int, error)
}

// TokenVersionSource answers the middleware's force-logout check. Kept
// narrower than PrincipalStore so deployments can back it with a cache.
type TokenVersionSource interface {
	TokenVersion(ctx context.Context, principalID string) (int, error)
}
