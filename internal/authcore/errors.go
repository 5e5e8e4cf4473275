package authcore

import "errors"

// Token codec failures.
var (
	// ErrTokenMalformed indicates the token text is not structurally a signed token.
	ErrTokenMalformed = errors.New("codec.malformed")
	// ErrTokenSignature indicates the signature did not verify against any accepted key.
	ErrTokenSignature = errors.New("codec.invalid_signature")
	// ErrTokenExpired indicates the token is outside its validity window.
	ErrTokenExpired = errors.New("codec.expired")
	// ErrTokenWrongKind indicates an access token was presented where a refresh
	// token was expected, or the reverse.
	ErrTokenWrongKind = errors.New("codec.wrong_kind")
)

// Credential store failures.
var (
	// ErrSessionNotFound indicates no session record matched the identifier.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrRotationConflict indicates the presented rotation counter did not match
	// the stored one; the store revokes the session as a side effect.
	ErrRotationConflict = errors.New("session_store.rotation_conflict")
	// ErrStorageUnavailable indicates the backing store could not be reached.
	ErrStorageUnavailable = errors.New("session_store.unavailable")
)

// Session manager failures.
var (
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("session.invalid_credentials")
	// ErrInvalidRefresh indicates a refresh token that verified structurally but
	// has no live session behind it.
	ErrInvalidRefresh = errors.New("session.invalid_refresh")
	// ErrSessionRevoked indicates the session was revoked before this call.
	ErrSessionRevoked = errors.New("session.revoked")
	// ErrReuseDetected indicates a rotated-out refresh token was replayed. The
	// whole session chain is revoked before this is returned.
	ErrReuseDetected = errors.New("session.reuse_detected")
	// ErrTokenVersionStale indicates the access token predates a forced logout.
	ErrTokenVersionStale = errors.New("session.token_version_stale")
)

// OAuth2 exchange failures.
var (
	// ErrUnknownProvider indicates no provider is registered under the name.
	ErrUnknownProvider = errors.New("oauth.unknown_provider")
	// ErrStateMismatch indicates the callback state was never issued or was
	// already consumed.
	ErrStateMismatch = errors.New("oauth.state_mismatch")
	// ErrStateExpired indicates the pending exchange outlived its window.
	ErrStateExpired = errors.New("oauth.state_expired")
	// ErrProvider indicates the identity provider rejected the exchange or
	// stayed unreachable through the retry budget.
	ErrProvider = errors.New("oauth.provider_error")
	// ErrIdentityUnresolvable indicates the provider response carried no usable
	// subject identifier.
	ErrIdentityUnresolvable = errors.New("oauth.identity_unresolvable")
)

// Principal store failures.
var (
	// ErrPrincipalNotFound indicates no principal matched the lookup.
	ErrPrincipalNotFound = errors.New("principal_store.not_found")
)
