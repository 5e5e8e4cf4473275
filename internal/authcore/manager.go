package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenPair is what every successful login or refresh hands back.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ManagerConfig wires the session manager's collaborators.
type ManagerConfig struct {
	Codec      *TokenCodec
	Sessions   SessionStore
	Principals PrincipalStore
	OAuth      *OAuthExchangeClient
	// GoogleValidator and GoogleAudience enable the direct Google ID-token
	// login path; leave nil/empty to disable it.
	GoogleValidator GoogleTokenValidator
	GoogleAudience  string
	Logger          *zap.Logger
	Metrics         MetricsRecorder
	Clock           Clock
}

var (
	errManagerMissingCodec      = errors.New("session.manager.missing_codec")
	errManagerMissingSessions   = errors.New("session.manager.missing_session_store")
	errManagerMissingPrincipals = errors.New("session.manager.missing_principal_store")
	errGoogleLoginDisabled      = errors.New("session.google_login_disabled")
)

// SessionManager orchestrates login, refresh, and logout. Each session is a
// chain of rotated refresh tokens rooted at one session ID; replaying any
// rotated-out link revokes the whole chain.
type SessionManager struct {
	codec           *TokenCodec
	sessions        SessionStore
	principals      PrincipalStore
	oauth           *OAuthExchangeClient
	googleValidator GoogleTokenValidator
	googleAudience  string
	logger          *zap.Logger
	metrics         MetricsRecorder
	clock           Clock
}

// NewSessionManager validates the wiring and builds a manager.
func NewSessionManager(configuration ManagerConfig) (*SessionManager, error) {
	if configuration.Codec == nil {
		return nil, fmt.Errorf("session.manager.new: %w", errManagerMissingCodec)
	}
	if configuration.Sessions == nil {
		return nil, fmt.Errorf("session.manager.new: %w", errManagerMissingSessions)
	}
	if configuration.Principals == nil {
		return nil, fmt.Errorf("session.manager.new: %w", errManagerMissingPrincipals)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	return &SessionManager{
		codec:           configuration.Codec,
		sessions:        configuration.Sessions,
		principals:      configuration.Principals,
		oauth:           configuration.OAuth,
		googleValidator: configuration.GoogleValidator,
		googleAudience:  configuration.GoogleAudience,
		logger:          logger,
		metrics:         metrics,
		clock:           clock,
	}, nil
}

// Login authenticates a username/password pair and opens a new session.
func (manager *SessionManager) Login(ctx context.Context, username string, password string) (Principal, TokenPair, error) {
	principal, findErr := manager.principals.FindByCredentials(ctx, username, password)
	if findErr != nil {
		// A broken principal store must never read as a failed login.
		if !errors.Is(findErr, ErrInvalidCredentials) {
			return Principal{}, TokenPair{}, fmt.Errorf("session.login: %w", ErrStorageUnavailable)
		}
		manager.metrics.Increment(MetricLoginFailure)
		return Principal{}, TokenPair{}, findErr
	}
	pair, issueErr := manager.openSession(ctx, principal)
	if issueErr != nil {
		return Principal{}, TokenPair{}, issueErr
	}
	manager.metrics.Increment(MetricLoginSuccess)
	return principal, pair, nil
}

// BeginOAuth2Login issues the provider redirect for an OAuth2 login.
func (manager *SessionManager) BeginOAuth2Login(ctx context.Context, provider string) (string, error) {
	if manager.oauth == nil {
		return "", fmt.Errorf("session.oauth_begin: %w", ErrUnknownProvider)
	}
	redirectURL, beginErr := manager.oauth.BeginLogin(ctx, provider)
	if beginErr != nil {
		return "", beginErr
	}
	manager.metrics.Increment(MetricOAuthBegin)
	return redirectURL, nil
}

// LoginWithOAuth2 completes an OAuth2 callback and opens a new session for
// the resolved principal.
func (manager *SessionManager) LoginWithOAuth2(ctx context.Context, provider string, state string, code string) (Principal, TokenPair, error) {
	if manager.oauth == nil {
		return Principal{}, TokenPair{}, fmt.Errorf("session.oauth_complete: %w", ErrUnknownProvider)
	}
	principal, completeErr := manager.oauth.CompleteLogin(ctx, provider, state, code)
	if completeErr != nil {
		manager.metrics.Increment(MetricOAuthFailure)
		return Principal{}, TokenPair{}, completeErr
	}
	pair, issueErr := manager.openSession(ctx, principal)
	if issueErr != nil {
		return Principal{}, TokenPair{}, issueErr
	}
	manager.metrics.Increment(MetricOAuthComplete)
	return principal, pair, nil
}

// LoginWithGoogleIDToken verifies a Google-issued ID token directly and opens
// a session, bypassing the redirect flow. Used by native clients that obtain
// the ID token through the platform sign-in SDK.
func (manager *SessionManager) LoginWithGoogleIDToken(ctx context.Context, rawIDToken string) (Principal, TokenPair, error) {
	if manager.googleValidator == nil || manager.googleAudience == "" {
		return Principal{}, TokenPair{}, fmt.Errorf("session.google_login: %w", errGoogleLoginDisabled)
	}
	payload, validateErr := manager.googleValidator.Validate(ctx, rawIDToken, manager.googleAudience)
	if validateErr != nil {
		manager.metrics.Increment(MetricLoginFailure)
		return Principal{}, TokenPair{}, fmt.Errorf("session.google_login: %w", ErrInvalidCredentials)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		manager.metrics.Increment(MetricLoginFailure)
		return Principal{}, TokenPair{}, fmt.Errorf("session.google_login: %w", ErrInvalidCredentials)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if googleSub == "" || !emailVerified {
		manager.metrics.Increment(MetricLoginFailure)
		return Principal{}, TokenPair{}, fmt.Errorf("session.google_login: %w", ErrIdentityUnresolvable)
	}
	userEmail, _ := payload.Claims["email"].(string)
	displayName, _ := payload.Claims["name"].(string)

	identity := ProviderIdentity{
		Provider:    "google",
		SubjectID:   googleSub,
		Email:       userEmail,
		DisplayName: displayName,
	}
	principal, findErr := manager.principals.FindByProviderIdentity(ctx, identity.Provider, identity.SubjectID)
	if errors.Is(findErr, ErrPrincipalNotFound) {
		principal, findErr = manager.principals.CreateFromIdentity(ctx, identity)
	}
	if findErr != nil {
		return Principal{}, TokenPair{}, fmt.Errorf("session.google_login: %w", ErrStorageUnavailable)
	}
	pair, issueErr := manager.openSession(ctx, principal)
	if issueErr != nil {
		return Principal{}, TokenPair{}, issueErr
	}
	manager.metrics.Increment(MetricLoginSuccess)
	return principal, pair, nil
}

// Refresh rotates the session behind the presented refresh token and mints a
// fresh token pair. A rotated-out token is proof of theft: the session chain
// is revoked and ErrReuseDetected returned.
func (manager *SessionManager) Refresh(ctx context.Context, refreshTokenString string) (TokenPair, error) {
	claims, verifyErr := manager.codec.Verify(refreshTokenString, TokenKindRefresh)
	if verifyErr != nil {
		return TokenPair{}, fmt.Errorf("session.refresh: %w", verifyErr)
	}

	record, getErr := manager.sessions.Get(ctx, claims.SessionID)
	if getErr != nil {
		if errors.Is(getErr, ErrSessionNotFound) {
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrInvalidRefresh)
		}
		return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrStorageUnavailable)
	}
	if record.Revoked() {
		manager.metrics.Increment(MetricRefreshRevoked)
		return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrSessionRevoked)
	}
	if record.RotationCounter != claims.RotationCounter {
		if revokeErr := manager.sessions.Revoke(ctx, claims.SessionID); revokeErr != nil {
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrStorageUnavailable)
		}
		manager.metrics.Increment(MetricReuseDetected)
		manager.logger.Error("refresh token reuse detected; session chain revoked",
			zap.String("session_id", claims.SessionID),
			zap.String("subject", claims.Subject))
		return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrReuseDetected)
	}

	// Nothing fallible may run after the rotation commits: a failure there
	// would strand the client with a dead token, and the honest retry would
	// hit the counter mismatch and be punished as theft. The token version
	// is the only store read minting needs, so it happens before Rotate.
	tokenVersion, versionErr := manager.lookupTokenVersion(ctx, claims.Subject)
	if versionErr != nil {
		return TokenPair{}, versionErr
	}

	newExpiresAt := manager.clock.Now().Add(manager.codec.RefreshTTL())
	rotated, rotateErr := manager.sessions.Rotate(ctx, claims.SessionID, claims.RotationCounter, newExpiresAt.Unix())
	if rotateErr != nil {
		switch {
		case errors.Is(rotateErr, ErrRotationConflict):
			// A concurrent refresh with the same token won the race; this
			// caller holds a now-stale token, which counts as reuse.
			manager.metrics.Increment(MetricReuseDetected)
			manager.logger.Error("concurrent refresh rotation conflict; session chain revoked",
				zap.String("session_id", claims.SessionID),
				zap.String("subject", claims.Subject))
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrReuseDetected)
		case errors.Is(rotateErr, ErrSessionRevoked):
			manager.metrics.Increment(MetricRefreshRevoked)
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrSessionRevoked)
		case errors.Is(rotateErr, ErrSessionNotFound):
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrInvalidRefresh)
		default:
			return TokenPair{}, fmt.Errorf("session.refresh: %w", ErrStorageUnavailable)
		}
	}

	pair, issueErr := manager.issueTokens(rotated.Subject, rotated.SessionID, rotated.RotationCounter, tokenVersion)
	if issueErr != nil {
		return TokenPair{}, issueErr
	}
	manager.metrics.Increment(MetricRefreshSuccess)
	return pair, nil
}

// Logout revokes the session behind the refresh token. Expiry is not
// enforced so a client can still log out with a stale token; forged tokens
// are ignored. Calling it twice is a no-op.
func (manager *SessionManager) Logout(ctx context.Context, refreshTokenString string) error {
	claims, verifyErr := manager.codec.VerifyForLogout(refreshTokenString)
	if verifyErr != nil {
		manager.logger.Debug("logout with unverifiable token ignored", zap.Error(verifyErr))
		return nil
	}
	if revokeErr := manager.sessions.Revoke(ctx, claims.SessionID); revokeErr != nil {
		return fmt.Errorf("session.logout: %w", ErrStorageUnavailable)
	}
	manager.metrics.Increment(MetricLogout)
	return nil
}

// LogoutAll revokes every session for the principal and bumps the token
// version so outstanding access tokens die with them.
func (manager *SessionManager) LogoutAll(ctx context.Context, principalID string) error {
	if revokeErr := manager.sessions.RevokeAllForSubject(ctx, principalID); revokeErr != nil {
		return fmt.Errorf("session.logout_all: %w", ErrStorageUnavailable)
	}
	if _, bumpErr := manager.principals.BumpTokenVersion(ctx, principalID); bumpErr != nil {
		if errors.Is(bumpErr, ErrPrincipalNotFound) {
			return fmt.Errorf("session.logout_all: %w", bumpErr)
		}
		return fmt.Errorf("session.logout_all: %w", ErrStorageUnavailable)
	}
	manager.metrics.Increment(MetricForcedLogout)
	manager.logger.Warn("forced logout for principal", zap.String("principal_id", principalID))
	return nil
}

func (manager *SessionManager) openSession(ctx context.Context, principal Principal) (TokenPair, error) {
	sessionID := uuid.NewString()
	now := manager.clock.Now()
	record := SessionRecord{
		SessionID:       sessionID,
		Subject:         principal.ID,
		RotationCounter: 0,
		IssuedAtUnix:    now.Unix(),
		ExpiresUnix:     now.Add(manager.codec.RefreshTTL()).Unix(),
	}
	if putErr := manager.sessions.Put(ctx, record); putErr != nil {
		return TokenPair{}, fmt.Errorf("session.open: %w", ErrStorageUnavailable)
	}
	return manager.issueTokens(principal.ID, sessionID, record.RotationCounter, principal.TokenVersion)
}

func (manager *SessionManager) lookupTokenVersion(ctx context.Context, subject string) (int, error) {
	tokenVersion, versionErr := manager.principals.TokenVersion(ctx, subject)
	if versionErr != nil {
		if errors.Is(versionErr, ErrPrincipalNotFound) {
			return 0, fmt.Errorf("session.issue: %w", versionErr)
		}
		return 0, fmt.Errorf("session.issue: %w", ErrStorageUnavailable)
	}
	return tokenVersion, nil
}

func (manager *SessionManager) issueTokens(subject string, sessionID string, rotationCounter uint64, tokenVersion int) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := manager.codec.IssueAccess(subject, tokenVersion)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, refreshExpiresAt, refreshErr := manager.codec.IssueRefresh(subject, sessionID, rotationCounter)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}
