package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes access tokens from refresh tokens on the wire.
type TokenKind string

const (
	// TokenKindAccess marks short-lived stateless tokens.
	TokenKindAccess TokenKind = "access"
	// TokenKindRefresh marks long-lived session-bound tokens.
	TokenKindRefresh TokenKind = "refresh"
)

// SessionClaims is the payload embedded in every seolauth token.
type SessionClaims struct {
	Kind            string `json:"knd"`
	TokenVersion    int    `json:"tver,omitempty"`
	SessionID       string `json:"sid,omitempty"`
	RotationCounter uint64 `json:"cnt,omitempty"`
	jwt.RegisteredClaims
}

// CodecConfig configures the token codec.
type CodecConfig struct {
	// SigningKey signs every newly issued token.
	SigningKey []byte
	// VerifyKeys are accepted during a key-rotation overlap window. The
	// signing key is always accepted and does not need to be listed.
	VerifyKeys [][]byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway is the clock-skew allowance applied to expiry checks.
	Leeway time.Duration
	Clock  Clock
}

const maxCodecLeeway = 30 * time.Second

var (
	errCodecMissingSigningKey = errors.New("codec.missing_signing_key")
	errCodecMissingIssuer     = errors.New("codec.missing_issuer")
	errCodecInvalidTTL        = errors.New("codec.invalid_ttl")
	errCodecExcessiveLeeway   = errors.New("codec.excessive_leeway")
	errCodecEmptySubject      = errors.New("codec.empty_subject")
	errCodecEmptySessionID    = errors.New("codec.empty_session_id")
)

// TokenCodec mints and verifies signed access and refresh tokens. Signing is
// HS256 only; tokens carrying any other algorithm are rejected outright.
type TokenCodec struct {
	signingKey []byte
	verifyKeys [][]byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	clock      Clock
}

// NewTokenCodec validates the configuration and builds a codec.
func NewTokenCodec(configuration CodecConfig) (*TokenCodec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("codec.new: %w", errCodecMissingSigningKey)
	}
	if configuration.Issuer == "" {
		return nil, fmt.Errorf("codec.new: %w", errCodecMissingIssuer)
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("codec.new: %w", errCodecInvalidTTL)
	}
	if configuration.Leeway < 0 || configuration.Leeway > maxCodecLeeway {
		return nil, fmt.Errorf("codec.new: %w", errCodecExcessiveLeeway)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	verifyKeys := make([][]byte, 0, len(configuration.VerifyKeys)+1)
	verifyKeys = append(verifyKeys, configuration.SigningKey)
	verifyKeys = append(verifyKeys, configuration.VerifyKeys...)
	return &TokenCodec{
		signingKey: configuration.SigningKey,
		verifyKeys: verifyKeys,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
		leeway:     configuration.Leeway,
		clock:      clock,
	}, nil
}

// AccessTTL exposes the configured access-token lifetime.
func (codec *TokenCodec) AccessTTL() time.Duration {
	return codec.accessTTL
}

// RefreshTTL exposes the configured refresh-token lifetime.
func (codec *TokenCodec) RefreshTTL() time.Duration {
	return codec.refreshTTL
}

// IssueAccess mints a stateless access token for the subject.
func (codec *TokenCodec) IssueAccess(subject string, tokenVersion int) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("codec.issue_access: %w", errCodecEmptySubject)
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(codec.accessTTL)
	claims := SessionClaims{
		Kind:         string(TokenKindAccess),
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("codec.issue_access: %w", signErr)
	}
	return signed, expiresAt, nil
}

// IssueRefresh mints a refresh token bound to a session and its current
// rotation counter.
func (codec *TokenCodec) IssueRefresh(subject string, sessionID string, rotationCounter uint64) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("codec.issue_refresh: %w", errCodecEmptySubject)
	}
	if sessionID == "" {
		return "", time.Time{}, fmt.Errorf("codec.issue_refresh: %w", errCodecEmptySessionID)
	}
	issuedAt := codec.clock.Now()
	expiresAt := issuedAt.Add(codec.refreshTTL)
	claims := SessionClaims{
		Kind:            string(TokenKindRefresh),
		SessionID:       sessionID,
		RotationCounter: rotationCounter,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("codec.issue_refresh: %w", signErr)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry, issuer, and kind, and returns the claims.
func (codec *TokenCodec) Verify(tokenString string, expectedKind TokenKind) (*SessionClaims, error) {
	claims, verifyErr := codec.parse(tokenString, true)
	if verifyErr != nil {
		return nil, verifyErr
	}
	if claims.Kind != string(expectedKind) {
		return nil, fmt.Errorf("codec.verify: %w", ErrTokenWrongKind)
	}
	return claims, nil
}

// VerifyForLogout checks signature and kind but not expiry, so a session can
// still be revoked with a refresh token that expired before the client got
// around to logging out. Forged tokens are still rejected.
func (codec *TokenCodec) VerifyForLogout(tokenString string) (*SessionClaims, error) {
	claims, verifyErr := codec.parse(tokenString, false)
	if verifyErr != nil {
		return nil, verifyErr
	}
	if claims.Kind != string(TokenKindRefresh) {
		return nil, fmt.Errorf("codec.verify: %w", ErrTokenWrongKind)
	}
	return claims, nil
}

func (codec *TokenCodec) parse(tokenString string, enforceValidity bool) (*SessionClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(codec.clock.Now),
	}
	if enforceValidity {
		options = append(options,
			jwt.WithIssuer(codec.issuer),
			jwt.WithLeeway(codec.leeway),
			jwt.WithExpirationRequired(),
		)
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	var lastErr error
	for _, verifyKey := range codec.verifyKeys {
		key := verifyKey
		parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, options...)
		if parseErr == nil && parsedToken != nil {
			claims, ok := parsedToken.Claims.(*SessionClaims)
			if !ok || claims.Subject == "" {
				return nil, fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
			}
			if !enforceValidity && claims.Issuer != codec.issuer {
				return nil, fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
			}
			return claims, nil
		}
		lastErr = parseErr
		// A signature failure may just mean the token was signed with an
		// older key from the rotation window; try the next one.
		if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
			continue
		}
		break
	}
	return nil, codec.classifyParseError(lastErr)
}

func (codec *TokenCodec) classifyParseError(parseErr error) error {
	switch {
	case parseErr == nil:
		return fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
	case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("codec.verify: %w", ErrTokenSignature)
	case errors.Is(parseErr, jwt.ErrTokenExpired), errors.Is(parseErr, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("codec.verify: %w", ErrTokenExpired)
	case errors.Is(parseErr, jwt.ErrTokenInvalidIssuer), errors.Is(parseErr, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
	case errors.Is(parseErr, jwt.ErrTokenMalformed):
		return fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
	default:
		return fmt.Errorf("codec.verify: %w", ErrTokenMalformed)
	}
}
