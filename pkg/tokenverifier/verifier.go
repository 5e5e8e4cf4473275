// Package tokenverifier validates seolauth access tokens in sibling services
// without importing the auth engine. It only needs the shared signing key and
// issuer; no network or storage access is involved.
package tokenverifier

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Verifier.
type Config struct {
	// SigningKey is the HS256 key access tokens were signed with.
	SigningKey []byte
	// VerifyKeys are additionally accepted during a key-rotation window.
	VerifyKeys [][]byte
	Issuer     string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

const accessTokenKind = "access"

// Sentinel errors exposed by the verifier.
var (
	ErrMissingSigningKey = errors.New("token.verifier.missing_signing_key")
	ErrMissingIssuer     = errors.New("token.verifier.missing_issuer")
	ErrMissingToken      = errors.New("token.verifier.missing_token")
	ErrMissingBearer     = errors.New("token.verifier.missing_bearer")
	ErrInvalidToken      = errors.New("token.verifier.invalid_token")
	ErrInvalidIssuer     = errors.New("token.verifier.invalid_issuer")
	ErrWrongTokenKind    = errors.New("token.verifier.wrong_kind")
	ErrTokenExpired      = errors.New("token.verifier.expired")
)

// Claims represent the payload embedded inside seolauth access tokens.
type Claims struct {
	Kind         string `json:"knd"`
	TokenVersion int    `json:"tver,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID returns the principal identifier from the token.
func (claims *Claims) PrincipalID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetTokenVersion returns the token version embedded at mint time.
func (claims *Claims) GetTokenVersion() int {
	if claims == nil {
		return 0
	}
	return claims.TokenVersion
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Verifier validates seolauth bearer access tokens.
type Verifier struct {
	verifyKeys [][]byte
	issuer     string
	clock      Clock
}

// New constructs a Verifier after validating the supplied configuration.
func New(configuration Config) (*Verifier, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	verifyKeys := make([][]byte, 0, len(configuration.VerifyKeys)+1)
	verifyKeys = append(verifyKeys, configuration.SigningKey)
	verifyKeys = append(verifyKeys, configuration.VerifyKeys...)
	return &Verifier{
		verifyKeys: verifyKeys,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// VerifyToken validates the provided JWT string and returns the parsed claims.
func (verifier *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.verifier.verify: %w", ErrMissingToken)
	}
	var lastErr error
	for _, verifyKey := range verifier.verifyKeys {
		key := verifyKey
		parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
			return verifier.clock.Now()
		}), jwt.WithExpirationRequired())
		if parseErr == nil && parsedToken != nil && parsedToken.Valid {
			return verifier.checkClaims(parsedToken)
		}
		lastErr = parseErr
		if errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) {
			continue
		}
		break
	}
	if errors.Is(lastErr, jwt.ErrTokenExpired) {
		return nil, fmt.Errorf("token.verifier.verify: %w", ErrTokenExpired)
	}
	return nil, fmt.Errorf("token.verifier.verify: %w", ErrInvalidToken)
}

func (verifier *Verifier) checkClaims(parsedToken *jwt.Token) (*Claims, error) {
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("token.verifier.verify: %w", ErrInvalidToken)
	}
	if claims.Issuer != verifier.issuer {
		return nil, fmt.Errorf("token.verifier.verify: %w", ErrInvalidIssuer)
	}
	if claims.Kind != accessTokenKind {
		return nil, fmt.Errorf("token.verifier.verify: %w", ErrWrongTokenKind)
	}
	return claims, nil
}

// VerifyRequest reads the bearer header from the request and validates it.
func (verifier *Verifier) VerifyRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("token.verifier.verify_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("token.verifier.verify_request: %w", ErrMissingBearer)
	}
	return verifier.VerifyToken(strings.TrimSpace(token))
}

// GinMiddleware returns middleware that validates the bearer token and
// injects claims under the given context key.
func (verifier *Verifier) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := verifier.VerifyRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
