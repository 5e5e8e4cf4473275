package tokenverifier

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, kind string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Kind:         kind,
		TokenVersion: 2,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "principal-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestNewVerifierRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "seolauth"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestNewVerifierRequiresIssuer(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SigningKey: []byte("secret")})
	if err == nil || !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestVerifyTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "seolauth",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokenValue := mintToken(t, []byte("secret-key"), "seolauth", "access", now, time.Minute)

	claims, verifyErr := verifier.VerifyToken(tokenValue)
	if verifyErr != nil {
		t.Fatalf("unexpected verification error: %v", verifyErr)
	}
	if claims.PrincipalID() != "principal-123" {
		t.Fatalf("unexpected subject %q", claims.PrincipalID())
	}
	if claims.GetTokenVersion() != 2 {
		t.Fatalf("unexpected token version %d", claims.GetTokenVersion())
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestVerifyTokenAcceptsRotationWindowKey(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier, err := New(Config{
		SigningKey: []byte("new-key"),
		VerifyKeys: [][]byte{[]byte("old-key")},
		Issuer:     "seolauth",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokenValue := mintToken(t, []byte("old-key"), "seolauth", "access", now, time.Minute)
	if _, verifyErr := verifier.VerifyToken(tokenValue); verifyErr != nil {
		t.Fatalf("expected old-key token accepted, got %v", verifyErr)
	}
}

func TestVerifyTokenRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "seolauth",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "seolauth", "access", now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "someone-else", "access", now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "refresh token",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "seolauth", "refresh", now, time.Minute)
			},
			expectErr: ErrWrongTokenKind,
		},
		{
			name: "expired",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "seolauth", "access", now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
	}

	for _, testCase := range tests {
		if _, verifyErr := verifier.VerifyToken(testCase.tokenFunc()); !errors.Is(verifyErr, testCase.expectErr) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expectErr, verifyErr)
		}
	}
}

func TestVerifyRequestReadsBearerHeader(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	verifier, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "seolauth",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if _, verifyErr := verifier.VerifyRequest(request); !errors.Is(verifyErr, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer, got %v", verifyErr)
	}

	request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, verifyErr := verifier.VerifyRequest(request); !errors.Is(verifyErr, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer for non-bearer scheme, got %v", verifyErr)
	}

	request.Header.Set("Authorization", "Bearer "+mintToken(t, []byte("secret-key"), "seolauth", "access", now, time.Minute))
	claims, verifyErr := verifier.VerifyRequest(request)
	if verifyErr != nil {
		t.Fatalf("unexpected verification error: %v", verifyErr)
	}
	if claims.PrincipalID() != "principal-123" {
		t.Fatalf("unexpected subject %q", claims.PrincipalID())
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	verifier, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "seolauth",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(verifier.GinMiddleware(""))
	router.GET("/resource", func(contextGin *gin.Context) {
		value, exists := contextGin.Get(DefaultContextKey)
		if !exists {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		claims, ok := value.(*Claims)
		if !ok {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"subject": claims.PrincipalID()})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set("Authorization", "Bearer "+mintToken(t, []byte("secret-key"), "seolauth", "access", now, time.Minute))
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	missingRecorder := httptest.NewRecorder()
	router.ServeHTTP(missingRecorder, httptest.NewRequest(http.MethodGet, "/resource", nil))
	if missingRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", missingRecorder.Code)
	}
}
