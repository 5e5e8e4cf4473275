package authcore

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by RequireAuth for downstream handlers.
const (
	ContextKeyClaims  = "auth_claims"
	ContextKeySubject = "auth_subject"
)

// RequireAuth verifies the bearer access token on every protected request and
// injects the resolved subject. Access tokens are stateless; the only state
// consulted is the principal's token version, which catches forced logouts.
// A nil version source skips that check.
func RequireAuth(codec *TokenCodec, versions TokenVersionSource, metrics MetricsRecorder) gin.HandlerFunc {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return func(contextGin *gin.Context) {
		tokenString := bearerToken(contextGin.Request)
		if tokenString == "" {
			metrics.Increment(MetricAuthRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		claims, verifyErr := codec.Verify(tokenString, TokenKindAccess)
		if verifyErr != nil {
			metrics.Increment(MetricAuthRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if versions != nil {
			currentVersion, versionErr := versions.TokenVersion(contextGin.Request.Context(), claims.Subject)
			if versionErr != nil && !errors.Is(versionErr, ErrPrincipalNotFound) {
				// A dead version store is an outage, not a stale token.
				metrics.Increment(MetricStorageUnavailable)
				contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
				return
			}
			if versionErr != nil || claims.TokenVersion != currentVersion {
				metrics.Increment(MetricTokenVersionStale)
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
		}
		contextGin.Set(ContextKeyClaims, claims)
		contextGin.Set(ContextKeySubject, claims.Subject)
		contextGin.Next()
	}
}

func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
