package authcore

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteDeps carries the collaborators the auth routes need. Composition is
// explicit: no ambient container, every dependency arrives here.
type RouteDeps struct {
	Manager  *SessionManager
	Codec    *TokenCodec
	Versions TokenVersionSource
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// MountAuthRoutes registers /auth/login, the OAuth2 start/callback pair,
// /auth/google, /auth/refresh, /auth/logout, and the protected
// /auth/logout_all.
func MountAuthRoutes(router gin.IRouter, deps RouteDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		_, pair, loginErr := deps.Manager.Login(contextGin.Request.Context(), inbound.Username, inbound.Password)
		if loginErr != nil {
			writeAuthFailure(contextGin, logger, "auth.login", loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, pairResponse(pair, deps.Codec))
	})

	router.GET("/auth/oauth2/:provider/start", func(contextGin *gin.Context) {
		providerName := contextGin.Param("provider")
		redirectURL, beginErr := deps.Manager.BeginOAuth2Login(contextGin.Request.Context(), providerName)
		if beginErr != nil {
			writeAuthFailure(contextGin, logger, "auth.oauth_start", beginErr)
			return
		}
		contextGin.Redirect(http.StatusFound, redirectURL)
	})

	router.GET("/auth/oauth2/:provider/callback", func(contextGin *gin.Context) {
		providerName := contextGin.Param("provider")
		state := contextGin.Query("state")
		code := contextGin.Query("code")
		if state == "" || code == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_callback"})
			return
		}
		_, pair, completeErr := deps.Manager.LoginWithOAuth2(contextGin.Request.Context(), providerName, state, code)
		if completeErr != nil {
			writeAuthFailure(contextGin, logger, "auth.oauth_callback", completeErr)
			return
		}
		contextGin.JSON(http.StatusOK, pairResponse(pair, deps.Codec))
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		_, pair, loginErr := deps.Manager.LoginWithGoogleIDToken(contextGin.Request.Context(), inbound.GoogleIDToken)
		if loginErr != nil {
			writeAuthFailure(contextGin, logger, "auth.google", loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, pairResponse(pair, deps.Codec))
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		pair, refreshErr := deps.Manager.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if refreshErr != nil {
			writeAuthFailure(contextGin, logger, "auth.refresh", refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, pairResponse(pair, deps.Codec))
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if logoutErr := deps.Manager.Logout(contextGin.Request.Context(), inbound.RefreshToken); logoutErr != nil {
			writeAuthFailure(contextGin, logger, "auth.logout", logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/logout_all", RequireAuth(deps.Codec, deps.Versions, metrics), func(contextGin *gin.Context) {
		subject := contextGin.GetString(ContextKeySubject)
		if subject == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if logoutErr := deps.Manager.LogoutAll(contextGin.Request.Context(), subject); logoutErr != nil {
			writeAuthFailure(contextGin, logger, "auth.logout_all", logoutErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func pairResponse(pair TokenPair, codec *TokenCodec) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(codec.AccessTTL() / time.Second),
		RefreshToken: pair.RefreshToken,
	}
}

// writeAuthFailure maps the error taxonomy to the HTTP boundary. Reuse gets
// 409, malformed callback state 400, infrastructure trouble 503, and every
// other authentication failure collapses to an undifferentiated 401 so the
// response never reveals whether a token was forged, expired, or revoked.
func writeAuthFailure(contextGin *gin.Context, logger *zap.Logger, site string, failure error) {
	switch {
	case errors.Is(failure, ErrReuseDetected):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(failure, ErrStateMismatch), errors.Is(failure, ErrStateExpired):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
	case errors.Is(failure, ErrUnknownProvider):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
	case errors.Is(failure, ErrProvider):
		logger.Warn("identity provider unavailable", zap.String("code", site), zap.Error(failure))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable"})
	case errors.Is(failure, ErrStorageUnavailable):
		logger.Error("credential storage unavailable", zap.String("code", site), zap.Error(failure))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
	default:
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
}
