package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seolmap/seolauth/internal/authcore"
)

// HandleWhoAmI resolves the authenticated subject's profile payload.
func HandleWhoAmI(logger *zap.Logger, principals authcore.PrincipalStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if principals == nil {
		panic("principal store is required")
	}

	return func(contextGin *gin.Context) {
		subject := contextGin.GetString(authcore.ContextKeySubject)
		if subject == "" {
			logger.Warn("missing auth subject on context",
				zap.String("code", "api.me.missing_subject"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		principal, getErr := principals.Get(contextGin.Request.Context(), subject)
		if getErr != nil {
			logger.Warn("authenticated subject has no principal",
				zap.String("code", "api.me.principal_missing"),
				zap.String("subject", subject))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":  principal.ID,
			"username": principal.Username,
			"display":  principal.DisplayName,
			"email":    principal.Email,
		})
	}
}
