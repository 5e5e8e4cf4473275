package web

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// ErrNoAllowedOrigins indicates CORS was enabled without any usable origin.
var ErrNoAllowedOrigins = errors.New("cors.no_allowed_origins")

// PermissiveCORS builds CORS middleware for the listed origins. Credentials
// are allowed so browser clients can send the bearer header cross-origin.
func PermissiveCORS(allowedOrigins []string) (gin.HandlerFunc, error) {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return nil, ErrNoAllowedOrigins
	}
	configuration := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(configuration), nil
}
