package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/persistence"
	"github.com/vovakirdan/propchat/internal/persistence/memserver"
)

// ContextKeyClaims is the gin context key holding *auth.Claims.
const ContextKeyClaims = "claims"

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware rejects requests without a valid JWT before any upgrade.
func AuthMiddleware(cfg *auth.JWTConfig, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			logger.Debug().Msg("missing credential")
			c.AbortWithStatusJSON(http.StatusUnauthorized, persistence.ErrorResponse{Error: "missing credential"})
			return
		}

		claims, err := auth.ValidateToken(cfg, token)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, persistence.ErrorResponse{Error: "invalid token"})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// Authenticator adapts JWT validation to the persistence API.
func Authenticator(cfg *auth.JWTConfig) memserver.Authenticator {
	return func(token string) (memserver.Identity, error) {
		claims, err := auth.ValidateToken(cfg, token)
		if err != nil {
			return memserver.Identity{}, err
		}
		return memserver.Identity{ID: claims.UserID(), Name: claims.Name}, nil
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
