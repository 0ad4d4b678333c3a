package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/http/response"
	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
	"github.com/yungbote/dialectic-backend/internal/services"
)

type AuthMiddleware struct {
	log  *logger.Logger
	auth services.AuthService
}

func NewAuthMiddleware(log *logger.Logger, auth services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "auth"), auth: auth}
}

// RequireAuth resolves the principal from the bearer token. Every dispatch
// action is scoped to that user.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			reject(c, "missing or invalid token")
			return
		}
		ctx, err := am.auth.SetContextFromToken(c.Request.Context(), raw)
		if err != nil {
			am.log.Debug("Rejected token", "error", err)
			reject(c, err.Error())
			return
		}
		if ctxutil.PrincipalID(ctx) == uuid.Nil {
			reject(c, "token has no subject")
			return
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func reject(c *gin.Context, msg string) {
	response.RespondAPIError(c, apierr.Unauthenticated("%s", msg))
	c.Abort()
}

// bearerToken reads the Authorization header, falling back to ?token= for
// clients that cannot set headers (downloads opened in a new tab).
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}
