package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextUserIDKey = "auth_user_id"

// bearerAuth validates the Authorization header and stores the subject user
// id in the request context. Tokens must be HMAC-signed with the configured
// key and carry the configured issuer.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "malformed authorization header"))
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid claims"))
			return
		}
		subject, err := claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
			return
		}

		ctx.Set(contextUserIDKey, subject)
		ctx.Next()
	}
}

func authenticatedUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextUserIDKey)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}
