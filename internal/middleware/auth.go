package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"stemsplit-backend/internal/models"
)

const UserIDKey = "user_id"

// OptionalAuth identifies registered users by an HS256 bearer token whose
// "sub" claim is the user id. Requests without a token pass through as
// anonymous; a token that is present but invalid is rejected.
func OptionalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, "invalid authorization header format", "")
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			abort(c, "empty token", "")
			return
		}

		// Some clients URL-encode the token
		if decoded, err := url.QueryUnescape(tokenString); err == nil {
			tokenString = decoded
		}

		if jwtSecret == "" {
			abort(c, "invalid token", "token authentication is not configured")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			abort(c, "invalid token", tokenErrorMessage(err))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abort(c, "invalid token claims", "")
			return
		}

		sub, ok := claims["sub"].(string)
		if !ok || sub == "" {
			abort(c, "missing user id in token", "")
			return
		}

		c.Set(UserIDKey, sub)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func tokenErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case strings.Contains(err.Error(), "signature is invalid"):
		return "token signature is invalid"
	case strings.Contains(err.Error(), "token is expired"):
		return "token has expired"
	case strings.Contains(err.Error(), "token is malformed"):
		return "token is malformed"
	default:
		return err.Error()
	}
}

func abort(c *gin.Context, errMsg, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: errMsg, Message: message})
}
