package runtime

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// Claims carried by a staff session token. Role and school are the only
// source of search scope; they are never read from request bodies.
type Claims struct {
	UserID   string
	Role     models.Role
	SchoolID string
}

// SignJWT issues a signed token with the staff member's identity and scope claims.
func SignJWT(claims Claims, secret []byte, ttl time.Duration) (string, error) {
	mapClaims := jwt.MapClaims{
		"sub":       claims.UserID,
		"role":      string(claims.Role),
		"school_id": claims.SchoolID,
		"exp":       time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates JWT tokens from the Authorization header or the
// auth cookie and stores the claims on the echo context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil })
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			mapClaims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			claims, ok := claimsFrom(mapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.Set("user_id", claims.UserID)
			c.Set("role", claims.Role)
			c.Set("school_id", claims.SchoolID)
			return next(c)
		}
	}
}

// RequireRoles rejects callers whose role claim is not in the allowed set.
func RequireRoles(allowed ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get("role").(models.Role)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "missing role")
			}
			for _, a := range allowed {
				if role == a {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

// ClaimsFromContext returns the authenticated claims stored by the middleware.
func ClaimsFromContext(c echo.Context) (Claims, bool) {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return Claims{}, false
	}
	role, ok := c.Get("role").(models.Role)
	if !ok {
		return Claims{}, false
	}
	schoolID, _ := c.Get("school_id").(string)
	return Claims{UserID: userID, Role: role, SchoolID: schoolID}, true
}

func claimsFrom(mapClaims jwt.MapClaims) (Claims, bool) {
	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, false
	}
	roleStr, _ := mapClaims["role"].(string)
	role := models.Role(roleStr)
	if !role.Valid() {
		return Claims{}, false
	}
	schoolID, _ := mapClaims["school_id"].(string)
	return Claims{UserID: sub, Role: role, SchoolID: schoolID}, true
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}
