package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ActorKey     contextKey = "actor_id"
	UserRolesKey contextKey = "user_roles"
)

// DevActorHeader lets development callers name the acting user without a token.
const DevActorHeader = "X-User-ID"

// DevActorID is used in development when no actor is supplied.
const DevActorID int64 = 1

// Claims carries the acting user. Subject must be the numeric user id recorded
// as changedBy and audit actor.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// JWTMiddleware validates HS256 bearer tokens and binds the actor to the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil || actor <= 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a user id")
			}

			ctx := WithActor(c.Request().Context(), actor)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// ParseToken verifies tokenStr against cfg and returns its claims.
func ParseToken(cfg JWTConfig, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// SignToken issues an HS256 token for actor.
func SignToken(key []byte, issuer string, actor int64, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(actor, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// DevAuthMiddleware is a permissive middleware for development. The actor is
// taken from X-User-ID when present, otherwise DevActorID.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := DevActorID
			if h := c.Request().Header.Get(DevActorHeader); h != "" {
				id, err := strconv.ParseInt(h, 10, 64)
				if err != nil || id <= 0 {
					return echo.NewHTTPError(http.StatusBadRequest, "X-User-ID must be a positive integer")
				}
				actor = id
			}
			ctx := WithActor(c.Request().Context(), actor)
			ctx = context.WithValue(ctx, UserRolesKey, []string{"admin"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func WithActor(ctx context.Context, actor int64) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFromContext returns the authenticated user id, or false when the
// request was not authenticated.
func ActorFromContext(ctx context.Context) (int64, bool) {
	actor, ok := ctx.Value(ActorKey).(int64)
	return actor, ok && actor > 0
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// RequestActor returns the acting user for the request, or a 401 error when
// no middleware bound one.
func RequestActor(c echo.Context) (int64, error) {
	actor, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor")
	}
	return actor, nil
}
