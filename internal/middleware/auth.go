package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/config"
	"storefront-payments/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const actorKey = "actor"

// Claims is the token payload: sub carries the user id, role gates admin routes.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type authenticator struct {
	secret []byte
	issuer string
}

func (a *authenticator) parse(header string) (model.Actor, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return model.Actor{}, apperr.New(apperr.CodeUnauthorized, "missing bearer token")
	}
	if len(a.secret) == 0 {
		return model.Actor{}, apperr.New(apperr.CodeUnauthorized, "token authentication is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Actor{}, apperr.Wrap(apperr.CodeUnauthorized, err, "token expired")
		}
		return model.Actor{}, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid token")
	}
	if claims.Subject == "" {
		return model.Actor{}, apperr.New(apperr.CodeUnauthorized, "token has no subject")
	}

	return model.UserActor(claims.Subject, claims.Role), nil
}

// Authenticate resolves the bearer token into a model.Actor stored on the context.
// Requests without a valid token are rejected.
func Authenticate(cfg config.JWT) echo.MiddlewareFunc {
	a := &authenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, err := a.parse(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
			c.Set(actorKey, actor)
			return next(c)
		}
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFrom(c)
			if actor.UserID == "" {
				return apperr.New(apperr.CodeUnauthorized, "authentication required")
			}
			if !actor.IsAdmin() {
				return apperr.New(apperr.CodeForbidden, "admin role required")
			}
			return next(c)
		}
	}
}

// ActorFrom returns the authenticated actor, or the zero Actor on public routes.
func ActorFrom(c echo.Context) model.Actor {
	actor, _ := c.Get(actorKey).(model.Actor)
	return actor
}

// IssueToken signs an HS256 token for userID. Used by the CLI and tests.
func IssueToken(cfg config.JWT, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
