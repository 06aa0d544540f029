package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
)

const tokenIssuer = "talond"

// contextKey is the key type for request-scoped auth values.
type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the authenticated operator name, or "" when auth is
// disabled.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// Auth is the bearer-token middleware for the management API. Tokens
// are HS256 JWTs minted with the shared secret; there is no user
// database behind them.
type Auth struct {
	secret  []byte
	enabled bool
	log     *zap.Logger
}

// NewAuth builds the middleware from the HTTP config.
func NewAuth(cfg config.HTTPConfig, logger *zap.Logger) *Auth {
	a := &Auth{secret: []byte(cfg.JWTSecret), enabled: cfg.AuthEnabled, log: logger}
	if a.enabled && len(a.secret) == 0 {
		logger.Warn("API auth enabled without a JWT secret; all requests will be rejected")
	}
	return a
}

// Wrap guards next with bearer-token validation. Event-feed endpoints
// also accept an access_token query parameter because the browser
// EventSource API cannot set headers.
func (a *Auth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		raw := ""
		if hdr := r.Header.Get("Authorization"); hdr != "" {
			tok, err := bearerToken(hdr)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			raw = tok
		} else if strings.HasPrefix(r.URL.Path, "/api/events") {
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
			return
		}

		subject, err := a.validate(raw)
		if err != nil {
			a.log.Debug("Token rejected", zap.Error(err))
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validate(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("no signing secret configured")
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	if claims.Issuer != tokenIssuer {
		return "", fmt.Errorf("invalid token issuer")
	}
	return claims.Subject, nil
}

// MintToken issues an HS256 bearer token for subject.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
