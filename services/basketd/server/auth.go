package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes carried by operator JWTs.
const (
	ScopeRead    = "sagas:read"
	ScopeResolve = "sagas:resolve"
)

// AuthConfig protects the saga endpoints. The static token grants every
// scope; JWTs must be HS256 signed with JWTSecret and list the scopes an
// endpoint needs in their "scope" claim.
type AuthConfig struct {
	StaticToken string
	JWTSecret   string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
}

type authenticator struct {
	static []byte
	secret []byte
	parser *jwt.Parser
}

// newAuthenticator returns nil when no credential is configured, which
// leaves the endpoints open.
func newAuthenticator(cfg AuthConfig) *authenticator {
	static := strings.TrimSpace(cfg.StaticToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if static == "" && secret == "" {
		return nil
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(skew),
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	a := &authenticator{parser: jwt.NewParser(opts...)}
	if static != "" {
		a.static = []byte(static)
	}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

func (a *authenticator) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := parseBearerToken(r.Header.Get("Authorization"))
			if provided == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if len(a.static) > 0 && subtle.ConstantTimeCompare([]byte(provided), a.static) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			scopes, err := a.scopes(provided)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := scopes[scope]; !ok {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *authenticator) scopes(raw string) (map[string]struct{}, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt not accepted")
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	switch v := claims["scope"].(type) {
	case string:
		for _, s := range strings.Fields(v) {
			out[s] = struct{}{}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out[s] = struct{}{}
			}
		}
	}
	return out, nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
