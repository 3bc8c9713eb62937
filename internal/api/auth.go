package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/scope"
)

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = eris.New("api: unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	Actor  string
	Scopes []scope.Token
}

// Claims are the bearer token claims. Scopes arrive either as a space
// separated "scope" string or a "scopes" array.
type Claims struct {
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator. Issuer and audience are checked
// only when configured.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}
}

// Authenticate verifies token and returns its principal.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, eris.Wrap(ErrUnauthorized, "missing token")
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, eris.Wrap(ErrUnauthorized, err.Error())
	}
	if claims.Subject == "" {
		return nil, eris.Wrap(ErrUnauthorized, "token has no subject")
	}

	scopes := scope.Parse(claims.Scope)
	for _, s := range claims.Scopes {
		scopes = append(scopes, scope.Parse(s)...)
	}
	return &Principal{Actor: claims.Subject, Scopes: scopes}, nil
}

type principalKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			respondError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		p, err := a.Authenticate(strings.TrimSpace(raw))
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
