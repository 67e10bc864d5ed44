package spind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeCatalogueWrite authorises catalogue mutations and entropy rotation.
	ScopeCatalogueWrite = "catalogue:write"
	// ScopeSettleIndex authorises settlements that name an entry index, and
	// every settlement in caller-index mode.
	ScopeSettleIndex = "settle:index"
	// ScopeAuditRead authorises reading the raw audit event log.
	ScopeAuditRead = "audit:read"
)

type contextKey string

const contextKeyClaims contextKey = "operator_claims"

var (
	errMissingToken = errors.New("missing bearer token")
	errInsufficient = errors.New("token lacks required scope")
)

// OperatorClaims are the JWT claims accepted from operators.
type OperatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space separated scope claim grants scope.
func (c *OperatorClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, granted := range strings.Fields(c.Scope) {
		if granted == scope {
			return true
		}
	}
	return false
}

// Authenticator verifies HS256 operator tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewAuthenticator returns a verifier for tokens signed with secret.
func NewAuthenticator(secret, issuer, audience string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}, nil
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (*OperatorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireScope rejects requests without a valid bearer token granting scope.
func (a *Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, status, err := a.authorize(r, scope)
			if err != nil {
				writeError(w, status, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authorize checks the bearer token of r for scope and returns the HTTP status
// to answer with when it is missing or insufficient.
func (a *Authenticator) authorize(r *http.Request, scope string) (*OperatorClaims, int, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, http.StatusUnauthorized, errMissingToken
	}
	claims, err := a.Verify(raw)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	if !claims.HasScope(scope) {
		return nil, http.StatusForbidden, errInsufficient
	}
	return claims, http.StatusOK, nil
}

// ClaimsFromContext returns the operator claims stored by RequireScope.
func ClaimsFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*OperatorClaims)
	return claims, ok
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
