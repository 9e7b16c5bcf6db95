// Package auth verifies operator bearer tokens for the admin API and enforces roles.
package auth

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the token's "roles" claim or space-separated "scope" claim.
const (
	RoleViewer   = "policy:read"
	RoleOperator = "policy:write"
	RolePromoter = "policy:promote"
)

var ErrUnauthenticated = errors.New("authentication required")

type ctxKey string

const ctxKeyAuthInfo ctxKey = "policy-engine.authInfo"

type AuthInfo struct {
	Subject string
	Issuer  string
	Roles   []string
}

func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	ai, _ := ctx.Value(ctxKeyAuthInfo).(*AuthInfo)
	return ai
}

// Actor names the caller for audit fields.
func Actor(ctx context.Context) string {
	if ai := FromContext(ctx); ai != nil {
		return ai.Subject
	}
	return ""
}

type Config struct {
	KeysFile        string
	Issuer          string
	AllowDebugToken bool
	DebugToken      string
}

type Verifier struct {
	keys       []interface{}
	issuer     string
	debugToken string
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer}
	if cfg.AllowDebugToken {
		if cfg.DebugToken == "" {
			return nil, errors.New("debug token allowed but not set")
		}
		v.debugToken = cfg.DebugToken
	}
	if cfg.KeysFile != "" {
		keys, err := loadKeys(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("load token keys: %w", err)
		}
		v.keys = keys
	}
	if len(v.keys) == 0 && v.debugToken == "" {
		return nil, errors.New("no token keys or debug token configured")
	}
	return v, nil
}

// loadKeys reads PEM public keys or certificates; other blocks are skipped.
func loadKeys(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid keys found in %s", path)
	}
	return keys, nil
}

// Verify checks a bearer token against every configured key.
func (v *Verifier) Verify(token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if v.debugToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.debugToken)) == 1 {
		return &AuthInfo{Subject: "debug", Roles: []string{RoleViewer, RoleOperator, RolePromoter}}, nil
	}
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("%w: token keys not configured", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var lastErr error
	for _, key := range v.keys {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		return authInfo(claims), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

func authInfo(claims jwt.MapClaims) *AuthInfo {
	ai := &AuthInfo{}
	ai.Subject, _ = claims.GetSubject()
	ai.Issuer, _ = claims.GetIssuer()
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				ai.Roles = append(ai.Roles, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		ai.Roles = append(ai.Roles, strings.Fields(scope)...)
	}
	return ai
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's AuthInfo in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
		ai, err := v.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="policy-engine"`)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
	})
}

// RequireRole allows the request only if the caller holds role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).HasRole(role) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "missing role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
