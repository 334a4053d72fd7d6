package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleManager  = "manager"
	RoleAdmin    = "admin"
)

// Claims identifies the caller. Subject is the identity used for call
// ownership, agent ids and signaling.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ID returns the caller identity
func (c *Claims) ID() string {
	return c.Subject
}

// Privileged reports whether the caller may act on other users' calls
func (c *Claims) Privileged() bool {
	return c.Role == RoleManager || c.Role == RoleAdmin
}

// Staff reports whether the caller works the queue
func (c *Claims) Staff() bool {
	return c.Role == RoleAgent || c.Privileged()
}

type contextKey string

const UserContextKey contextKey = "user"

// Options configures token handling
type Options struct {
	SkipAuth        bool
	VerifySignature bool
	OIDCIssuer      string
}

// Authenticator validates bearer tokens from the OIDC provider
type Authenticator struct {
	opts   Options
	jwks   *JWKSManager
	logger zerolog.Logger
}

// NewAuthenticator creates an authenticator. With signature verification
// enabled the JWKS is fetched lazily on the first token.
func NewAuthenticator(opts Options, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		opts:   opts,
		jwks:   &JWKSManager{issuerURL: opts.OIDCIssuer},
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	issuerURL  string
	mu         sync.RWMutex
	lastUpdate time.Time
}

// refresh fetches the JWKS from the OIDC provider
func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.issuerURL == "" {
		return fmt.Errorf("OIDC_ISSUER not configured for JWT verification")
	}

	// Keycloak layout
	jwksURL := strings.TrimSuffix(m.issuerURL, "/") + "/protocol/openid-connect/certs"
	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	m.jwks = k
	m.lastUpdate = time.Now()
	return nil
}

func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Middleware puts the caller's Claims into the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if a.opts.SkipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, devClaims(r))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Msg("token validation failed")
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}

		a.logger.Debug().
			Str("user_id", claims.Subject).
			Str("role", claims.Role).
			Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// devClaims builds the identity for SKIP_AUTH mode from X-User-Id and
// X-User-Role, or user_id and role query parameters for websockets.
func devClaims(r *http.Request) *Claims {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		id = r.URL.Query().Get("user_id")
	}
	if id == "" {
		id = "dev-user"
	}

	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	role = normalizeRole(role)
	if role == "" {
		role = RoleAdmin
	}

	return &Claims{
		Email:            id + "@livecall.local",
		Name:             id,
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: id},
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

func (a *Authenticator) validateToken(tokenString string) (*Claims, error) {
	var (
		token *jwt.Token
		err   error
	)

	if a.opts.VerifySignature {
		token, err = a.parseAndVerifyToken(tokenString)
		if err != nil {
			return nil, err
		}
	} else {
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	claims.Role = extractRoleFromMapClaims(mapClaims)

	// Verified tokens had exp checked by the parser
	if !a.opts.VerifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, errors.New("token expired")
			}
		}
	}

	return claims, nil
}

func (a *Authenticator) parseAndVerifyToken(tokenString string) (*jwt.Token, error) {
	kf := a.jwks.getKeyfunc()
	if kf == nil {
		if err := a.jwks.refresh(); err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS: %w", err)
		}
		a.logger.Info().Str("issuer", a.jwks.issuerURL).Msg("JWKS loaded")
		kf = a.jwks.getKeyfunc()
	}

	token, err := jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return token, nil
}

// rolePriority is the order in which a role is picked when a token
// carries several
var rolePriority = []string{RoleAdmin, RoleManager, RoleAgent, RoleCustomer}

// extractRoleFromMapClaims reads the role from the role claim, Keycloak
// realm roles or Cognito groups. Tokens without one are customers.
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	if role, ok := mapClaims["role"].(string); ok {
		if r := normalizeRole(role); r != "" {
			return r
		}
	}

	var candidates []string
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		candidates = append(candidates, stringSlice(realmAccess["roles"])...)
	}
	candidates = append(candidates, stringSlice(mapClaims["cognito:groups"])...)

	found := make(map[string]bool)
	for _, c := range candidates {
		for _, role := range rolePriority {
			if strings.Contains(strings.ToLower(c), role) || normalizeRole(c) == role {
				found[role] = true
			}
		}
	}
	for _, role := range rolePriority {
		if found[role] {
			return role
		}
	}
	return RoleCustomer
}

// normalizeRole maps known aliases onto the service roles. Unknown names
// yield "".
func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleCustomer:
		return RoleCustomer
	case RoleAgent:
		return RoleAgent
	case RoleManager, "supervisor":
		return RoleManager
	case RoleAdmin:
		return RoleAdmin
	default:
		return ""
	}
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// WithUser returns a context carrying claims
func WithUser(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// RequireAnyRole rejects callers whose role is not listed
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			for _, role := range roles {
				if HasRole(claims, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeAuthError(w, http.StatusForbidden, "role "+claims.Role+" may not access this resource")
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
