package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"venueline/internal/logging"
)

// Permissions checked by the API. "*" grants all of them.
const (
	PermIngest       = "messages.ingest"
	PermBookingsRead = "bookings.read"
	PermHILRead      = "hil.read"
	PermHILDecide    = "hil.decide"
	PermEventsRead   = "events.read"
	PermAll          = "*"
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader accepts X-Actor-Id without a token. Local use only.
	AllowActorHeader bool
	Logger           *logging.Logger
}

// Principal is the authenticated operator or integration.
type Principal struct {
	ActorID string
	// Tenant pins the principal to one tenant; empty allows any.
	Tenant      string
	Permissions []string
	Source      string
}

type principalKey struct{}

func (c AuthConfig) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Nop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Tenant      string   `json:"tenant,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Tenant:      claims.Tenant,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// SignToken mints an HS256 operator token.
func SignToken(secret, actorID, tenant string, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant:      tenant,
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	loginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == loginPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if actorHeader != "" && cfg.AllowActorHeader {
				cfg.logger().Warn(req.Context(), "unauthenticated actor header accepted", zap.String("actor_id", actorHeader))
				ctx := withPrincipal(req.Context(), Principal{
					ActorID:     actorHeader,
					Permissions: []string{PermAll},
					Source:      "actor_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// authorize checks perm and resolves the tenant the request acts on. A
// principal pinned to a tenant may only act on that tenant.
func authorize(ctx context.Context, perm, tenant string) (Principal, string, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return Principal{}, "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !hasPermission(p.Permissions, perm) {
		return Principal{}, "", newAPIError(http.StatusForbidden, "forbidden", "missing permission", map[string]any{"permission": perm})
	}
	tenant = strings.TrimSpace(tenant)
	if p.Tenant != "" {
		if tenant != "" && tenant != p.Tenant {
			return Principal{}, "", newAPIError(http.StatusForbidden, "forbidden", "token is not valid for this tenant", map[string]any{"tenant": tenant})
		}
		tenant = p.Tenant
	}
	return p, tenant, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
