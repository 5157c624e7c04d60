// Package middleware holds the fastglue middleware chain: request logging,
// CORS, panic recovery, and the tenant-scoped bearer auth every /api route
// (other than health and the Meta webhook) requires.
package middleware

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

// Context keys set by Auth and read by handlers via GetTenantID.
const (
	ContextKeyTenantID = "tenant_id"
	ContextKeyActor    = "actor"
)

// TenantClaims is the bearer token issued to a tenant's API callers; every
// request carries exactly one tenant scope, there being no cross-tenant
// user/role model in this module.
type TenantClaims struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Actor    string    `json:"actor"`
	jwt.RegisteredClaims
}

// IssueToken signs a TenantClaims bearer token valid for expiry.
func IssueToken(secret string, tenantID uuid.UUID, actor string, expiry time.Duration) (string, error) {
	claims := TenantClaims{
		TenantID: tenantID,
		Actor:    actor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequestLogger stamps the request start time for latency logging.
func RequestLogger(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		r.RequestCtx.SetUserValue("request_start", time.Now())
		return r
	}
}

// ParseAllowedOrigins parses a comma-separated list of allowed origins into a set.
func ParseAllowedOrigins(allowedOrigins string) map[string]bool {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = true
		}
	}
	return origins
}

// IsOriginAllowed checks if origin is in the allowed set. An empty set
// allows every origin (development mode).
func IsOriginAllowed(origin string, allowedOrigins map[string]bool) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	return allowedOrigins[origin]
}

// CORS handles Cross-Origin Resource Sharing with origin validation.
func CORS(allowedOrigins map[string]bool) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		origin := string(r.RequestCtx.Request.Header.Peek("Origin"))
		if origin != "" && IsOriginAllowed(origin, allowedOrigins) {
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
		}
		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		r.RequestCtx.Response.Header.Set("Access-Control-Max-Age", "86400")
		return r
	}
}

// SecurityHeaders adds standard security headers to every response.
func SecurityHeaders() fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		h := &r.RequestCtx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return r
	}
}

// Recovery's deferred recover covers only the middleware's own execution:
// registered as a Before middleware it returns before the route handler
// runs, so a panic raised inside a handler is not recovered here.
func Recovery(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered", "error", err, "path", string(r.RequestCtx.Path()))
				r.RequestCtx.SetStatusCode(fasthttp.StatusInternalServerError)
				r.RequestCtx.SetBodyString(`{"status":"error","message":"internal server error"}`)
			}
		}()
		return r
	}
}

// Auth validates the bearer token and stamps tenant_id/actor into the
// request context for downstream handlers.
func Auth(secret string) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		authHeader := string(r.RequestCtx.Request.Header.Peek("Authorization"))
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			_ = r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "missing or malformed authorization header", nil, "")
			return nil
		}

		token, err := jwt.ParseWithClaims(parts[1], &TenantClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			_ = r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "invalid or expired token", nil, "")
			return nil
		}

		claims, ok := token.Claims.(*TenantClaims)
		if !ok {
			_ = r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "invalid token claims", nil, "")
			return nil
		}

		r.RequestCtx.SetUserValue(ContextKeyTenantID, claims.TenantID)
		r.RequestCtx.SetUserValue(ContextKeyActor, claims.Actor)
		return r
	}
}

// GetTenantID extracts the authenticated tenant ID from the request context.
func GetTenantID(r *fastglue.Request) (uuid.UUID, bool) {
	id, ok := r.RequestCtx.UserValue(ContextKeyTenantID).(uuid.UUID)
	return id, ok
}

// GetActor extracts the authenticated actor label from the request context.
func GetActor(r *fastglue.Request) string {
	actor, _ := r.RequestCtx.UserValue(ContextKeyActor).(string)
	if actor == "" {
		return "api"
	}
	return actor
}
