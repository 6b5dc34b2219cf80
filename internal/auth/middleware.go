// Package auth validates gateway-verified identity headers on control-plane
// requests. JWT verification happens at the edge (Envoy/NGINX); this
// middleware trusts only requests the gateway has already stamped, which
// prevents operator-id spoofing by direct callers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	OperatorIDKey contextKey = "operator_id"
	ScopesKey     contextKey = "scopes"
)

// Scopes understood by the control plane.
const (
	ScopeDeployWrite = "deployments:write"
	ScopeEvalRun     = "eval:run"
)

// Config holds middleware configuration.
type Config struct {
	Enabled          bool
	RequireVerified  bool   // require the gateway's verification header
	OperatorIDHeader string // default "X-Operator-ID"
	ScopesHeader     string // default "X-Scopes"
	VerifiedHeader   string // default "X-Auth-Verified"
	BypassForHealth  bool
	BypassForMetrics bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		OperatorIDHeader: "X-Operator-ID",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware validates gateway-set identity headers and binds operator
// identity and scopes to the request context.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified {
				if r.Header.Get(config.VerifiedHeader) != "true" {
					sendError(w, http.StatusUnauthorized, "identity verification required at gateway")
					return
				}
			}

			operatorID := r.Header.Get(config.OperatorIDHeader)
			if operatorID == "" {
				sendError(w, http.StatusUnauthorized, "missing operator identity")
				return
			}

			// Scopes arrive as a JSON array, or comma-separated as a
			// fallback.
			var scopes []string
			if raw := r.Header.Get(config.ScopesHeader); raw != "" {
				if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
					scopes = strings.Split(raw, ",")
					for i := range scopes {
						scopes[i] = strings.TrimSpace(scopes[i])
					}
				}
			}

			ctx := context.WithValue(r.Context(), OperatorIDKey, operatorID)
			if len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorID extracts the operator id from the request context.
func GetOperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OperatorIDKey).(string)
	return id, ok
}

// GetScopes extracts scopes from the request context.
func GetScopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	return scopes, ok
}

// HasScope reports whether the request carries the given scope.
func HasScope(ctx context.Context, required string) bool {
	scopes, ok := GetScopes(ctx)
	if !ok {
		return false
	}
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
