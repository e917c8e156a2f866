package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AgentAuth authenticates requests using the agent bearer token and
// stores the resolved agent in the request context.
func AgentAuth(agentService *services.AgentService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				debug.Debug("Missing bearer token for %s %s", r.Method, r.URL.Path)
				sendAuthError(w)
				return
			}

			agent, err := agentService.Authenticate(r.Context(), token)
			if err != nil {
				if err != services.ErrInvalidCredentials {
					debug.Error("Agent authentication failed: %v", err)
				}
				sendAuthError(w)
				return
			}

			ctx := context.WithValue(r.Context(), agentContextKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext returns the authenticated agent stored by AgentAuth.
func AgentFromContext(ctx context.Context) (*models.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(*models.Agent)
	return agent, ok
}

func sendAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"invalid agent credentials","code":"AUTH_INVALID_CREDENTIALS"}`))
}
