package routes

import (
	"net/http"
	"time"

	agenthandlers "github.com/hashfleet/hashfleet/internal/handlers/agent"
	"github.com/hashfleet/hashfleet/internal/handlers/control"
	"github.com/hashfleet/hashfleet/internal/middleware"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/gorilla/mux"
)

// Services bundles everything the router wires into handlers.
type Services struct {
	Agent     *services.AgentService
	Liveness  *services.LivenessService
	Allocator *services.AllocatorService
	TaskState *services.TaskStateService
	Campaign  *services.CampaignService
	Progress  *services.ProgressService
	Hub       *notify.Hub
}

// NewRouter builds the HTTP routing tree: the authenticated agent API,
// the operator API, and the websocket event feed.
func NewRouter(svc Services) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()

	agentHandler := agenthandlers.NewHandler(svc.Agent, svc.Liveness)
	taskHandler := agenthandlers.NewTaskHandler(svc.Allocator, svc.TaskState)
	controlHandler := control.NewHandler(svc.Campaign, svc.Progress)

	// Registration happens before the agent has a token
	api.HandleFunc("/agents/register", agentHandler.Register).Methods(http.MethodPost)

	agentAPI := api.NewRoute().Subrouter()
	agentAPI.Use(middleware.AgentAuth(svc.Agent))

	agentAPI.HandleFunc("/agents/heartbeat", agentHandler.Heartbeat).Methods(http.MethodPost)
	agentAPI.HandleFunc("/agents/devices", agentHandler.UpdateDevices).Methods(http.MethodPut)
	agentAPI.HandleFunc("/agents/benchmarks", agentHandler.SubmitBenchmarks).Methods(http.MethodPost)
	agentAPI.HandleFunc("/agents/errors", agentHandler.ReportError).Methods(http.MethodPost)
	agentAPI.HandleFunc("/agents/shutdown", agentHandler.Shutdown).Methods(http.MethodPost)

	agentAPI.HandleFunc("/tasks/new", taskHandler.RequestTask).Methods(http.MethodGet)
	agentAPI.HandleFunc("/tasks/{id}", taskHandler.GetTask).Methods(http.MethodGet)
	agentAPI.HandleFunc("/tasks/{id}/accept", taskHandler.AcceptTask).Methods(http.MethodPost)
	agentAPI.HandleFunc("/tasks/{id}/status", taskHandler.SubmitStatus).Methods(http.MethodPost)
	agentAPI.HandleFunc("/tasks/{id}/crack", taskHandler.SubmitCrack).Methods(http.MethodPost)
	agentAPI.HandleFunc("/tasks/{id}/exhausted", taskHandler.ExhaustTask).Methods(http.MethodPost)
	agentAPI.HandleFunc("/tasks/{id}/fail", taskHandler.FailTask).Methods(http.MethodPost)
	agentAPI.HandleFunc("/tasks/{id}/zaps", taskHandler.Zaps).Methods(http.MethodGet)

	agentAPI.HandleFunc("/attacks/{id}", taskHandler.GetAttack).Methods(http.MethodGet)
	agentAPI.HandleFunc("/attacks/{id}/hash-list", taskHandler.GetHashlist).Methods(http.MethodGet)

	// Operator surface
	api.HandleFunc("/campaigns", controlHandler.CreateCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/attacks", controlHandler.AddAttack).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/activate", controlHandler.ActivateCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/pause", controlHandler.PauseCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/progress", controlHandler.CampaignProgress).Methods(http.MethodGet)
	api.HandleFunc("/attacks/{id}/reset", controlHandler.ResetAttack).Methods(http.MethodPost)
	api.HandleFunc("/attacks/{id}/progress", controlHandler.AttackProgress).Methods(http.MethodGet)

	router.Handle("/ws/events", svc.Hub)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if debug.IsDebugEnabled() {
			debug.Debug("%s %s headers=%s", r.Method, r.URL.Path, debug.SanitizeHeaders(r.Header))
		}
		next.ServeHTTP(w, r)
		debug.Debug("%s %s completed in %s", r.Method, r.URL.Path, time.Since(start))
	})
}
