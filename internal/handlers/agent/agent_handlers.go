package agent

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/hashfleet/hashfleet/internal/middleware"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"
)

// Handler serves the agent lifecycle endpoints: registration,
// heartbeat, device inventory, benchmarks, error reports, shutdown.
type Handler struct {
	agentService    *services.AgentService
	livenessService *services.LivenessService
}

// NewHandler creates a new agent handler
func NewHandler(agentService *services.AgentService, livenessService *services.LivenessService) *Handler {
	return &Handler{
		agentService:    agentService,
		livenessService: livenessService,
	}
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	HostName        string `json:"host_name"`
	ClientSignature string `json:"client_signature"`
}

// Register handles POST /api/v1/agents/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MALFORMED")
		return
	}

	reg, err := h.agentService.Register(r.Context(), req.HostName, req.ClientSignature)
	if err != nil {
		if services.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
			return
		}
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"agent_id": reg.Agent.ID,
		"token":    reg.Token,
	})
}

// HeartbeatRequest is the optional heartbeat payload.
type HeartbeatRequest struct {
	Activity string `json:"activity,omitempty"`
}

// Heartbeat handles POST /api/v1/agents/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	var req HeartbeatRequest
	if r.Body != nil {
		// Empty body is a plain liveness ping
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	result, err := h.livenessService.Heartbeat(r.Context(), agent, ip, req.Activity)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DevicesRequest is the device inventory payload.
type DevicesRequest struct {
	Devices        models.DeviceList `json:"devices"`
	EnabledDevices models.DeviceList `json:"enabled_devices,omitempty"`
}

// UpdateDevices handles PUT /api/v1/agents/devices
func (h *Handler) UpdateDevices(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	var req DevicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MALFORMED")
		return
	}

	if err := h.agentService.UpdateDevices(r.Context(), agent, req.Devices, req.EnabledDevices); err != nil {
		if services.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
			return
		}
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitBenchmarks handles POST /api/v1/agents/benchmarks. Malformed
// submissions are a 400; nothing is stored.
func (h *Handler) SubmitBenchmarks(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	var inputs []services.BenchmarkInput
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MALFORMED")
		return
	}

	if err := h.agentService.SubmitBenchmarks(r.Context(), agent, inputs); err != nil {
		if services.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
			return
		}
		respondServiceError(w, err)
		return
	}

	debug.Debug("Stored %d benchmarks for agent %d", len(inputs), agent.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ReportError handles POST /api/v1/agents/errors
func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	var report services.ErrorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MALFORMED")
		return
	}

	if err := h.agentService.ReportError(r.Context(), agent, report); err != nil {
		if services.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
			return
		}
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown handles POST /api/v1/agents/shutdown
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	if err := h.livenessService.Shutdown(r.Context(), agent); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
