package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hashfleet/hashfleet/internal/middleware"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// TaskHandler serves the task lifecycle endpoints agents drive.
type TaskHandler struct {
	allocator *services.AllocatorService
	taskState *services.TaskStateService
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(allocator *services.AllocatorService, taskState *services.TaskStateService) *TaskHandler {
	return &TaskHandler{
		allocator: allocator,
		taskState: taskState,
	}
}

// RequestTask handles GET /api/v1/tasks/new. 204 means no work is
// available and the agent should back off.
func (h *TaskHandler) RequestTask(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	assignment, err := h.allocator.RequestTask(r.Context(), agent)
	if err != nil {
		if errors.Is(err, services.ErrNoWork) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assignment)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	task, err := h.taskState.GetOwned(r.Context(), taskID, agent.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// AcceptTask handles POST /api/v1/tasks/{id}/accept
func (h *TaskHandler) AcceptTask(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	if _, err := h.taskState.Accept(r.Context(), taskID, agent.ID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusRequest is one progress report from an agent.
type StatusRequest struct {
	Progress     int64                   `json:"progress"`
	GuessPreview *string                 `json:"guess_preview,omitempty"`
	Devices      models.DeviceStatusList `json:"devices"`
}

// SubmitStatus handles POST /api/v1/tasks/{id}/status. A report
// against a task that finished under the agent returns 410 so the
// agent abandons the slice.
func (h *TaskHandler) SubmitStatus(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body", "MALFORMED")
		return
	}

	_, err := h.taskState.SubmitStatus(r.Context(), taskID, agent.ID, services.StatusInput{
		Progress:     req.Progress,
		GuessPreview: req.GuessPreview,
		Devices:      req.Devices,
	})
	if err != nil {
		if errors.Is(err, services.ErrStandDown) {
			respondError(w, http.StatusGone, "task already finished", "STAND_DOWN")
			return
		}
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CrackRequest is one recovered plaintext.
type CrackRequest struct {
	HashValue string `json:"hash_value"`
	PlainText string `json:"plain_text"`
}

// SubmitCrack handles POST /api/v1/tasks/{id}/crack. 200 acknowledges
// the crack; 204 tells the agent the hashlist is done and the slice
// should be dropped.
func (h *TaskHandler) SubmitCrack(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	var req CrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request body", "MALFORMED")
		return
	}

	result, err := h.taskState.SubmitCrack(r.Context(), taskID, agent.ID, services.CrackSubmission{
		HashValue: req.HashValue,
		PlainText: req.PlainText,
	})
	if err != nil {
		if errors.Is(err, services.ErrStandDown) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondServiceError(w, err)
		return
	}

	if result.StandDown {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"remaining": result.Remaining,
	})
}

// ExhaustTask handles POST /api/v1/tasks/{id}/exhausted
func (h *TaskHandler) ExhaustTask(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	if _, err := h.taskState.Exhaust(r.Context(), taskID, agent.ID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailRequest carries the agent's failure reason.
type FailRequest struct {
	Reason string `json:"reason"`
}

// FailTask handles POST /api/v1/tasks/{id}/fail
func (h *TaskHandler) FailTask(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	var req FailRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if _, err := h.taskState.Fail(r.Context(), taskID, agent.ID, req.Reason); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Zaps handles GET /api/v1/tasks/{id}/zaps, a newline-separated list
// of cracked hash values the agent should drop from its run.
func (h *TaskHandler) Zaps(w http.ResponseWriter, r *http.Request) {
	agent, taskID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	values, err := h.taskState.Zaps(r.Context(), taskID, agent.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if len(values) > 0 {
		w.Write([]byte(strings.Join(values, "\n") + "\n"))
	}
}

// GetHashlist handles GET /api/v1/attacks/{id}/hash-list, the
// uncracked hash values behind the attack.
func (h *TaskHandler) GetHashlist(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	attackID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		return
	}

	values, err := h.taskState.HashlistForAgent(r.Context(), attackID, agent.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if len(values) > 0 {
		w.Write([]byte(strings.Join(values, "\n") + "\n"))
	}
}

// GetAttack handles GET /api/v1/attacks/{id}, gated on the agent
// having a task for the attack.
func (h *TaskHandler) GetAttack(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return
	}

	attackID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		return
	}

	attack, err := h.taskState.AttackForAgent(r.Context(), attackID, agent.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, attack)
}

// taskRequest extracts the agent and task id shared by the per-task
// endpoints. An unparseable id is indistinguishable from a missing
// task.
func (h *TaskHandler) taskRequest(w http.ResponseWriter, r *http.Request) (*models.Agent, uuid.UUID, bool) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
		return nil, uuid.Nil, false
	}

	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		return nil, uuid.Nil, false
	}
	return agent, taskID, true
}
