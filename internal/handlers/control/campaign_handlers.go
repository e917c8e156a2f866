package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler serves the operator-facing campaign management endpoints.
type Handler struct {
	campaignService *services.CampaignService
	progressService *services.ProgressService
}

// NewHandler creates a new control handler
func NewHandler(campaignService *services.CampaignService, progressService *services.ProgressService) *Handler {
	return &Handler{
		campaignService: campaignService,
		progressService: progressService,
	}
}

// CreateCampaignRequest is the campaign creation payload.
type CreateCampaignRequest struct {
	ProjectID  uuid.UUID `json:"project_id"`
	HashlistID int64     `json:"hashlist_id"`
	Name       string    `json:"name"`
	Priority   int       `json:"priority"`
}

// CreateCampaign handles POST /api/v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	campaign := &models.Campaign{
		ProjectID:  req.ProjectID,
		HashlistID: req.HashlistID,
		Name:       req.Name,
		Priority:   req.Priority,
	}
	if err := h.campaignService.CreateCampaign(r.Context(), campaign); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, campaign)
}

// AddAttackRequest is the attack creation payload.
type AddAttackRequest struct {
	Name      string              `json:"name"`
	Mode      string              `json:"mode"`
	Config    models.AttackConfig `json:"config"`
	HashType  int                 `json:"hash_type"`
	Position  int                 `json:"position"`
	DependsOn *uuid.UUID          `json:"depends_on,omitempty"`
}

// AddAttack handles POST /api/v1/campaigns/{id}/attacks
func (h *Handler) AddAttack(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	var req AddAttackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attack := &models.Attack{
		CampaignID: campaignID,
		Name:       req.Name,
		Mode:       req.Mode,
		Config:     req.Config,
		HashType:   req.HashType,
		Position:   req.Position,
		DependsOn:  req.DependsOn,
	}
	if err := h.campaignService.AddAttack(r.Context(), attack); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, attack)
}

// ActivateCampaign handles POST /api/v1/campaigns/{id}/activate
func (h *Handler) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.campaignService.Activate(r.Context(), campaignID); err != nil {
		respondServiceError(w, err)
		return
	}
	debug.Info("Campaign %s activated", campaignID)
	w.WriteHeader(http.StatusNoContent)
}

// PauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.campaignService.Pause(r.Context(), campaignID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetAttack handles POST /api/v1/attacks/{id}/reset
func (h *Handler) ResetAttack(w http.ResponseWriter, r *http.Request) {
	attackID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.campaignService.ResetAttack(r.Context(), attackID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CampaignProgress handles GET /api/v1/campaigns/{id}/progress
func (h *Handler) CampaignProgress(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	progress, err := h.progressService.CampaignProgress(r.Context(), campaignID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

// AttackProgress handles GET /api/v1/attacks/{id}/progress
func (h *Handler) AttackProgress(w http.ResponseWriter, r *http.Request) {
	attackID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	progress, err := h.progressService.AttackProgress(r.Context(), attackID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			debug.Error("Failed to encode response: %v", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, services.ErrConflict):
		respondError(w, http.StatusUnprocessableEntity, "invalid state for operation")
	case services.IsValidationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		debug.Error("Internal error handling request: %v", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
