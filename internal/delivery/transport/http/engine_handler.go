// Package http exposes the engine's management API: launching, testing and
// cancelling campaigns, plus operational stats. This surface is for the
// CRUD layer and operators, not recipients.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mailkite/delivery-engine/internal/delivery/app"
	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

// CampaignLauncher defines the orchestration operations the handler
// exposes. Kept as an interface for testing.
type CampaignLauncher interface {
	SendCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
	TestSend(ctx context.Context, campaignID uuid.UUID, toEmail string) error
	CancelScheduled(ctx context.Context, campaignID uuid.UUID) error
}

// StatsReader defines the read-only stats operations the handler exposes.
type StatsReader interface {
	QueueStats(ctx context.Context) (*app.QueueStats, error)
	CampaignProgress(ctx context.Context, campaignID uuid.UUID) (*app.CampaignProgress, error)
}

type EngineHandler struct {
	orchestrator CampaignLauncher
	stats        StatsReader
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewEngineHandler(orchestrator CampaignLauncher, stats StatsReader, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		orchestrator: orchestrator,
		stats:        stats,
		logger:       logger.With("component", "engine_handler"),
		validate:     validator.New(),
	}
}

// RegisterRoutes registers the management API routes to a Chi router.
func (h *EngineHandler) RegisterRoutes(r chi.Router) {
	r.Post("/campaigns/{id}/send", h.SendCampaign)
	r.Post("/campaigns/{id}/test-send", h.TestSend)
	r.Post("/campaigns/{id}/cancel", h.CancelScheduled)
	r.Get("/campaigns/{id}/progress", h.CampaignProgress)
	r.Get("/queue/stats", h.QueueStats)
}

type testSendRequestDTO struct {
	Email string `json:"email" validate:"required,email"`
}

type sendCampaignResponseDTO struct {
	CampaignID string `json:"campaign_id"`
	Recipients int    `json:"recipients"`
}

func (h *EngineHandler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	recipients, err := h.orchestrator.SendCampaign(ctx, campaignID)
	if err != nil {
		h.writeCampaignError(w, r, err, campaignID, "SendCampaign")
		return
	}
	writeJSON(w, http.StatusAccepted, sendCampaignResponseDTO{
		CampaignID: campaignID.String(),
		Recipients: recipients,
	})
}

func (h *EngineHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	var reqDTO testSendRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode test send request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(reqDTO); err != nil {
		http.Error(w, "A valid recipient email is required", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.TestSend(ctx, campaignID, reqDTO.Email); err != nil {
		h.writeCampaignError(w, r, err, campaignID, "TestSend")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *EngineHandler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	if err := h.orchestrator.CancelScheduled(r.Context(), campaignID); err != nil {
		h.writeCampaignError(w, r, err, campaignID, "CancelScheduled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *EngineHandler) CampaignProgress(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	progress, err := h.stats.CampaignProgress(r.Context(), campaignID)
	if err != nil {
		h.writeCampaignError(w, r, err, campaignID, "CampaignProgress")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *EngineHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.QueueStats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to read queue stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *EngineHandler) campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *EngineHandler) writeCampaignError(w http.ResponseWriter, r *http.Request, err error, campaignID uuid.UUID, operation string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Campaign not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrCampaignNotSendable):
		http.Error(w, "Campaign is missing template, list or sender details", http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrCampaignAlreadySent):
		http.Error(w, "Campaign already sending or sent", http.StatusConflict)
	case errors.Is(err, domain.ErrNotCancellable):
		http.Error(w, "Campaign already picked up for sending", http.StatusConflict)
	default:
		h.logger.ErrorContext(r.Context(), "Campaign operation failed",
			"error", err, "operation", operation, "campaign_id", campaignID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
