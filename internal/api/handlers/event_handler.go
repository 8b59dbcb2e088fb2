package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/internal/domain"
	"example.com/gatherly/services/ticketing/internal/lifecycle"
	"example.com/gatherly/services/ticketing/internal/metrics"
	"example.com/gatherly/services/ticketing/internal/tracing"
)

// requesterID reads the identity the gateway attached to the request.
func requesterID(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return uuid.Nil, errors.Wrap(domain.ErrUnauthorized, "missing X-User-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrap(domain.ErrUnauthorized, "malformed X-User-ID header")
	}
	return id, nil
}

// EventHandler handles event lifecycle HTTP requests
type EventHandler struct {
	engine  *lifecycle.Engine
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(engine *lifecycle.Engine, m *metrics.Metrics, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{engine: engine, metrics: m, tracer: tracer}
}

// RegisterRoutes registers event routes
func (h *EventHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/v1/events")
	group.POST("", h.Create)
	group.GET("/:id", h.Get)
	group.POST("/:id/publish", h.Publish)
	group.POST("/:id/revert", h.RevertToDraft)
	group.POST("/:id/archive", h.Archive)
}

// CreateEventRequest is the organizer's payload for a new event.
type CreateEventRequest struct {
	Name            string    `json:"name" binding:"required"`
	ScheduledStart  time.Time `json:"scheduled_start_at" binding:"required"`
	ScheduledEnd    time.Time `json:"scheduled_end_at" binding:"required"`
	RequireApproval bool      `json:"require_approval"`
	RequireStake    bool      `json:"require_stake"`
	StakeAmountWei  string    `json:"stake_amount_wei"`
	StakeCurrency   string    `json:"stake_currency"`
	OrganizerWallet string    `json:"organizer_wallet"`
	Capacity        *int      `json:"capacity"`
}

// Create makes a new draft event.
func (h *EventHandler) Create(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-event")
	defer h.tracer.EndTransaction(txn)

	organizerID, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := h.engine.Create(c.Request.Context(), lifecycle.CreateParams{
		OrganizerID:     organizerID,
		Name:            req.Name,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		RequireApproval: req.RequireApproval,
		RequireStake:    req.RequireStake,
		StakeAmountWei:  req.StakeAmountWei,
		StakeCurrency:   req.StakeCurrency,
		OrganizerWallet: req.OrganizerWallet,
		Capacity:        req.Capacity,
	})
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("events_created")
	c.JSON(http.StatusCreated, event)
}

// Get returns an event.
func (h *EventHandler) Get(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event id"})
		return
	}

	event, err := h.engine.Get(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// Publish moves the event from draft to published.
func (h *EventHandler) Publish(c *gin.Context) {
	h.transition(c, "api-publish-event", h.engine.Publish)
}

// RevertToDraft moves the event back from published to draft.
func (h *EventHandler) RevertToDraft(c *gin.Context) {
	h.transition(c, "api-revert-event", h.engine.RevertToDraft)
}

// Archive moves the event from ended to archived.
func (h *EventHandler) Archive(c *gin.Context) {
	h.transition(c, "api-archive-event", h.engine.Archive)
}

func (h *EventHandler) transition(c *gin.Context, name string, fn func(ctx context.Context, eventID, organizerID uuid.UUID) error) {
	txn := h.tracer.StartTransaction(name)
	defer h.tracer.EndTransaction(txn)

	organizerID, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event id"})
		return
	}

	if err := fn(c.Request.Context(), eventID, organizerID); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	log.Info().Str("event_id", eventID.String()).Str("op", name).Msg("Event transition applied")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
