package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/gatherly/services/ticketing/internal/metrics"
	"example.com/gatherly/services/ticketing/internal/ticketing"
	"example.com/gatherly/services/ticketing/internal/tracing"
)

// TicketHandler handles ticket lifecycle HTTP requests
type TicketHandler struct {
	engine  *ticketing.Engine
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(engine *ticketing.Engine, m *metrics.Metrics, tracer tracing.Tracer) *TicketHandler {
	return &TicketHandler{engine: engine, metrics: m, tracer: tracer}
}

// RegisterRoutes registers ticket routes
func (h *TicketHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/events/:id/register", h.Register)
	router.POST("/api/v1/checkin", h.CheckIn)

	group := router.Group("/api/v1/tickets")
	group.GET("/:id", h.Get)
	group.POST("/:id/approve", h.Approve)
	group.POST("/:id/reject", h.Reject)
	group.POST("/:id/revoke", h.Revoke)
}

// RegisterRequest is the attendee's registration payload.
type RegisterRequest struct {
	WalletAddress string            `json:"wallet_address"`
	Answers       map[string]string `json:"answers"`
}

// Register creates a ticket on an event for the requesting user.
func (h *TicketHandler) Register(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-register-ticket")
	defer h.tracer.EndTransaction(txn)

	userID, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event id"})
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.engine.Register(c.Request.Context(), eventID, userID, req.WalletAddress)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("tickets_registered")
	c.JSON(http.StatusCreated, gin.H{
		"ticket_id": ticket.ID,
		"status":    ticket.Status,
		"qr_token":  ticket.QRToken,
	})
}

// Get returns a ticket.
func (h *TicketHandler) Get(c *gin.Context) {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed ticket id"})
		return
	}

	ticket, err := h.engine.Get(c.Request.Context(), ticketID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// CheckInRequest is the scanner's payload.
type CheckInRequest struct {
	EventID uuid.UUID `json:"event_id" binding:"required"`
	QRToken string    `json:"qr_token" binding:"required"`
}

// CheckIn confirms attendance from a scanned qr token. Re-scanning an
// already checked-in ticket succeeds.
func (h *TicketHandler) CheckIn(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-checkin")
	defer h.tracer.EndTransaction(txn)

	scannerID, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.engine.CheckInByToken(c.Request.Context(), req.EventID, req.QRToken, scannerID)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("tickets_checked_in")
	c.JSON(http.StatusOK, gin.H{
		"ticket_id": ticket.ID,
		"status":    ticket.Status,
	})
}

// RejectRequest carries the organizer's denial reason.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Approve grants a pending_approval ticket.
func (h *TicketHandler) Approve(c *gin.Context) {
	h.organizerAction(c, "api-approve-ticket", func(ctx *gin.Context, ticketID, organizerID uuid.UUID) error {
		return h.engine.Approve(ctx.Request.Context(), ticketID, organizerID)
	})
}

// Reject denies a pending_approval ticket.
func (h *TicketHandler) Reject(c *gin.Context) {
	var req RejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	h.organizerAction(c, "api-reject-ticket", func(ctx *gin.Context, ticketID, organizerID uuid.UUID) error {
		return h.engine.Reject(ctx.Request.Context(), ticketID, organizerID, req.Reason)
	})
}

// Revoke cancels a ticket.
func (h *TicketHandler) Revoke(c *gin.Context) {
	h.organizerAction(c, "api-revoke-ticket", func(ctx *gin.Context, ticketID, organizerID uuid.UUID) error {
		return h.engine.Revoke(ctx.Request.Context(), ticketID, organizerID)
	})
}

func (h *TicketHandler) organizerAction(c *gin.Context, name string, fn func(c *gin.Context, ticketID, organizerID uuid.UUID) error) {
	txn := h.tracer.StartTransaction(name)
	defer h.tracer.EndTransaction(txn)

	organizerID, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed ticket id"})
		return
	}

	if err := fn(c, ticketID, organizerID); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
