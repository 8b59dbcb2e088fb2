package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/gatherly/services/ticketing/internal/escrow"
	"example.com/gatherly/services/ticketing/internal/metrics"
	"example.com/gatherly/services/ticketing/internal/tracing"
)

// StakeHandler handles stake verification, settlement and lookup requests
type StakeHandler struct {
	coordinator *escrow.Coordinator
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
}

// NewStakeHandler creates a new stake handler
func NewStakeHandler(coordinator *escrow.Coordinator, m *metrics.Metrics, tracer tracing.Tracer) *StakeHandler {
	return &StakeHandler{coordinator: coordinator, metrics: m, tracer: tracer}
}

// RegisterRoutes registers stake routes
func (h *StakeHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/stakes/verify", h.Verify)
	router.GET("/api/v1/stakes", h.Lookup)
	router.POST("/api/v1/tickets/:id/refund", h.Refund)
	router.POST("/api/v1/tickets/:id/forfeit", h.Forfeit)
}

// VerifyStakeRequest carries the attendee's deposit transaction reference.
type VerifyStakeRequest struct {
	TicketID      uuid.UUID `json:"ticket_id" binding:"required"`
	WalletAddress string    `json:"wallet_address" binding:"required"`
	TxRef         string    `json:"tx_ref" binding:"required"`
}

// Verify checks the deposit on chain and advances the ticket to staked. A
// pending_confirmation response means the caller should poll again.
func (h *StakeHandler) Verify(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-verify-stake")
	defer h.tracer.EndTransaction(txn)

	var req VerifyStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.coordinator.VerifyStake(c.Request.Context(), req.TicketID, req.WalletAddress, req.TxRef)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("stakes_verified")
	c.JSON(http.StatusOK, gin.H{
		"verified":      true,
		"ticket_status": ticket.Status,
	})
}

// Lookup returns the cached on-chain stake for (event, wallet).
func (h *StakeHandler) Lookup(c *gin.Context) {
	eventID, err := uuid.Parse(c.Query("event_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event_id"})
		return
	}
	wallet := c.Query("wallet_address")
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet_address is required"})
		return
	}

	view, err := h.coordinator.LookupStake(c.Request.Context(), eventID, wallet)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Refund returns the requester's stake before the cutoff.
func (h *StakeHandler) Refund(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-refund-stake")
	defer h.tracer.EndTransaction(txn)

	requester, err := requesterID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed ticket id"})
		return
	}

	if err := h.coordinator.Refund(c.Request.Context(), ticketID, requester); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("stakes_refunded")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Forfeit claims a no-show's stake after the event has ended.
func (h *StakeHandler) Forfeit(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-forfeit-stake")
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

	if err := h.coordinator.Forfeit(c.Request.Context(), ticketID, organizerID); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	h.metrics.IncrementCounter("stakes_forfeited")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
