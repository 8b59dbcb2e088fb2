package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"example.com/gatherly/services/ticketing/internal/domain"
)

// respondError maps the error taxonomy to HTTP statuses so callers can render
// an exact message.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		status, kind = http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, kind = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, domain.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrVerificationFailed):
		status, kind = http.StatusUnprocessableEntity, "verification_failed"
	case errors.Is(err, domain.ErrPendingConfirmation):
		status, kind = http.StatusAccepted, "pending_confirmation"
	case errors.Is(err, domain.ErrLedgerTransport):
		status, kind = http.StatusServiceUnavailable, "ledger_unavailable"
	}

	c.JSON(status, gin.H{"error": kind, "message": err.Error()})
}
