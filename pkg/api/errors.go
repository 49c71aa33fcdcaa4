package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/delivery"
	"github.com/butlerhq/butlerd/pkg/inbox"
	"github.com/butlerhq/butlerd/pkg/mailbox"
	"github.com/butlerhq/butlerd/pkg/registry"
	"github.com/butlerhq/butlerd/pkg/scheduler"
	"github.com/butlerhq/butlerd/pkg/secrets"
	"github.com/butlerhq/butlerd/pkg/spawner"
	"github.com/butlerhq/butlerd/pkg/statekv"
)

// statusFor maps service errors to HTTP status codes. Tool responses
// always carry the error string under "error" so callers can key off the
// stable sentinel prefixes.
func statusFor(err error) int {
	var contractErr *contract.Error
	var casConflict *statekv.CASConflict
	switch {
	case errors.As(err, &contractErr):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrButlerNotFound),
		errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, inbox.ErrRowNotFound),
		errors.Is(err, mailbox.ErrMessageNotFound),
		errors.Is(err, spawner.ErrSessionNotFound),
		errors.Is(err, secrets.ErrCredentialMissing),
		errors.Is(err, delivery.ErrRequestNotFound),
		errors.Is(err, delivery.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrCronInvalid),
		errors.Is(err, secrets.ErrCredentialInvalid),
		errors.Is(err, delivery.ErrDiscardReasonEmpty):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrDuplicateName),
		errors.Is(err, registry.ErrButlerIneligible),
		errors.Is(err, registry.ErrMailboxNotEnabled),
		errors.Is(err, delivery.ErrAlreadyDiscarded),
		errors.Is(err, delivery.ErrNotReplayEligible),
		errors.As(err, &casConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrTOMLTaskDelete):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrButlerUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, spawner.ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
