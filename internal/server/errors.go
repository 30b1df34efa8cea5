package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	reconciledomain "github.com/georgmattin/letscoldcall/internal/reconcile/domain"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	"github.com/georgmattin/letscoldcall/internal/telephony"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	errType, code := classifyErrorForLog(err)

	switch errType {
	case "unauthorized":
		return http.StatusUnauthorized, errorPayload{Type: errType, Message: "unauthorized"}
	case "validation_error":
		return http.StatusBadRequest, errorPayload{Type: errType, Message: code}
	case "not_found":
		return http.StatusNotFound, errorPayload{Type: errType, Message: "not found"}
	case "conflict":
		return http.StatusConflict, errorPayload{Type: errType, Message: code}
	case "subscription_required":
		return http.StatusPaymentRequired, errorPayload{Type: errType, Message: code}
	case "provider_error":
		return http.StatusBadGateway, errorPayload{Type: errType, Message: "upstream provider error"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

// classifyErrorForLog buckets domain errors into a type and a stable code.
// Shared by the error middleware and the request logger.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", "unauthorized"

	case errors.Is(err, ErrInvalidRequest):
		return "validation_error", "invalid_request"
	case errors.Is(err, usagedomain.ErrInvalidEvent),
		errors.Is(err, usagedomain.ErrInvalidDirection),
		errors.Is(err, usagedomain.ErrInvalidDuration),
		errors.Is(err, usagedomain.ErrInvalidTenant),
		errors.Is(err, entitlementdomain.ErrInvalidTenant),
		errors.Is(err, entitlementdomain.ErrUnknownAction),
		errors.Is(err, reconciledomain.ErrInvalidMonth),
		errors.Is(err, reconciledomain.ErrInvalidTenant),
		errors.Is(err, rentaldomain.ErrInvalidPhoneNumber),
		errors.Is(err, rentaldomain.ErrInvalidTenant),
		errors.Is(err, paymentdomain.ErrUnknownProvider),
		errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return "validation_error", err.Error()

	case errors.Is(err, ErrNotFound),
		errors.Is(err, rentaldomain.ErrRentalNotFound),
		errors.Is(err, usagedomain.ErrUnknownNumber),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return "not_found", "not_found"

	case errors.Is(err, entitlementdomain.ErrNoActiveSubscription):
		return "subscription_required", "no_active_subscription"

	case errors.Is(err, rentaldomain.ErrNumberTaken),
		errors.Is(err, rentaldomain.ErrInvalidTransition),
		errors.Is(err, rentaldomain.ErrReservationExpired),
		errors.Is(err, telephony.ErrNumberUnavailable):
		return "conflict", err.Error()

	case errors.Is(err, telephony.ErrProviderDegraded):
		return "provider_error", "provider_degraded"

	default:
		return "internal_error", "internal_error"
	}
}
