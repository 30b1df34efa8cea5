package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	"go.uber.org/zap"
)

// HandlePaymentWebhook receives a signed payment-provider webhook. Signature
// and payload failures are the caller's fault and return 4xx; anything after
// a verified parse is acknowledged with 200 so the provider stops retrying —
// failed deliveries stay re-claimable in the ledger.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.webhookSvc.Handle(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrUnknownProvider) ||
			errors.Is(err, paymentdomain.ErrInvalidSignature) ||
			errors.Is(err, paymentdomain.ErrInvalidPayload) ||
			errors.Is(err, paymentdomain.ErrInvalidEvent) {
			AbortWithError(c, err)
			return
		}

		s.log.Error("payment webhook processing failed",
			zap.String("provider", provider),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
