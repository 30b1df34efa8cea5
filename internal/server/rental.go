package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
)

type reserveRentalRequest struct {
	PhoneNumber    string  `json:"phoneNumber" binding:"required"`
	SubscriptionID string  `json:"subscriptionId"`
	MonthlyPrice   float64 `json:"monthlyPrice"`
}

func (s *Server) ListRentals(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	rentals, err := s.rentalSvc.List(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rentals": rentals})
}

func (s *Server) GetRental(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	rentalID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rental, err := s.rentalSvc.Get(c.Request.Context(), tenantID, rentalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rental)
}

// ReserveRental holds a number for the tenant for the reservation TTL.
// Provisioning against the provider happens in a separate step.
func (s *Server) ReserveRental(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req reserveRentalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var subscriptionID snowflake.ID
	if raw := strings.TrimSpace(req.SubscriptionID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		subscriptionID = parsed
	}

	rental, err := s.rentalSvc.Reserve(c.Request.Context(), rentaldomain.ReserveRequest{
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		PhoneNumber:    req.PhoneNumber,
		MonthlyPrice:   req.MonthlyPrice,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rental)
}

// ProvisionRental purchases the reserved number from the provider and
// activates the rental. Idempotent for already-active rentals.
func (s *Server) ProvisionRental(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	rentalID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rental, err := s.rentalSvc.Provision(c.Request.Context(), rentaldomain.ProvisionRequest{
		TenantID: tenantID,
		RentalID: rentalID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rental)
}

func (s *Server) CancelRental(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	rentalID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rental, err := s.rentalSvc.Cancel(c.Request.Context(), tenantID, rentalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rental)
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
