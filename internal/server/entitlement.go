package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	"github.com/georgmattin/letscoldcall/internal/tenantctx"
	"go.uber.org/zap"
)

type packageInfo struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	MonthlyCallMinutes any    `json:"monthlyCallMinutes"`
	IncludedNumbers    int    `json:"includedNumbers"`
}

type eligibilityResponse struct {
	CanMakeCall bool                       `json:"canMakeCall"`
	IsUnlimited bool                       `json:"isUnlimited"`
	Degraded    bool                       `json:"degraded,omitempty"`
	PackageInfo packageInfo                `json:"packageInfo"`
	Usage       entitlementdomain.Decision `json:"usage"`
	Warnings    []string                   `json:"warnings"`
}

// GetCallEligibility answers whether the tenant may spend the requested
// minutes this month; `minutes` defaults to a single prospective minute.
// Read-path failures degrade to an allow-with-zero-usage response so the
// dialer is never blocked by a reporting outage; the next ingest still meters
// every minute. A missing subscription is not a read failure and surfaces as
// a structured error.
func (s *Server) GetCallEligibility(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	minutes, _ := strconv.ParseInt(strings.TrimSpace(c.Query("minutes")), 10, 64)
	if minutes <= 0 {
		minutes = 1
	}

	decision, err := s.entitlementSvc.CheckCallEligibility(c.Request.Context(), tenantID, minutes)
	if errors.Is(err, entitlementdomain.ErrNoActiveSubscription) {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Warn("eligibility check degraded",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		c.JSON(http.StatusOK, eligibilityResponse{
			CanMakeCall: true,
			Degraded:    true,
			Warnings:    []string{},
		})
		return
	}

	pkg := entitlementdomain.PackageByCode(decision.PlanCode)
	info := packageInfo{
		Code:            pkg.Code,
		Name:            pkg.Name,
		IncludedNumbers: pkg.IncludedNumbers,
	}
	if pkg.IsUnlimitedMinutes() {
		info.MonthlyCallMinutes = "Unlimited"
	} else {
		info.MonthlyCallMinutes = pkg.MonthlyCallMinutes
	}

	c.JSON(http.StatusOK, eligibilityResponse{
		CanMakeCall: decision.Allowed,
		IsUnlimited: decision.Remaining.Unlimited,
		PackageInfo: info,
		Usage:       decision,
		Warnings:    usageWarnings(decision.UsagePercentage, decision.Allowed, decision.Remaining.Unlimited),
	})
}

// CheckAction is the read-only variant: it reports whether the action would
// be allowed without consuming a unit.
func (s *Server) CheckAction(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	action := entitlementdomain.ActionType(strings.TrimSpace(c.Param("action")))
	decision, err := s.entitlementSvc.CheckAction(c.Request.Context(), tenantID, action)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// RecordAction consumes one unit of a gated feature. A denial is a structured
// 403 carrying the usage that justified it.
func (s *Server) RecordAction(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	action := entitlementdomain.ActionType(strings.TrimSpace(c.Param("action")))
	decision, err := s.entitlementSvc.RecordAction(c.Request.Context(), tenantID, action)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !decision.Allowed {
		c.JSON(http.StatusForbidden, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func tenantFromRequest(c *gin.Context) (snowflake.ID, bool) {
	return tenantctx.TenantIDFromContext(c.Request.Context())
}
