package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetMonthlyReport(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	report, err := s.reconcileSvc.Report(c.Request.Context(), tenantID, strings.TrimSpace(c.Param("month")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// RecomputeMonthlyReport rebuilds the month's rollups from the event log and
// returns the recomputed report. Reruns converge to the same totals.
func (s *Server) RecomputeMonthlyReport(c *gin.Context) {
	tenantID, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	month := strings.TrimSpace(c.Param("month"))

	result, err := s.reconcileSvc.RecomputeMonth(c.Request.Context(), tenantID, month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.reconcileSvc.Report(c.Request.Context(), tenantID, month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recompute": result,
		"report":    report,
	})
}
