package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	apikeydomain "github.com/georgmattin/letscoldcall/internal/apikey/domain"
	obscontext "github.com/georgmattin/letscoldcall/internal/observability/context"
	"github.com/georgmattin/letscoldcall/internal/tenantctx"
)

// APIKeyRequired authenticates requests with a tenant API key. The tenant
// identity comes solely from the api_keys table; callers cannot override it.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(raw)
		now := s.clock.Now()

		var record struct {
			ID       snowflake.ID `gorm:"column:id"`
			TenantID snowflake.ID `gorm:"column:tenant_id"`
			KeyHash  string       `gorm:"column:key_hash"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, tenant_id, key_hash
			 FROM api_keys
			 WHERE key_hash = ?
			   AND is_active = ?
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			true,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := tenantctx.WithTenantID(c.Request.Context(), record.TenantID)
		ctx = obscontext.WithTenantID(ctx, record.TenantID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader("X-Api-Key"))
}
