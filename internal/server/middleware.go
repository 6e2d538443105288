package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	obscontext "github.com/smallbiznis/quotaguard/internal/observability/context"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
)

const contextIdentityKey = "quota_identity"

// ResolveIdentity stores the caller identity on the gin and request contexts.
func (s *Server) ResolveIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.mustIdentity(c); !ok {
			return
		}
		c.Next()
	}
}

func identityFromContext(c *gin.Context) (quotadomain.Identity, bool) {
	v, ok := c.Get(contextIdentityKey)
	if !ok {
		return quotadomain.Identity{}, false
	}
	id, ok := v.(quotadomain.Identity)
	return id, ok
}

// mustIdentity returns the stored identity, resolving it on first use. It
// aborts the request when the identity is malformed.
func (s *Server) mustIdentity(c *gin.Context) (quotadomain.Identity, bool) {
	if id, ok := identityFromContext(c); ok {
		return id, true
	}

	id, err := s.resolver.Resolve(c)
	if err != nil {
		AbortWithError(c, err)
		return quotadomain.Identity{}, false
	}

	c.Set(contextIdentityKey, id)
	c.Request = c.Request.WithContext(obscontext.WithIdentity(c.Request.Context(), id.Key()))
	return id, true
}

// UsageGate denies requests over their limit and counts the ones that succeed.
func (s *Server) UsageGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.mustIdentity(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		decision, err := s.gate.CheckUsage(ctx, id)
		if err != nil {
			var exceeded *apperror.QuotaExceededError
			if errors.As(err, &exceeded) {
				c.Set("quota_reason", exceeded.Reason)
			}
			AbortWithError(c, err)
			return
		}
		setQuotaHeaders(c, decision)

		c.Next()

		if len(c.Errors) == 0 && c.Writer.Status() < http.StatusBadRequest {
			s.gate.RecordUsage(ctx, id)
		}
	}
}

func (s *Server) RequireFeature(feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.mustIdentity(c)
		if !ok {
			return
		}
		if err := s.gate.RequireFeature(c.Request.Context(), id, feature); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RequireFileSize rejects request bodies above the caller's file size
// ceiling. Bodies of unknown length are left to the handler.
func (s *Server) RequireFileSize() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.mustIdentity(c)
		if !ok {
			return
		}
		if size := c.Request.ContentLength; size > 0 {
			if err := s.gate.CheckFileSize(c.Request.Context(), id, size); err != nil {
				AbortWithError(c, err)
				return
			}
		}
		c.Next()
	}
}

func (s *Server) RequireTier(minimum tier.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.mustIdentity(c)
		if !ok {
			return
		}
		if err := s.gate.RequireTier(c.Request.Context(), id, minimum); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func setQuotaHeaders(c *gin.Context, d quotadomain.Decision) {
	c.Header("X-Quota-Tier", d.Tier.String())
	if d.RemainingDaily >= 0 {
		c.Header("X-Quota-Remaining-Daily", strconv.FormatInt(d.RemainingDaily, 10))
	}
	if d.RemainingMonthly >= 0 {
		c.Header("X-Quota-Remaining-Monthly", strconv.FormatInt(d.RemainingMonthly, 10))
	}
	if d.Degraded {
		c.Header("X-Quota-Degraded", "true")
	}
}
