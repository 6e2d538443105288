package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
)

// GetUsage reports the current decision. An exhausted quota is still a 200.
func (s *Server) GetUsage(c *gin.Context) {
	id, ok := s.mustIdentity(c)
	if !ok {
		return
	}

	decision, err := s.gate.CheckUsage(c.Request.Context(), id)
	var exceeded *apperror.QuotaExceededError
	if err != nil && !errors.As(err, &exceeded) {
		AbortWithError(c, err)
		return
	}
	setQuotaHeaders(c, decision)

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) ListUsageHistory(c *gin.Context) {
	id, ok := s.mustIdentity(c)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, apperror.NewValidation("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	records, err := s.usageSvc.History(c.Request.Context(), id, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

type migrateUsageRequest struct {
	NetworkAddress string `json:"network_address"`
}

// MigrateUsage folds the caller's pre-signup anonymous usage into their account.
func (s *Server) MigrateUsage(c *gin.Context) {
	id, ok := s.mustIdentity(c)
	if !ok {
		return
	}
	if id.UserID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req migrateUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	// Only the caller's own address can be claimed.
	address := c.ClientIP()
	if requested := strings.TrimSpace(req.NetworkAddress); requested != "" &&
		quotadomain.AddressIdentity(requested).Key() != quotadomain.AddressIdentity(address).Key() {
		AbortWithError(c, ErrForbidden)
		return
	}

	result, err := s.gate.MigrateAnonymousUsage(c.Request.Context(), address, id.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
