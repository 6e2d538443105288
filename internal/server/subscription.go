package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db/pagination"
)

type subscriptionView struct {
	Subscription  *subscriptiondomain.SubscriptionRecord `json:"subscription"`
	EffectiveTier tier.Tier                              `json:"effective_tier"`
}

// GetSubscription returns the caller's subscription. Users without one are on
// the free tier, so a missing record is not an error here.
func (s *Server) GetSubscription(c *gin.Context) {
	id, ok := s.mustIdentity(c)
	if !ok {
		return
	}
	if id.UserID == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	record, err := s.subSvc.GetByUserID(ctx, id.UserID)
	if err != nil && !apperror.IsNotFound(err) {
		AbortWithError(c, err)
		return
	}

	effective, err := s.gate.EffectiveTier(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriptionView{Subscription: record, EffectiveTier: effective}})
}

func (s *Server) ListFailedBillingEvents(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subSvc.ListFailedEvents(c.Request.Context(), subscriptiondomain.ListEventsRequest{
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}
