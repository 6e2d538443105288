package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CheckFeature answers 204 when the caller's tier grants the feature.
func (s *Server) CheckFeature(c *gin.Context) {
	id, ok := s.mustIdentity(c)
	if !ok {
		return
	}

	if err := s.gate.RequireFeature(c.Request.Context(), id, c.Param("feature")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
