// Package identity resolves the quota identity of an inbound request.
package identity

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/config"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"go.uber.org/fx"
)

const DefaultUserHeader = "X-User-ID"

var Module = fx.Module("identity",
	fx.Provide(NewResolver),
)

// Resolver extracts the caller identity from a request.
type Resolver interface {
	Resolve(c *gin.Context) (quotadomain.Identity, error)
}

// HeaderResolver trusts a user header set by an upstream auth proxy and falls
// back to the client address for anonymous callers.
type HeaderResolver struct {
	header string
}

func NewHeaderResolver(header string) *HeaderResolver {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultUserHeader
	}
	return &HeaderResolver{header: header}
}

func NewResolver(cfg config.Config) Resolver {
	return NewHeaderResolver(cfg.IdentityUserHeader)
}

func (r *HeaderResolver) Resolve(c *gin.Context) (quotadomain.Identity, error) {
	var id quotadomain.Identity
	if userID := strings.TrimSpace(c.GetHeader(r.header)); userID != "" {
		id = quotadomain.UserIdentity(userID)
	} else {
		id = quotadomain.AddressIdentity(c.ClientIP())
	}
	if err := id.Validate(); err != nil {
		return quotadomain.Identity{}, err
	}
	return id, nil
}
