package payment

import (
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/payment/adapters/stripe"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.adapters",
	fx.Provide(NewVerifier),
)

// NewVerifier builds the webhook verifier. Without a secret every payload is
// rejected, which keeps the endpoint closed until billing is configured.
func NewVerifier(cfg config.Config, log *zap.Logger) subscriptiondomain.EventVerifier {
	if cfg.StripeWebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET is not set; billing webhooks will be rejected")
	}
	return stripe.NewAdapter(cfg.StripeWebhookSecret)
}
