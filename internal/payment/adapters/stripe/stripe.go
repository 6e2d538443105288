// Package stripe verifies Stripe webhook payloads and normalizes them into
// provider-neutral billing events.
package stripe

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/quotaguard/internal/apperror"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const Provider = "stripe"

var ErrMissingSecret = errors.New("missing_webhook_secret")

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func NewAdapter(secret string) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(secret),
		tolerance:     webhook.DefaultTolerance,
	}
}

func (a *Adapter) Provider() string {
	return Provider
}

func (a *Adapter) Verify(payload []byte, signature string) (*subscriptiondomain.BillingEvent, error) {
	if a.webhookSecret == "" {
		return nil, &apperror.SignatureVerificationError{Err: ErrMissingSecret}
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		strings.TrimSpace(signature),
		a.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                a.tolerance,
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return nil, &apperror.SignatureVerificationError{Err: err}
	}

	out := &subscriptiondomain.BillingEvent{
		ID:           strings.TrimSpace(event.ID),
		ProviderType: string(event.Type),
		OccurredAt:   time.Unix(event.Created, 0).UTC(),
		Payload:      payload,
	}
	if out.ID == "" || event.Data == nil {
		return out, subscriptiondomain.ErrInvalidPayload
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		err = parseCheckoutSession(event.Data.Raw, out)
	case "customer.subscription.created":
		out.Type = subscriptiondomain.EventSubscriptionCreated
		err = parseSubscription(event.Data.Raw, out)
	case "customer.subscription.updated":
		out.Type = subscriptiondomain.EventSubscriptionUpdated
		err = parseSubscription(event.Data.Raw, out)
	case "customer.subscription.deleted":
		out.Type = subscriptiondomain.EventSubscriptionDeleted
		err = parseSubscription(event.Data.Raw, out)
	case "invoice.payment_succeeded":
		err = parseInvoice(event.Data.Raw, subscriptiondomain.EventInvoicePaymentSucceeded, out)
	case "invoice.payment_failed":
		err = parseInvoice(event.Data.Raw, subscriptiondomain.EventInvoicePaymentFailed, out)
	default:
		out.Type = subscriptiondomain.EventUnsupported
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

func parseCheckoutSession(raw json.RawMessage, out *subscriptiondomain.BillingEvent) error {
	var session stripego.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return subscriptiondomain.ErrInvalidPayload
	}
	// One-off payments have no subscription to track.
	if session.Subscription == nil || strings.TrimSpace(session.Subscription.ID) == "" {
		out.Type = subscriptiondomain.EventUnsupported
		return nil
	}

	out.Type = subscriptiondomain.EventCheckoutCompleted
	out.SubscriptionID = strings.TrimSpace(session.Subscription.ID)
	out.CustomerID = customerID(session.Customer)
	out.UserID = strings.TrimSpace(session.ClientReferenceID)
	if out.UserID == "" {
		out.UserID = metadataValue(session.Metadata, "user_id")
	}
	out.Tier = metadataTier(session.Metadata)
	out.PriceID = metadataValue(session.Metadata, "price_id")
	out.Origin = metadataOrigin(session.Metadata, subscriptiondomain.OriginInApp)
	out.Status = subscriptiondomain.StatusActive
	if session.Subscription.Status != "" {
		out.Status = mapStatus(session.Subscription.Status)
	}
	if session.Subscription.CurrentPeriodEnd > 0 {
		out.CurrentPeriodStart = unix(session.Subscription.CurrentPeriodStart)
		out.CurrentPeriodEnd = unix(session.Subscription.CurrentPeriodEnd)
	}
	return nil
}

func parseSubscription(raw json.RawMessage, out *subscriptiondomain.BillingEvent) error {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return subscriptiondomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return subscriptiondomain.ErrMissingSubscription
	}

	out.SubscriptionID = strings.TrimSpace(sub.ID)
	out.CustomerID = customerID(sub.Customer)
	out.UserID = metadataValue(sub.Metadata, "user_id")
	out.Tier = metadataTier(sub.Metadata)
	out.Origin = metadataOrigin(sub.Metadata, "")
	out.Status = mapStatus(sub.Status)
	out.CurrentPeriodStart = unix(sub.CurrentPeriodStart)
	out.CurrentPeriodEnd = unix(sub.CurrentPeriodEnd)
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CanceledAt > 0 {
		canceledAt := unix(sub.CanceledAt)
		out.CanceledAt = &canceledAt
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && strings.TrimSpace(item.Price.ID) != "" {
				out.PriceID = strings.TrimSpace(item.Price.ID)
				break
			}
		}
	}
	return nil
}

func parseInvoice(raw json.RawMessage, eventType subscriptiondomain.EventType, out *subscriptiondomain.BillingEvent) error {
	var invoice stripego.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return subscriptiondomain.ErrInvalidPayload
	}
	if invoice.Subscription == nil || strings.TrimSpace(invoice.Subscription.ID) == "" {
		out.Type = subscriptiondomain.EventUnsupported
		return nil
	}

	out.Type = eventType
	out.SubscriptionID = strings.TrimSpace(invoice.Subscription.ID)
	out.CustomerID = customerID(invoice.Customer)
	return nil
}

// mapStatus folds Stripe's statuses into the lifecycle states. unpaid keeps
// the subscription live as past_due; paused and incomplete_expired revoke it.
func mapStatus(status stripego.SubscriptionStatus) subscriptiondomain.Status {
	switch status {
	case stripego.SubscriptionStatusTrialing:
		return subscriptiondomain.StatusTrialing
	case stripego.SubscriptionStatusActive:
		return subscriptiondomain.StatusActive
	case stripego.SubscriptionStatusPastDue, stripego.SubscriptionStatusUnpaid:
		return subscriptiondomain.StatusPastDue
	case stripego.SubscriptionStatusCanceled, stripego.SubscriptionStatusIncompleteExpired:
		return subscriptiondomain.StatusCanceled
	case stripego.SubscriptionStatusIncomplete, stripego.SubscriptionStatusPaused:
		return subscriptiondomain.StatusIncomplete
	default:
		return ""
	}
}

func customerID(customer *stripego.Customer) string {
	if customer == nil {
		return ""
	}
	return strings.TrimSpace(customer.ID)
}

func metadataValue(metadata map[string]string, key string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata[key])
}

func metadataTier(metadata map[string]string) tier.Tier {
	value := metadataValue(metadata, "tier")
	if value == "" {
		return ""
	}
	t, err := tier.ParseTier(value)
	if err != nil {
		return ""
	}
	return t
}

func metadataOrigin(metadata map[string]string, fallback subscriptiondomain.Origin) subscriptiondomain.Origin {
	value := metadataValue(metadata, "origin")
	if value == "" {
		return fallback
	}
	return subscriptiondomain.ParseOrigin(value)
}

func unix(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
