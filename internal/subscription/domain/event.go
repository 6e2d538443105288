package domain

import (
	"time"

	"github.com/smallbiznis/quotaguard/internal/tier"
)

// EventType is the provider-neutral billing event kind.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout_completed"
	EventSubscriptionCreated     EventType = "subscription_created"
	EventSubscriptionUpdated     EventType = "subscription_updated"
	EventSubscriptionDeleted     EventType = "subscription_deleted"
	EventInvoicePaymentSucceeded EventType = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice_payment_failed"
	EventUnsupported             EventType = ""
)

// BillingEvent is a verified provider event reduced to the fields the
// lifecycle needs. Zero values mean the provider did not send the field.
type BillingEvent struct {
	ID           string
	Type         EventType
	ProviderType string
	OccurredAt   time.Time

	SubscriptionID string
	CustomerID     string
	UserID         string
	Status         Status
	PriceID        string
	// Tier is an explicit override from provider metadata.
	Tier               tier.Tier
	Origin             Origin
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time

	Payload []byte
}
