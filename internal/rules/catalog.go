// Package rules holds the declarative message-type catalog and the
// per-type preconditions evaluated before a notification may be sent.
//
// Preconditions are pure functions over a read-only History of prior
// attempts for the (recipient, order) pair and a Fields view of the order
// and source data, so they can be tested without any storage.
package rules

import (
	"sort"
	"time"

	"github.com/tbourn/notify-gate/internal/domain"
)

// Precondition decides whether a message of its type may be sent given the
// prior attempts for the order and the caller-supplied fields.
type Precondition func(d Definition, h History, f Fields, now time.Time) domain.Verdict

// Definition describes one message type.
type Definition struct {
	Type           domain.MessageType
	RequiredFields []string
	// DailyCap bounds successful sends of this type to one recipient in any
	// rolling 24h window. Zero disables the cap.
	DailyCap int
	// Cooldown is the minimum time since the last successful send of any
	// type for the same (recipient, order). Zero disables it.
	Cooldown time.Duration
	// MaxAttempts bounds attempts (successful or failed) of this type for
	// one order. Zero means unbounded.
	MaxAttempts int
	// UpstreamFlag names the order/source field an upstream system sets once
	// it has already notified the customer.
	UpstreamFlag string
	Description  string
	Precondition Precondition
}

// Catalog maps message types to their definitions.
type Catalog map[domain.MessageType]Definition

// DefaultCatalog returns the built-in rule table.
func DefaultCatalog() Catalog {
	defs := []Definition{
		{
			Type:           domain.TypeWelcome,
			RequiredFields: []string{"customer_name"},
			DailyCap:       5,
			UpstreamFlag:   "welcome_notified",
			Description:    "first message for an order; not already notified upstream",
			Precondition:   notNotifiedUpstream,
		},
		{
			Type:           domain.TypeConfirmation,
			RequiredFields: []string{"customer_name", "garment_type", "due_date"},
			DailyCap:       5,
			Cooldown:       3 * time.Minute,
			UpstreamFlag:   "confirmation_notified",
			Description:    "welcome already sent for the order; not already notified upstream",
			Precondition:   confirmationReady,
		},
		{
			Type:           domain.TypeReady,
			RequiredFields: []string{"customer_name", "status"},
			DailyCap:       5,
			Cooldown:       5 * time.Minute,
			Description:    "order status is ready, completed or pickup",
			Precondition:   statusIn(domain.ReasonOrderNotReadyStatus, "ready", "completed", "pickup"),
		},
		{
			Type:           domain.TypeDelivery,
			RequiredFields: []string{"customer_name", "status"},
			DailyCap:       5,
			Cooldown:       5 * time.Minute,
			Description:    "order status is delivered or completed",
			Precondition:   statusIn(domain.ReasonOrderNotDeliveredStatus, "delivered", "completed"),
		},
		{
			Type:           domain.TypePickupReminder,
			RequiredFields: []string{"customer_name"},
			DailyCap:       2,
			Cooldown:       24 * time.Hour,
			MaxAttempts:    3,
			Description:    "ready notice sent at least two days ago; fewer than 3 reminders so far",
			Precondition:   pickupReminderDue,
		},
		{
			Type:           domain.TypePaymentReminder,
			RequiredFields: []string{"customer_name", "balance"},
			DailyCap:       2,
			Cooldown:       24 * time.Hour,
			MaxAttempts:    5,
			Description:    "delivery notice sent; outstanding balance; fewer than 5 reminders so far",
			Precondition:   paymentReminderDue,
		},
		{
			Type:           domain.TypeFabricWelcome,
			RequiredFields: []string{"customer_name"},
			DailyCap:       3,
			UpstreamFlag:   "fabric_welcome_notified",
			Description:    "not already notified upstream",
			Precondition:   notNotifiedUpstream,
		},
		{
			Type:           domain.TypeFabricPurchase,
			RequiredFields: []string{"customer_name", "fabric_type"},
			DailyCap:       5,
			Cooldown:       3 * time.Minute,
			UpstreamFlag:   "fabric_purchase_notified",
			Description:    "not already notified upstream",
			Precondition:   notNotifiedUpstream,
		},
	}

	c := make(Catalog, len(defs))
	for _, d := range defs {
		c[d.Type] = d
	}
	return c
}

// Lookup returns the definition for t.
func (c Catalog) Lookup(t domain.MessageType) (Definition, bool) {
	d, ok := c[t]
	return d, ok
}

// Types lists the known message types in lexical order.
func (c Catalog) Types() []domain.MessageType {
	out := make([]domain.MessageType, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Catalog) clone() Catalog {
	out := make(Catalog, len(c))
	for k, v := range c {
		v.RequiredFields = append([]string(nil), v.RequiredFields...)
		out[k] = v
	}
	return out
}
