package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/tbourn/notify-gate/internal/domain"
)

// pickupMinAge is how long after the ready notice a pickup reminder may go out.
const pickupMinAge = 48 * time.Hour

func notNotifiedUpstream(d Definition, _ History, f Fields, _ time.Time) domain.Verdict {
	if f.Flag(d.UpstreamFlag) {
		return domain.Reject(domain.ReasonAlreadyNotifiedUpstream,
			fmt.Sprintf("%s already marked as notified (%s)", d.Type, d.UpstreamFlag))
	}
	return domain.Pass()
}

func confirmationReady(d Definition, h History, f Fields, now time.Time) domain.Verdict {
	if !h.HasSuccess(domain.TypeWelcome) {
		return domain.Reject(domain.ReasonWelcomeNotSentFirst, "welcome message must be sent before confirmation")
	}
	return notNotifiedUpstream(d, h, f, now)
}

func statusIn(reason domain.ReasonCode, allowed ...string) Precondition {
	return func(d Definition, _ History, f Fields, _ time.Time) domain.Verdict {
		st, _ := f.Get("status")
		st = strings.ToLower(st)
		for _, a := range allowed {
			if st == a {
				return domain.Pass()
			}
		}
		return domain.Reject(reason,
			fmt.Sprintf("order status %q does not allow %s (want one of %s)", st, d.Type, strings.Join(allowed, ", ")))
	}
}

func pickupReminderDue(d Definition, h History, _ Fields, now time.Time) domain.Verdict {
	ready, ok := h.LastSuccess(domain.TypeReady)
	if !ok {
		return domain.Reject(domain.ReasonReadyNotSent, "ready notice has not been sent for this order")
	}
	if age := sinceMs(now, ready.SentAtMs); age < pickupMinAge {
		return domain.Reject(domain.ReasonReadyTooRecent,
			fmt.Sprintf("ready notice sent %s ago, reminders start after %s", age.Truncate(time.Minute), pickupMinAge))
	}
	if d.MaxAttempts > 0 && h.Attempts(d.Type) >= d.MaxAttempts {
		return domain.Reject(domain.ReasonMaxPickupReminders,
			fmt.Sprintf("%d pickup reminders already attempted", h.Attempts(d.Type)))
	}
	return domain.Pass()
}

func paymentReminderDue(d Definition, h History, f Fields, _ time.Time) domain.Verdict {
	if !h.HasSuccess(domain.TypeDelivery) {
		return domain.Reject(domain.ReasonDeliveryNotSent, "delivery notice has not been sent for this order")
	}
	raw, _ := f.Get("balance")
	if bal, ok := ParseAmount(raw); !ok || bal <= 0 {
		return domain.Reject(domain.ReasonNoOutstandingBalance, fmt.Sprintf("no outstanding balance (%q)", raw))
	}
	if d.MaxAttempts > 0 && h.Attempts(d.Type) >= d.MaxAttempts {
		return domain.Reject(domain.ReasonMaxPaymentReminders,
			fmt.Sprintf("%d payment reminders already attempted", h.Attempts(d.Type)))
	}
	return domain.Pass()
}
