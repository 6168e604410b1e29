package domain_test

import (
	"testing"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

func TestOutboxDedupKey(t *testing.T) {
	tests := []struct {
		name          string
		eventType     string
		discriminator string
		want          string
	}{
		{name: "payment once per order", eventType: domain.EventTypePaymentCompleted, want: "payment.completed:42"},
		{name: "close once per order", eventType: domain.EventTypeOrderClosed, want: domain.EventTypeOrderClosed + ":42"},
		{name: "delete once per order", eventType: domain.EventTypeOrderDeleted, want: domain.EventTypeOrderDeleted + ":42"},
		{name: "expiry per ends_at", eventType: domain.EventTypeExpiryNotice, discriminator: "2026-03-01T12:00:00Z", want: domain.EventTypeExpiryNotice + ":42:2026-03-01T12:00:00Z"},
		{name: "expiry without ends_at", eventType: domain.EventTypeExpiryNotice},
		{name: "conflicts repeat", eventType: domain.EventTypePaymentConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.OutboxDedupKey(tc.eventType, "42", tc.discriminator); got != tc.want {
				t.Fatalf("OutboxDedupKey(%q) = %q, want %q", tc.eventType, got, tc.want)
			}
		})
	}
}
