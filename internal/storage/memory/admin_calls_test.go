package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/storage/memory"
)

func releaseClaim(adminID int64, key, hash string, expiresAt time.Time) domain.AdminCallClaim {
	return domain.AdminCallClaim{AdminID: adminID, Key: key, Method: "ReleaseUnit", RequestHash: hash, ExpiresAt: expiresAt}
}

func TestAdminCallStore_ClaimIsScopedToAdmin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewAdminCallStoreWithClock(func() time.Time { return now })

	created, err := store.Claim(ctx, releaseClaim(1, "release-7", "h1", now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if created.State != domain.AdminCallInFlight || !created.CreatedAt.Equal(now) {
		t.Fatalf("unexpected record %+v", created)
	}

	if _, err := store.Claim(ctx, releaseClaim(1, "release-7", "h1", now.Add(time.Hour))); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
	if _, err := store.Claim(ctx, releaseClaim(1, "release-7", "h2", now.Add(time.Hour))); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
	if _, err := store.Claim(ctx, releaseClaim(2, "release-7", "h2", now.Add(time.Hour))); err != nil {
		t.Fatalf("other admin may use the same key: %v", err)
	}
	if _, err := store.Claim(ctx, releaseClaim(0, "release-7", "h1", time.Time{})); !errors.Is(err, domain.ErrIdempotencyClaimInvalid) {
		t.Fatalf("guest claim must be rejected, got %v", err)
	}
}

func TestAdminCallStore_FinishOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdminCallStore()

	if _, err := store.Claim(ctx, releaseClaim(1, "confirm-3", "h", time.Time{})); err != nil {
		t.Fatalf("claim: %v", err)
	}
	body := []byte(`{"unit":{"id":3}}`)
	if err := store.Finish(ctx, 1, "confirm-3", domain.AdminCallOutcome{State: domain.AdminCallSucceeded, Body: body}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	body[0] = 'x'

	got, err := store.Get(ctx, 1, "confirm-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.AdminCallSucceeded || string(got.Body) != `{"unit":{"id":3}}` || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.ExpiresAt.After(got.CreatedAt) {
		t.Fatal("zero ttl must fall back to the default")
	}

	if err := store.Finish(ctx, 1, "confirm-3", domain.AdminCallOutcome{State: domain.AdminCallRejected, Code: 5}); !errors.Is(err, domain.ErrAdminCallFinished) {
		t.Fatalf("second finish must fail, got %v", err)
	}
	if err := store.Finish(ctx, 1, "missing", domain.AdminCallOutcome{State: domain.AdminCallRejected}); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
}

func TestAdminCallStore_PurgeReportsAbandonedCalls(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewAdminCallStoreWithClock(func() time.Time { return now })

	for i, ttl := range []time.Duration{-2 * time.Hour, -time.Hour, time.Hour} {
		key := []string{"stuck", "done", "live"}[i]
		if _, err := store.Claim(ctx, releaseClaim(1, key, "h", now.Add(ttl))); err != nil {
			t.Fatalf("claim %s: %v", key, err)
		}
	}
	if err := store.Finish(ctx, 1, "done", domain.AdminCallOutcome{State: domain.AdminCallSucceeded}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	first, err := store.Purge(ctx, now, 1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if first.Removed != 1 || len(first.Abandoned) != 1 || first.Abandoned[0].Key != "stuck" {
		t.Fatalf("oldest key must go first, got %+v", first)
	}

	second, err := store.Purge(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if second.Removed != 1 || len(second.Abandoned) != 0 {
		t.Fatalf("unexpected purge %+v", second)
	}
	if _, err := store.Get(ctx, 1, "live"); err != nil {
		t.Fatalf("live key must survive: %v", err)
	}
}

func TestAdminCallStore_ExpiredKeyCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewAdminCallStoreWithClock(func() time.Time { return now })

	if _, err := store.Claim(ctx, releaseClaim(1, "k", "old", now.Add(-time.Minute))); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, err := store.Claim(ctx, releaseClaim(1, "k", "new", now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("expired key must be reusable before purge: %v", err)
	}
	if got.RequestHash != "new" {
		t.Fatalf("unexpected record %+v", got)
	}
}
