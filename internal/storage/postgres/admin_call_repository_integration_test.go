package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

func takedownClaim(adminID int64, key, hash string, expiresAt time.Time) domain.AdminCallClaim {
	return domain.AdminCallClaim{AdminID: adminID, Key: key, Method: "TakedownOrder", RequestHash: hash, ExpiresAt: expiresAt}
}

func TestAdminCallRepository_ClaimFinishAndReplay(t *testing.T) {
	repo := NewAdminCallRepository(testStore(t))
	ctx := context.Background()
	expires := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.Claim(ctx, takedownClaim(7, "takedown-ZB-1", "h1", expires))
	require.NoError(t, err)
	require.Equal(t, domain.AdminCallInFlight, created.State)
	require.True(t, created.ExpiresAt.Equal(expires))

	_, err = repo.Claim(ctx, takedownClaim(7, "takedown-ZB-1", "h1", expires))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	_, err = repo.Claim(ctx, takedownClaim(7, "takedown-ZB-1", "h2", expires))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	_, err = repo.Claim(ctx, takedownClaim(8, "takedown-ZB-1", "h2", expires))
	require.NoError(t, err, "keys of different admins do not collide")

	require.NoError(t, repo.Finish(ctx, 7, "takedown-ZB-1", domain.AdminCallOutcome{
		State: domain.AdminCallSucceeded,
		Body:  []byte(`{"order":{"external_ref":"ZB-1"}}`),
	}))
	require.ErrorIs(t, repo.Finish(ctx, 7, "takedown-ZB-1", domain.AdminCallOutcome{State: domain.AdminCallRejected, Code: 9}), domain.ErrAdminCallFinished)
	require.ErrorIs(t, repo.Finish(ctx, 7, "missing", domain.AdminCallOutcome{State: domain.AdminCallRejected}), domain.ErrIdempotencyKeyNotFound)

	got, err := repo.Get(ctx, 7, "takedown-ZB-1")
	require.NoError(t, err)
	require.Equal(t, domain.AdminCallSucceeded, got.State)
	require.Equal(t, "TakedownOrder", got.Method)
	require.JSONEq(t, `{"order":{"external_ref":"ZB-1"}}`, string(got.Body))
	require.False(t, got.FinishedAt.IsZero())
}

func TestAdminCallRepository_ExpiredKeyIsReclaimed(t *testing.T) {
	repo := NewAdminCallRepository(testStore(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Claim(ctx, takedownClaim(1, "k", "old", now.Add(-time.Minute)))
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, 1, "k", domain.AdminCallOutcome{State: domain.AdminCallRejected, Code: 5}))

	got, err := repo.Claim(ctx, takedownClaim(1, "k", "new", now.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "new", got.RequestHash)
	require.Equal(t, domain.AdminCallInFlight, got.State)
	require.Empty(t, got.Body)
	require.Zero(t, got.Code)
}

func TestAdminCallRepository_PurgeOldestFirst(t *testing.T) {
	repo := NewAdminCallRepository(testStore(t))
	ctx := context.Background()
	now := time.Now().UTC()

	for key, ttl := range map[string]time.Duration{"stuck": -5 * time.Minute, "done": -4 * time.Minute, "late": -3 * time.Minute, "live": time.Hour} {
		_, err := repo.Claim(ctx, takedownClaim(1, key, "h-"+key, now.Add(ttl)))
		require.NoError(t, err)
	}
	require.NoError(t, repo.Finish(ctx, 1, "done", domain.AdminCallOutcome{State: domain.AdminCallSucceeded}))
	require.NoError(t, repo.Finish(ctx, 1, "late", domain.AdminCallOutcome{State: domain.AdminCallSucceeded}))

	purge, err := repo.Purge(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, purge.Removed)
	require.Len(t, purge.Abandoned, 1)
	require.Equal(t, "stuck", purge.Abandoned[0].Key)

	purge, err = repo.Purge(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, purge.Removed)
	require.Empty(t, purge.Abandoned)

	_, err = repo.Get(ctx, 1, "live")
	require.NoError(t, err)
}
