package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
)

func orderEvent(eventType, orderID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":` + orderID + `}`),
		DedupKey:      domain.OutboxDedupKey(eventType, orderID, ""),
	}
}

func TestOutboxRepository_DedupKey(t *testing.T) {
	store := testStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, orderEvent(domain.EventTypePaymentCompleted, "41"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := repo.Enqueue(ctx, orderEvent(domain.EventTypePaymentCompleted, "41"))
	require.ErrorIs(t, err, domain.ErrOutboxDuplicate)
	require.Equal(t, first.ID, again.ID)

	// закрытие того же заказа — другое событие
	_, err = repo.Enqueue(ctx, orderEvent(domain.EventTypeOrderClosed, "41"))
	require.NoError(t, err)

	conflict := domain.OutboxMessage{AggregateType: domain.AggregateUnit, AggregateID: "3", EventType: domain.EventTypePaymentConflict, Payload: []byte(`{}`)}
	_, err = repo.Enqueue(ctx, conflict)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, conflict)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.PendingCount)
}

func TestOutboxRepository_ClaimIsExclusiveAcrossReplicas(t *testing.T) {
	store := testStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	const total = 20
	for i := range total {
		_, err := repo.Enqueue(ctx, orderEvent(domain.EventTypePaymentCompleted, string(rune('a'+i))))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := repo.ClaimPending(ctx, 8)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, msg := range batch {
				seen[msg.ID]++
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equalf(t, 1, n, "event %s claimed by two replicas", id)
	}

	left, err := repo.ClaimPending(ctx, total)
	require.NoError(t, err)
	require.Empty(t, left, "leased events must stay hidden")
}

func TestOutboxRepository_ExpiredLeaseAndFinish(t *testing.T) {
	store := testStore(t)
	repo := NewOutboxRepository(store).(*outboxRepository)
	ctx := context.Background()

	now := time.Now().UTC()
	repo.now = func() time.Time { return now }

	older, err := repo.Enqueue(ctx, orderEvent(domain.EventTypePaymentCompleted, "1"))
	require.NoError(t, err)
	now = now.Add(time.Millisecond)
	newer, err := repo.Enqueue(ctx, orderEvent(domain.EventTypePaymentCompleted, "2"))
	require.NoError(t, err)

	batch, err := repo.ClaimPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, older.ID, batch[0].ID)
	require.Equal(t, newer.ID, batch[1].ID)

	// воркер упал, аренда истекла
	now = now.Add(domain.OutboxLease + time.Second)
	batch, err = repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, repo.MarkSent(ctx, older.ID))
	require.NoError(t, repo.MarkFailed(ctx, newer.ID))
	require.ErrorIs(t, repo.MarkSent(ctx, newer.ID), domain.ErrOutboxMessageNotFound)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxMessageNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.OutboxStats{FailedCount: 1}, stats)
}
