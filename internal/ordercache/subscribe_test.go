package ordercache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

func TestSubscribeOrderReceivesMutations(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)

	var revisions []int64
	unsubscribe := cache.SubscribeOrder(42, func(record *domain.OrderRecord) {
		revisions = append(revisions, record.Meta.Revision)
	})
	var otherCalls int
	cache.SubscribeOrder(43, func(*domain.OrderRecord) { otherCalls++ })

	_, err := cache.UpsertSnapshot(ctx, 42, domain.OrderHeader{Name: "SO42"}, sampleLines())
	require.NoError(t, err)
	_, err = cache.QueueProductUpdate(ctx, 42, 1, "A1", "B2")
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()
	require.NoError(t, cache.UpdateLineCode(ctx, 42, 1, "C3"))

	require.Equal(t, []int64{1, 2}, revisions)
	require.Zero(t, otherCalls)
}

func TestSubscribeAll(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)

	seen := map[domain.OrderID]int{}
	unsubscribe := cache.SubscribeAll(func(id domain.OrderID, _ *domain.OrderRecord) {
		seen[id]++
	})
	defer unsubscribe()

	_, err := cache.UpsertSnapshot(ctx, 1, domain.OrderHeader{Name: "SO1"}, nil)
	require.NoError(t, err)
	_, err = cache.UpsertSnapshot(ctx, 2, domain.OrderHeader{Name: "SO2"}, nil)
	require.NoError(t, err)

	require.Equal(t, map[domain.OrderID]int{1: 1, 2: 1}, seen)
}

func TestListenerGetsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)

	cache.SubscribeOrder(1, func(record *domain.OrderRecord) {
		record.Snapshot.Order.Name = "mutated by listener"
	})
	_, err := cache.UpsertSnapshot(ctx, 1, domain.OrderHeader{Name: "SO1"}, nil)
	require.NoError(t, err)

	record, err := cache.GetOrder(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "SO1", record.Snapshot.Order.Name)
}
