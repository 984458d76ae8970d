package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/pkg/clock"
)

func TestTwoTierSetGetInvalidate(t *testing.T) {
	c := New(nil, DefaultConfig())
	ctx := context.Background()

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	c.Set(ctx, "k1", []byte("v1"))
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	c.Invalidate(ctx, "k1")
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestTwoTierTagInvalidation(t *testing.T) {
	c := New(nil, DefaultConfig())
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), "tenant:t1")
	c.Set(ctx, "b", []byte("2"), "tenant:t1", "resource:r1")
	c.Set(ctx, "c", []byte("3"), "tenant:t2")

	c.InvalidateTag(ctx, "tenant:t1")

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	got, ok := c.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got)
}

func TestTwoTierLockIsExclusive(t *testing.T) {
	c := New(nil, DefaultConfig())
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	c.ReleaseLock(ctx, "job")
	ok, err = c.AcquireLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAvailabilityCacheRoundTrip(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	av := NewAvailabilityCache(New(nil, DefaultConfig()), clk)
	ctx := context.Background()

	q := AvailabilityQuery{
		TenantID: "t1", ServiceID: "svc-1", ResourceID: "res-1",
		From: clk.Now(), To: clk.Now().Add(24 * time.Hour),
	}
	_, ok := av.Get(ctx, q)
	assert.False(t, ok)

	windows := []domain.AvailabilityWindow{
		{TimeslotID: "ts-1", ResourceID: "res-1", Remaining: 2, Version: 7},
	}
	av.Put(ctx, q, windows, 7, 1)

	snap, ok := av.Get(ctx, q)
	require.True(t, ok)
	assert.Equal(t, int64(7), snap.Stamp)
	require.Len(t, snap.Windows, 1)
	assert.Equal(t, "ts-1", snap.Windows[0].TimeslotID)
}

func TestAvailabilityCacheInvalidateResource(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	av := NewAvailabilityCache(New(nil, DefaultConfig()), clk)
	ctx := context.Background()

	scoped := AvailabilityQuery{TenantID: "t1", ServiceID: "svc-1", ResourceID: "res-1", From: clk.Now(), To: clk.Now().Add(time.Hour)}
	wide := AvailabilityQuery{TenantID: "t1", ServiceID: "svc-1", From: clk.Now(), To: clk.Now().Add(time.Hour)}
	av.Put(ctx, scoped, nil, 1, 0)
	av.Put(ctx, wide, nil, 1, 0)

	av.InvalidateResource(ctx, "t1", "res-1")

	_, ok := av.Get(ctx, scoped)
	assert.False(t, ok, "resource-scoped entry survives invalidation")
	_, ok = av.Get(ctx, wide)
	assert.False(t, ok, "tenant-wide entry survives invalidation")
}

func TestCachedReferenceRepositoryServesAndInvalidates(t *testing.T) {
	refs := memory.NewReferenceRepository()
	refs.Policies["t1"] = &domain.TenantPolicy{TenantID: "t1", CancelWindowHours: 24}
	cached := NewCachedReferenceRepository(refs, New(nil, DefaultConfig()))
	ctx := context.Background()

	p, err := cached.GetTenantPolicy(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 24, p.CancelWindowHours)

	// the stale row keeps serving until the tenant tag is dropped
	refs.Policies["t1"] = &domain.TenantPolicy{TenantID: "t1", CancelWindowHours: 48}
	p, err = cached.GetTenantPolicy(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 24, p.CancelWindowHours)

	cached.InvalidateTenant(ctx, "t1")
	p, err = cached.GetTenantPolicy(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 48, p.CancelWindowHours)
}

func TestCachedReferenceRepositoryWebhookSecret(t *testing.T) {
	refs := memory.NewReferenceRepository()
	refs.Secrets["t1/payment"] = "whsec_1"
	cached := NewCachedReferenceRepository(refs, New(nil, DefaultConfig()))
	ctx := context.Background()

	s, err := cached.GetWebhookSecret(ctx, "t1", domain.WebhookSourcePayment)
	require.NoError(t, err)
	assert.Equal(t, "whsec_1", s)

	_, err = cached.GetWebhookSecret(ctx, "t1", domain.WebhookSourceDelivery)
	assert.ErrorIs(t, err, domain.ErrTenantNotFound)
}
