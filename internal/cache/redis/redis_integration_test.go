//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
)

func startRedis(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis_Adapters(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	t.Run("price cache round trip", func(t *testing.T) {
		pc := NewPriceCache(c, time.Minute)
		key := domain.MarketKey{Token: domaintest.Token, Market: domaintest.Market}

		_, _, err := pc.GetPrice(ctx, key)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, pc.SetPrice(ctx, key, 101.25, domaintest.Epoch))
		price, at, err := pc.GetPrice(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 101.25, price)
		assert.True(t, at.Equal(domaintest.Epoch))
	})

	t.Run("position cache keeps the newest sequence", func(t *testing.T) {
		pc := NewPositionCache(c)
		leader := domaintest.Wallet(2)
		snap := func(seq, pos int64) domain.PositionSnapshot {
			return domain.PositionSnapshot{
				Leader:    leader,
				Sequence:  seq,
				Positions: map[string]decimal.Decimal{domaintest.Token: decimal.NewFromInt(pos)},
			}
		}

		require.NoError(t, pc.SetSnapshot(ctx, snap(5, 10)))
		require.NoError(t, pc.SetSnapshot(ctx, snap(4, 99)))

		got, err := pc.LatestSnapshot(ctx, leader)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Sequence)
		assert.True(t, got.Position(domaintest.Token).Equal(decimal.NewFromInt(10)))
	})

	t.Run("lock is exclusive until released", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "wallet:a", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "wallet:a", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		unlock()
		unlock()
		unlock2, err := lm.Acquire(ctx, "wallet:a", time.Minute)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "client", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signal bus publishes and appends", func(t *testing.T) {
		sb := NewSignalBus(c, 100)
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := sb.Subscribe(sctx, "ch:test")
		require.NoError(t, err)
		require.NoError(t, sb.PublishAndAppend(ctx, "ch:test", "stream:test", []byte(`{"n":1}`)))

		select {
		case msg := <-ch:
			assert.JSONEq(t, `{"n":1}`, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		msgs, err := sb.StreamRead(ctx, "stream:test", "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))
	})
}
