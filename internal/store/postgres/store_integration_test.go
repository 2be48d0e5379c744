//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
)

func setupTestDB(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("triggerbot"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	// Applying twice is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestPostgres_Stores(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	strategies := NewStrategyStore(c.Pool())
	executions := NewExecutionStore(c.Pool())
	cursors := NewCopyCursorStore(c.Pool())

	t.Run("create and get", func(t *testing.T) {
		s := domaintest.TrailingStop("01-trail", 0.1, true)
		require.NoError(t, strategies.Create(ctx, s))
		assert.ErrorIs(t, strategies.Create(ctx, s), domain.ErrAlreadyExists)

		got, err := strategies.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.KindTrailingStop, got.Kind)
		assert.True(t, got.Size.Equal(decimal.NewFromInt(10)))
		require.NotNil(t, got.TrailingDistance)
		assert.Equal(t, 0.1, *got.TrailingDistance)
		assert.True(t, got.Rearm)

		_, err = strategies.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("record evaluation ratchets the mark", func(t *testing.T) {
		for _, p := range []float64{100, 120, 110} {
			hwm := p
			require.NoError(t, strategies.RecordEvaluation(ctx, "01-trail", p, domaintest.Epoch, &hwm))
		}
		got, err := strategies.Get(ctx, "01-trail")
		require.NoError(t, err)
		assert.Equal(t, 120.0, *got.HighWaterMark)
		assert.Equal(t, 110.0, *got.LastEvaluatedPrice)
		assert.ErrorIs(t, strategies.RecordEvaluation(ctx, "missing", 1, domaintest.Epoch, nil), domain.ErrNotFound)
	})

	t.Run("cas arbitrates concurrent writers", func(t *testing.T) {
		s := domaintest.StopLoss("02-stop", 95)
		require.NoError(t, strategies.Create(ctx, s))

		var wg sync.WaitGroup
		wins := make([]bool, 8)
		for i := range wins {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := domain.StatusTriggered
				if i%2 == 0 {
					next = domain.StatusCancelled
				}
				ok, err := strategies.CompareAndSwapStatus(ctx, s.ID, domain.StatusActive, next, domain.StatusPatch{})
				assert.NoError(t, err)
				wins[i] = ok
			}()
		}
		wg.Wait()

		won := 0
		for _, w := range wins {
			if w {
				won++
			}
		}
		assert.Equal(t, 1, won)

		_, err := strategies.CompareAndSwapStatus(ctx, "missing", domain.StatusActive, domain.StatusCancelled, domain.StatusPatch{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("cas patch rearms", func(t *testing.T) {
		price := 108.0
		ok, err := strategies.CompareAndSwapStatus(ctx, "01-trail", domain.StatusActive, domain.StatusTriggered,
			domain.StatusPatch{TriggeredPrice: &price})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = strategies.CompareAndSwapStatus(ctx, "01-trail", domain.StatusTriggered, domain.StatusActive,
			domain.StatusPatch{HighWaterMark: &price, ClearTrigger: true, BumpGeneration: true})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := strategies.Get(ctx, "01-trail")
		require.NoError(t, err)
		assert.Nil(t, got.TriggeredPrice)
		assert.Equal(t, 108.0, *got.HighWaterMark)
		assert.Equal(t, 1, got.Generation)
	})

	t.Run("one pending execution per strategy", func(t *testing.T) {
		rec := domain.ExecutionRecord{
			StrategyID:           "01-trail",
			IdempotencyKey:       "key-1",
			TriggerPriceObserved: 108,
			Side:                 domain.SideSell,
			Size:                 decimal.NewFromInt(10),
			Outcome:              domain.OutcomePending,
			SubmittedAt:          domaintest.Epoch,
			UpdatedAt:            domaintest.Epoch,
		}
		require.NoError(t, executions.Insert(ctx, rec))
		assert.ErrorIs(t, executions.Insert(ctx, rec), domain.ErrAlreadyExists)

		second := rec
		second.IdempotencyKey = "key-2"
		assert.ErrorIs(t, executions.Insert(ctx, second), domain.ErrPendingExecution)

		rec.Outcome = domain.OutcomeConfirmed
		rec.AttemptCount = 2
		rec.TxSignature = "sig"
		require.NoError(t, executions.Update(ctx, rec))
		require.NoError(t, executions.Insert(ctx, second))

		got, err := executions.GetByKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeConfirmed, got.Outcome)
		assert.Equal(t, 2, got.AttemptCount)

		pending, err := executions.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "key-2", pending[0].IdempotencyKey)

		all, err := executions.ListByStrategy(ctx, "01-trail")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("copy cursor never moves back", func(t *testing.T) {
		s := domaintest.CopyTrade("03-copy", domaintest.Wallet(2), 0.2)
		require.NoError(t, strategies.Create(ctx, s))

		seq := int64(5)
		pos := decimal.NewFromInt(10)
		require.NoError(t, executions.Insert(ctx, domain.ExecutionRecord{
			StrategyID: s.ID, IdempotencyKey: "seq-5", Sequence: &seq, LeaderPosition: &pos,
			Side: domain.SideBuy, Size: decimal.NewFromInt(2), Outcome: domain.OutcomeConfirmed,
			SubmittedAt: domaintest.Epoch, UpdatedAt: domaintest.Epoch,
		}))
		rec, err := executions.GetByKey(ctx, "seq-5")
		require.NoError(t, err)
		require.NotNil(t, rec.LeaderPosition)
		assert.True(t, rec.LeaderPosition.Equal(pos))

		cur := domain.CopyCursor{StrategyID: s.ID, Leader: s.CopyTrader, LastSeenSequence: 5, Position: pos, UpdatedAt: domaintest.Epoch}
		require.NoError(t, cursors.SaveCursor(ctx, cur))
		cur.LastSeenSequence = 3
		cur.Position = decimal.Zero
		require.NoError(t, cursors.SaveCursor(ctx, cur))

		got, err := cursors.GetCursor(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.LastSeenSequence)
		assert.True(t, got.Position.Equal(pos))
	})

	t.Run("soft delete hides the row", func(t *testing.T) {
		require.NoError(t, strategies.SoftDelete(ctx, "02-stop", domaintest.Epoch))
		_, err := strategies.Get(ctx, "02-stop")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, strategies.SoftDelete(ctx, "02-stop", domaintest.Epoch), domain.ErrNotFound)

		owned, err := strategies.ListByOwner(ctx, domaintest.Wallet(1), domain.ListOpts{})
		require.NoError(t, err)
		for _, s := range owned {
			assert.NotEqual(t, "02-stop", s.ID)
		}
	})

	t.Run("audit log", func(t *testing.T) {
		audit := NewAuditStore(c.Pool())
		require.NoError(t, audit.Log(ctx, "strategy.cancelled", map[string]any{"id": "02-stop"}))
		entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "strategy.cancelled", entries[0].Event)
	})
}
