package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/domain/domaintest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sellInstr(size int64) domain.OrderInstruction {
	return domain.OrderInstruction{
		StrategyID:     "s1",
		Owner:          domaintest.Wallet(1),
		Token:          domaintest.Token,
		Market:         domaintest.Market,
		Side:           domain.SideSell,
		Size:           decimal.NewFromInt(size),
		ReferencePrice: 94,
	}
}

func TestPaperSubmitter_DeduplicatesByKey(t *testing.T) {
	p := NewPaperSubmitter(discardLogger())
	ctx := context.Background()

	r1, err := p.Submit(ctx, sellInstr(10), "k1")
	require.NoError(t, err)
	assert.False(t, r1.Duplicate)
	assert.Equal(t, 94.0, r1.FillPrice)

	r2, err := p.Submit(ctx, sellInstr(10), "k1")
	require.NoError(t, err)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, r1.Signature, r2.Signature)

	assert.Len(t, p.Orders(), 1)
	assert.Equal(t, 2, p.Calls())

	got, found, err := p.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, r1.Signature, got.Signature)
}

func TestPaperSubmitter_ScriptedFailures(t *testing.T) {
	p := NewPaperSubmitter(discardLogger())
	ctx := context.Background()
	p.FailNext(domain.Transient("timeout", nil))

	_, err := p.Submit(ctx, sellInstr(10), "k1")
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))

	_, found, _ := p.Lookup(ctx, "k1")
	assert.False(t, found)

	_, err = p.Submit(ctx, sellInstr(10), "k1")
	require.NoError(t, err)
}

func TestPaperSubmitter_InsufficientBalance(t *testing.T) {
	p := NewPaperSubmitter(discardLogger())
	ctx := context.Background()
	owner := domaintest.Wallet(1)
	p.SetBalance(owner, domaintest.Token, decimal.NewFromInt(5))

	_, err := p.Submit(ctx, sellInstr(10), "k1")
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.True(t, errors.Is(err, domain.ErrPermanentFailure))
	assert.Equal(t, "insufficient balance", domain.FailureReason(err))

	_, err = p.Submit(ctx, sellInstr(3), "k2")
	require.NoError(t, err)
	left, _ := p.Balance(owner, domaintest.Token)
	assert.True(t, left.Equal(decimal.NewFromInt(2)))

	max, bounded, err := p.MaxOrderSize(ctx, owner, domaintest.Token, domain.SideSell)
	require.NoError(t, err)
	assert.True(t, bounded)
	assert.True(t, max.Equal(decimal.NewFromInt(2)))

	_, bounded, err = p.MaxOrderSize(ctx, owner, domaintest.Token, domain.SideBuy)
	require.NoError(t, err)
	assert.False(t, bounded)
}
