// Package domaintest provides fixtures shared by package tests.
package domaintest

import (
	"crypto/ed25519"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

const (
	// Token is the wrapped SOL mint.
	Token = "So11111111111111111111111111111111111111112"
	// Market is the USDC mint, used as the quote market.
	Market = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Epoch is a fixed clock origin for deterministic tests.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Wallet returns a deterministic on-curve wallet address derived from seed.
func Wallet(seed byte) string {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	pub := ed25519.NewKeyFromSeed(s).Public().(ed25519.PublicKey)
	return base58.Encode(pub)
}

// OffCurveAddress is a 32-byte address that is not an ed25519 point.
func OffCurveAddress() string {
	b := make([]byte, domain.AddressLen)
	for i := range b {
		b[i] = 0xff
	}
	return base58.Encode(b)
}

// StopLoss builds an active stop-loss strategy.
func StopLoss(id string, trigger float64) domain.Strategy {
	return mustStrategy(id, domain.StopLossParams{TriggerPrice: trigger}, decimal.NewFromInt(10))
}

// TakeProfit builds an active take-profit strategy.
func TakeProfit(id string, trigger float64) domain.Strategy {
	return mustStrategy(id, domain.TakeProfitParams{TriggerPrice: trigger}, decimal.NewFromInt(10))
}

// TrailingStop builds an active trailing stop with no initial mark.
func TrailingStop(id string, distance float64, rearm bool) domain.Strategy {
	return mustStrategy(id, domain.TrailingStopParams{Distance: distance, Rearm: rearm}, decimal.NewFromInt(10))
}

// CopyTrade builds an active copy-trade strategy following leader.
func CopyTrade(id, leader string, ratio float64) domain.Strategy {
	return mustStrategy(id, domain.CopyTradeParams{Trader: leader, AllocationRatio: ratio}, decimal.Zero)
}

func mustStrategy(id string, params domain.StrategyParams, size decimal.Decimal) domain.Strategy {
	s, err := domain.NewStrategy(id, domain.StrategyDef{
		Owner:  Wallet(1),
		Token:  Token,
		Market: Market,
		Size:   size,
		Params: params,
	}, Epoch)
	if err != nil {
		panic(err)
	}
	return s
}
