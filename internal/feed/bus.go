package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Bus channels carrying external updates.
const (
	PricesChannel    = "prices"
	PositionsChannel = "positions"
)

// PriceMessage is the JSON shape published on PricesChannel.
type PriceMessage struct {
	Token     string    `json:"token"`
	Market    string    `json:"market"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionMessage is the JSON shape published on PositionsChannel.
type PositionMessage struct {
	Leader    string                     `json:"leader"`
	Sequence  int64                      `json:"sequence"`
	Positions map[string]decimal.Decimal `json:"positions"`
	Timestamp time.Time                  `json:"timestamp"`
}

// BusIngestor subscribes to the price and position channels of a SignalBus
// and writes each update into the caches the engine reads. Malformed
// messages are logged and skipped.
type BusIngestor struct {
	bus       domain.SignalBus
	prices    domain.PriceCache
	positions domain.PositionCache
	logger    *slog.Logger
}

// NewBusIngestor creates a BusIngestor. positions may be nil when copy
// trading is disabled.
func NewBusIngestor(bus domain.SignalBus, prices domain.PriceCache, positions domain.PositionCache, logger *slog.Logger) *BusIngestor {
	return &BusIngestor{
		bus:       bus,
		prices:    prices,
		positions: positions,
		logger:    logger.With(slog.String("component", "bus_ingestor")),
	}
}

// Run consumes both channels until ctx is cancelled.
func (b *BusIngestor) Run(ctx context.Context) error {
	priceCh, err := b.bus.Subscribe(ctx, PricesChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", PricesChannel, err)
	}
	var posCh <-chan []byte
	if b.positions != nil {
		if posCh, err = b.bus.Subscribe(ctx, PositionsChannel); err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", PositionsChannel, err)
		}
	}

	b.logger.Info("bus ingestor started")
	defer b.logger.Info("bus ingestor stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-priceCh:
			if !ok {
				return nil
			}
			if err := b.HandlePrice(ctx, data); err != nil {
				b.logger.Debug("price message skipped", slog.String("error", err.Error()))
			}
		case data, ok := <-posCh:
			if !ok {
				posCh = nil
				continue
			}
			if err := b.HandlePosition(ctx, data); err != nil {
				b.logger.Debug("position message skipped", slog.String("error", err.Error()))
			}
		}
	}
}

// HandlePrice stores one PriceMessage.
func (b *BusIngestor) HandlePrice(ctx context.Context, data []byte) error {
	return storePrice(ctx, b.prices, data)
}

func storePrice(ctx context.Context, cache domain.PriceCache, data []byte) error {
	var msg PriceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Token == "" || msg.Market == "" {
		return errors.New("missing token or market")
	}
	if msg.Price <= 0 {
		return fmt.Errorf("non-positive price %v", msg.Price)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return cache.SetPrice(ctx, domain.MarketKey{Token: msg.Token, Market: msg.Market}, msg.Price, msg.Timestamp)
}

// HandlePosition stores one PositionMessage.
func (b *BusIngestor) HandlePosition(ctx context.Context, data []byte) error {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Leader == "" {
		return errors.New("missing leader")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return b.positions.SetSnapshot(ctx, domain.PositionSnapshot{
		Leader:     msg.Leader,
		Sequence:   msg.Sequence,
		Positions:  msg.Positions,
		ObservedAt: msg.Timestamp,
	})
}
