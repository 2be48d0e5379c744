package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// PairSource lists the (token, market) pairs that need prices, normally the
// groups of the currently active strategies.
type PairSource func(ctx context.Context) ([]domain.MarketKey, error)

type subscribeCommand struct {
	Type  string     `json:"type"`
	Pairs []wirePair `json:"pairs"`
}

type wirePair struct {
	Token  string `json:"token"`
	Market string `json:"market"`
}

// StreamFeed keeps a websocket price stream open, subscribes to every pair
// the PairSource reports and writes received ticks into a PriceCache. It
// reconnects with exponential backoff and refreshes its subscription when
// new pairs appear.
type StreamFeed struct {
	url     string
	pairs   PairSource
	cache   domain.PriceCache
	refresh time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	subscribed map[domain.MarketKey]struct{}
}

// NewStreamFeed creates a StreamFeed for the websocket endpoint url.
func NewStreamFeed(url string, pairs PairSource, cache domain.PriceCache, refresh time.Duration, logger *slog.Logger) *StreamFeed {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &StreamFeed{
		url:     url,
		pairs:   pairs,
		cache:   cache,
		refresh: refresh,
		logger:  logger.With(slog.String("component", "stream_feed")),
	}
}

// Run connects and consumes ticks until ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) error {
	f.logger.Info("price stream started", slog.String("url", f.url))
	defer f.logger.Info("price stream stopped")

	delay := reconnectDelay
	for {
		started := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		f.logger.Warn("price stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *StreamFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.subscribed = make(map[domain.MarketKey]struct{})
	f.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	if err := f.syncSubscriptions(cctx, write); err != nil {
		return err
	}

	go func() {
		ping := time.NewTicker(pingPeriod)
		refresh := time.NewTicker(f.refresh)
		defer ping.Stop()
		defer refresh.Stop()
		for {
			select {
			case <-cctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-ping.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			case <-refresh.C:
				if err := f.syncSubscriptions(cctx, write); err != nil {
					f.logger.Warn("subscription refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		if err := storePrice(cctx, f.cache, data); err != nil {
			f.logger.Debug("tick skipped", slog.String("error", err.Error()))
		}
	}
}

// syncSubscriptions subscribes to pairs not yet subscribed on this
// connection.
func (f *StreamFeed) syncSubscriptions(ctx context.Context, write func(int, []byte) error) error {
	keys, err := f.pairs(ctx)
	if err != nil {
		return fmt.Errorf("feed: list pairs: %w", err)
	}

	f.mu.Lock()
	var missing []domain.MarketKey
	var fresh []wirePair
	for _, k := range keys {
		if _, ok := f.subscribed[k]; ok {
			continue
		}
		missing = append(missing, k)
		fresh = append(fresh, wirePair{Token: k.Token, Market: k.Market})
	}
	f.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	body, err := json.Marshal(subscribeCommand{Type: "subscribe", Pairs: fresh})
	if err != nil {
		return err
	}
	// Pairs count as subscribed only once the frame is out, so a failed
	// write is retried on the next refresh.
	if err := write(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.mu.Lock()
	for _, k := range missing {
		f.subscribed[k] = struct{}{}
	}
	f.mu.Unlock()
	f.logger.Info("subscribed to pairs", slog.Int("count", len(fresh)))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
