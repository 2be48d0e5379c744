package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/triggerbot/internal/crypto"
	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// HTTPConfig configures an HTTPSubmitter.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// Auth, when set, signs every request with HMAC headers.
	Auth *crypto.HMACAuth
}

// HTTPSubmitter posts signed instructions to an order gateway. The gateway
// deduplicates on the Idempotency-Key header.
type HTTPSubmitter struct {
	client *resty.Client
	auth   *crypto.HMACAuth
	logger *slog.Logger
}

type orderResponse struct {
	Signature   string    `json:"signature"`
	FillPrice   float64   `json:"fill_price"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Error       string    `json:"error"`
}

// NewHTTPSubmitter creates an HTTPSubmitter. Retries are left to the
// dispatcher, so the resty client does not retry on its own.
func NewHTTPSubmitter(cfg HTTPConfig, logger *slog.Logger) *HTTPSubmitter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "triggerbot")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPSubmitter{
		client: client,
		auth:   cfg.Auth,
		logger: logger.With(slog.String("component", "http_ledger")),
	}
}

// Submit posts instr to /orders. 2xx and 409 are confirmations; 400, 402,
// 403 and 422 are permanent; everything else is transient.
func (h *HTTPSubmitter) Submit(ctx context.Context, instr domain.OrderInstruction, idempotencyKey string) (domain.Receipt, error) {
	body, err := json.Marshal(instr)
	if err != nil {
		return domain.Receipt{}, domain.Permanent("encode instruction", err)
	}

	var out orderResponse
	resp, err := h.request(ctx, http.MethodPost, "/orders", body).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/orders")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Receipt{}, domain.Transient("submit timeout", err)
		}
		return domain.Receipt{}, domain.Transient("network error", err)
	}

	status := resp.StatusCode()
	switch {
	case resp.IsSuccess(), status == http.StatusConflict:
		r := domain.Receipt{
			Signature:   out.Signature,
			FillPrice:   out.FillPrice,
			ConfirmedAt: out.ConfirmedAt,
			Duplicate:   status == http.StatusConflict,
		}
		if r.ConfirmedAt.IsZero() {
			r.ConfirmedAt = time.Now().UTC()
		}
		return r, nil
	case status == http.StatusBadRequest, status == http.StatusPaymentRequired,
		status == http.StatusForbidden, status == http.StatusUnprocessableEntity:
		return domain.Receipt{}, domain.Permanent(reason(out, resp), nil)
	default:
		h.logger.Warn("gateway returned retryable status",
			slog.Int("status", status),
			slog.String("strategy_id", instr.StrategyID),
		)
		return domain.Receipt{}, domain.Transient(reason(out, resp), nil)
	}
}

// Lookup fetches /orders/{key}. A 404 means the gateway never accepted the
// key.
func (h *HTTPSubmitter) Lookup(ctx context.Context, idempotencyKey string) (domain.Receipt, bool, error) {
	path := "/orders/" + url.PathEscape(idempotencyKey)
	var out orderResponse
	resp, err := h.request(ctx, http.MethodGet, path, nil).
		SetResult(&out).
		Get(path)
	if err != nil {
		return domain.Receipt{}, false, fmt.Errorf("ledger: lookup %s: %w", idempotencyKey, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.Receipt{}, false, nil
	}
	if !resp.IsSuccess() {
		return domain.Receipt{}, false, fmt.Errorf("ledger: lookup %s: status %d", idempotencyKey, resp.StatusCode())
	}
	return domain.Receipt{
		Signature:   out.Signature,
		FillPrice:   out.FillPrice,
		ConfirmedAt: out.ConfirmedAt,
		Duplicate:   true,
	}, true, nil
}

func (h *HTTPSubmitter) request(ctx context.Context, method, path string, body []byte) *resty.Request {
	req := h.client.R().SetContext(ctx)
	if h.auth != nil {
		req.SetHeaders(h.auth.Headers(method, path, string(body)))
	}
	return req
}

func reason(out orderResponse, resp *resty.Response) string {
	if out.Error != "" {
		return out.Error
	}
	return fmt.Sprintf("gateway status %d", resp.StatusCode())
}
