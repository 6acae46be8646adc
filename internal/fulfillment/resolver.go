// Package fulfillment implements the FulfillmentResolver: looking up an
// order's fulfillment leg (destination chain, token, amount) from the
// deBridge order-status API and turning it into a USD value.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/debridge-finance/dln-indexer/internal/pricing"
)

const (
	maxRetries     = 10
	baseDelay      = time.Second
	maxDelay       = 30 * time.Second
	statusEndpoint = "https://dln-api.debridge.finance/api/Orders/%s/liteModel"
)

// errMaxRetriesExceeded marks a fetchWithRetry failure as "retries
// exhausted", distinct from a single transport failure, so Resolve can
// surface the dedicated max_retries_exceeded pricing tag.
var errMaxRetriesExceeded = errors.New("max_retries_exceeded")

// Result is the outcome of resolving one order's fulfillment leg.
type Result struct {
	OK           bool
	USDValue     float64
	PricingError string // set when OK is false
}

// Resolver looks up deBridge order status over HTTP, rate-limited to one
// request per second, and converts the take side into a USD value.
type Resolver struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	oracle     *pricing.Oracle
	endpoint   string
	chainID    uint64
}

func New(oracle *pricing.Oracle, chainID uint64) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		oracle:     oracle,
		endpoint:   statusEndpoint,
		chainID:    chainID,
	}
}

type orderStatusResponse struct {
	OrderID struct {
		StringValue string `json:"stringValue"`
	} `json:"orderId"`
	TakeOffer struct {
		ChainID struct {
			BigIntegerValue string `json:"bigIntegerValue"`
		} `json:"chainId"`
		TokenAddress struct {
			StringValue string `json:"stringValue"`
		} `json:"tokenAddress"`
		Amount struct {
			StringValue string `json:"stringValue"`
		} `json:"amount"`
	} `json:"takeOffer"`
}

// Resolve fetches the fulfillment status for orderID (bare hex, with or
// without a 0x prefix) and returns its USD value, or a PricingError tag
// explaining why none is available.
func (r *Resolver) Resolve(ctx context.Context, orderID string) Result {
	normalized := normalizeOrderID(orderID)

	body, status, err := r.fetchWithRetry(ctx, normalized)
	if err != nil {
		if errors.Is(err, errMaxRetriesExceeded) {
			return Result{PricingError: "max_retries_exceeded"}
		}
		return Result{PricingError: "request_failed"}
	}
	if status == http.StatusNotFound {
		return Result{PricingError: "order_not_found"}
	}
	if status < 200 || status >= 300 {
		return Result{PricingError: fmt.Sprintf("api_status_%d", status)}
	}

	var parsed orderStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{PricingError: "invalid_response"}
	}

	chainID, ok := new(big.Int).SetString(parsed.TakeOffer.ChainID.BigIntegerValue, 10)
	if !ok || chainID.Cmp(new(big.Int).SetUint64(r.chainID)) != 0 {
		return Result{PricingError: "not_solana"}
	}

	amount, ok := new(big.Int).SetString(parsed.TakeOffer.Amount.StringValue, 10)
	if !ok {
		return Result{PricingError: "invalid_response"}
	}
	if amount.Sign() == 0 {
		return Result{OK: true, USDValue: 0}
	}

	mint := pricing.AliasMint(parsed.TakeOffer.TokenAddress.StringValue)

	price, found, err := r.oracle.Price(ctx, mint)
	if err != nil {
		return Result{PricingError: "no_price"}
	}
	if !found {
		return Result{PricingError: "no_price"}
	}

	decimals, found, err := r.oracle.Decimals(ctx, mint)
	if err != nil {
		return Result{PricingError: "no_decimals"}
	}
	if !found {
		return Result{PricingError: "no_decimals"}
	}

	return Result{OK: true, USDValue: pricing.CalculateUSDValue(amount, decimals, price)}
}

func normalizeOrderID(orderID string) string {
	if strings.HasPrefix(orderID, "0x") {
		return orderID
	}
	return "0x" + orderID
}

// fetchWithRetry issues the status request, retrying transport failures and
// 429 responses with doubling backoff starting at baseDelay, up to
// maxRetries attempts.
func (r *Resolver) fetchWithRetry(ctx context.Context, orderID string) ([]byte, int, error) {
	delay := baseDelay

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}

		body, status, err := r.fetchOnce(ctx, orderID)
		if err == nil && status != http.StatusTooManyRequests {
			return body, status, nil
		}

		if attempt == maxRetries-1 {
			if err != nil {
				return nil, 0, fmt.Errorf("%w: %v", errMaxRetriesExceeded, err)
			}
			return nil, 0, fmt.Errorf("%w: status %d", errMaxRetriesExceeded, status)
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return nil, 0, errMaxRetriesExceeded
}

func (r *Resolver) fetchOnce(ctx context.Context, orderID string) ([]byte, int, error) {
	url := fmt.Sprintf(r.endpoint, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
