// Package pricing implements the PriceOracle: mint-to-USD-price and
// mint-to-decimals lookups layered over an in-process cache and a shared KV
// cache, then (for decimals only) a hard-coded known-mint table and a direct
// on-chain account read de-duplicated by singleflight.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	priceTTL       = 10 * time.Minute
	mintAccountLen = 45
	decimalsOffset = 44
)

// AccountReader is the narrow on-chain capability the oracle needs for its
// decimals fallback; satisfied by chainclient.Client.
type AccountReader interface {
	GetAccountData(ctx context.Context, address string) ([]byte, error)
}

var knownDecimals = map[string]int{
	WrappedSOLMint:                             9,
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": 6, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": 6, // USDT
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": 5, // BONK
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  6, // JUP
}

type cachedPrice struct {
	value     float64
	expiresAt time.Time
}

// Oracle is the PriceOracle capability set.
type Oracle struct {
	apiKey     string
	httpClient *http.Client
	chain      AccountReader
	redis      *redis.Client

	priceMu    sync.RWMutex
	priceCache map[string]cachedPrice

	decimalsMu    sync.RWMutex
	decimalsCache map[string]int

	inFlight singleflight.Group
}

func New(apiKey string, chain AccountReader, redisURL string) (*Oracle, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	return &Oracle{
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		chain:         chain,
		redis:         redis.NewClient(opts),
		priceCache:    make(map[string]cachedPrice),
		decimalsCache: make(map[string]int),
	}, nil
}

// Price returns the USD price for mint, or (0, false, nil) if no price is
// available from any source. An error is returned for cache-store failures
// and for request-setup or context errors, never for "no price found".
func (o *Oracle) Price(ctx context.Context, mint string) (float64, bool, error) {
	mint = AliasMint(mint)
	cacheKey := "solana:" + mint

	if price, ok := o.priceFromMemory(cacheKey); ok {
		return price, true, nil
	}

	if price, ok, err := o.priceFromRedis(ctx, cacheKey); err != nil {
		return 0, false, err
	} else if ok {
		o.storePriceInMemory(cacheKey, price)
		return price, true, nil
	}

	price, ok, err := o.fetchPriceFromProvider(ctx, mint)
	if err != nil || !ok {
		return 0, false, err
	}

	o.storePriceInMemory(cacheKey, price)
	if err := o.redis.SetEx(ctx, "price:"+cacheKey, fmt.Sprintf("%g", price), priceTTL).Err(); err != nil {
		return price, true, fmt.Errorf("write price cache: %w", err)
	}
	return price, true, nil
}

func (o *Oracle) priceFromMemory(cacheKey string) (float64, bool) {
	o.priceMu.RLock()
	defer o.priceMu.RUnlock()
	entry, ok := o.priceCache[cacheKey]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.value, true
}

func (o *Oracle) storePriceInMemory(cacheKey string, price float64) {
	o.priceMu.Lock()
	defer o.priceMu.Unlock()
	o.priceCache[cacheKey] = cachedPrice{value: price, expiresAt: time.Now().Add(priceTTL)}
}

func (o *Oracle) priceFromRedis(ctx context.Context, cacheKey string) (float64, bool, error) {
	raw, err := o.redis.Get(ctx, "price:"+cacheKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read price cache: %w", err)
	}
	var price float64
	if _, err := fmt.Sscanf(raw, "%g", &price); err != nil {
		return 0, false, nil
	}
	return price, true, nil
}

type jupiterPriceEntry struct {
	USDPrice float64 `json:"usdPrice"`
}

// fetchPriceFromProvider calls the external price service, making up to 3
// attempts in all while it gets 429s, with exponential backoff starting at
// 500ms between them. Non-ok or
// no-data responses are reported as "absent" (ok=false), not an error.
func (o *Oracle) fetchPriceFromProvider(ctx context.Context, mint string) (float64, bool, error) {
	const maxAttempts = 3
	delay := 500 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		price, ok, retry, err := o.requestPriceOnce(ctx, mint)
		if err != nil {
			return 0, false, err
		}
		if !retry {
			return price, ok, nil
		}
		if attempt == maxAttempts-1 {
			return 0, false, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, false, nil
}

func (o *Oracle) requestPriceOnce(ctx context.Context, mint string) (price float64, ok bool, retry bool, err error) {
	url := "https://api.jup.ag/price/v3?ids=" + mint
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if reqErr != nil {
		return 0, false, false, reqErr
	}
	req.Header.Set("x-api-key", o.apiKey)

	resp, httpErr := o.httpClient.Do(req)
	if httpErr != nil {
		return 0, false, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, false, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false, false, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return 0, false, false, nil
	}

	var parsed map[string]jupiterPriceEntry
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false, false, nil
	}
	entry, found := parsed[mint]
	if !found {
		return 0, false, false, nil
	}
	return entry.USDPrice, true, false, nil
}

// Decimals returns the decimals for mint, or (0, false, nil) when unknown
// from every source (in-process cache, shared KV, known-mint table, and
// on-chain account read).
func (o *Oracle) Decimals(ctx context.Context, mint string) (int, bool, error) {
	mint = AliasMint(mint)
	cacheKey := "solana:" + mint

	if decimals, ok := o.decimalsFromMemory(cacheKey); ok {
		return decimals, true, nil
	}

	if decimals, ok, err := o.decimalsFromRedis(ctx, cacheKey); err != nil {
		return 0, false, err
	} else if ok {
		o.storeDecimalsInMemory(cacheKey, decimals)
		return decimals, true, nil
	}

	if decimals, ok := knownDecimals[mint]; ok {
		o.storeDecimalsInMemory(cacheKey, decimals)
		if err := o.redis.Set(ctx, "decimals:"+cacheKey, decimals, 0).Err(); err != nil {
			return decimals, true, fmt.Errorf("write decimals cache: %w", err)
		}
		return decimals, true, nil
	}

	decimals, ok, err := o.decimalsFromChain(ctx, mint)
	if err != nil || !ok {
		return 0, false, err
	}

	o.storeDecimalsInMemory(cacheKey, decimals)
	if err := o.redis.Set(ctx, "decimals:"+cacheKey, decimals, 0).Err(); err != nil {
		return decimals, true, fmt.Errorf("write decimals cache: %w", err)
	}
	return decimals, true, nil
}

func (o *Oracle) decimalsFromMemory(cacheKey string) (int, bool) {
	o.decimalsMu.RLock()
	defer o.decimalsMu.RUnlock()
	decimals, ok := o.decimalsCache[cacheKey]
	return decimals, ok
}

func (o *Oracle) storeDecimalsInMemory(cacheKey string, decimals int) {
	o.decimalsMu.Lock()
	defer o.decimalsMu.Unlock()
	o.decimalsCache[cacheKey] = decimals
}

func (o *Oracle) decimalsFromRedis(ctx context.Context, cacheKey string) (int, bool, error) {
	raw, err := o.redis.Get(ctx, "decimals:"+cacheKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read decimals cache: %w", err)
	}
	var decimals int
	if _, err := fmt.Sscanf(raw, "%d", &decimals); err != nil {
		return 0, false, nil
	}
	return decimals, true, nil
}

// decimalsFromChain reads the mint account and extracts the decimals byte at
// a fixed offset, de-duplicating concurrent requests for the same mint so
// at most one on-chain fetch is in flight at a time.
func (o *Oracle) decimalsFromChain(ctx context.Context, mint string) (int, bool, error) {
	result, err, _ := o.inFlight.Do(mint, func() (any, error) {
		data, err := o.chain.GetAccountData(ctx, mint)
		if err != nil {
			return nil, err
		}
		if len(data) < mintAccountLen {
			return -1, nil
		}
		return int(data[decimalsOffset]), nil
	})
	if err != nil {
		return 0, false, err
	}
	decimals := result.(int)
	if decimals < 0 {
		return 0, false, nil
	}
	return decimals, true, nil
}

// Close releases the shared KV client.
func (o *Oracle) Close() error {
	return o.redis.Close()
}
