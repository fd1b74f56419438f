// Package fetcher talks to the external Solana enrichment provider and fills
// the raw transaction cache. All provider traffic flows through one token
// bucket so concurrent jobs share the account's rate allowance.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/observability"
)

// DefaultPageSize is the signature page size requested from the provider.
const DefaultPageSize = 100

// DefaultMaxRetries bounds internal retries per provider call.
const DefaultMaxRetries = 3

// retryBaseDelay is the first backoff step; it doubles per attempt.
const retryBaseDelay = 500 * time.Millisecond

// detailBatchSize is the number of signatures per parsed-detail request.
const detailBatchSize = 100

// signatureEntry is the provider's wire shape for one signature listing row.
type signatureEntry struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"blockTime"`
}

// tokenMetadataEntry is the provider's wire shape for mint metadata.
type tokenMetadataEntry struct {
	Mint     string  `json:"mint"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	PriceUSD float64 `json:"priceUsd"`
}

// Client is the HTTP client for the enrichment provider. Every request waits
// on the shared limiter before leaving the process.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// ClientOptions configures a provider client.
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	RPS        float64
	MaxRetries int
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// NewClient creates a provider client with a shared token bucket.
func NewClient(opts ClientOptions) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 10
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(opts.RPS), int(opts.RPS)),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// GetSignatures fetches one page of the wallet's signature listing, newest
// first. before and until are exclusive signature cursors; empty means
// unbounded on that side.
func (c *Client) GetSignatures(ctx context.Context, address string, limit int, before, until string) ([]domain.SignatureInfo, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	if before != "" {
		query.Set("before", before)
	}

	if until != "" {
		query.Set("until", until)
	}

	endpoint := fmt.Sprintf("%s/v0/addresses/%s/signatures", c.baseURL, url.PathEscape(address))

	var entries []signatureEntry

	err := c.do(ctx, "signatures", http.MethodGet, endpoint, query, nil, &entries)
	if err != nil {
		return nil, err
	}

	sigs := make([]domain.SignatureInfo, 0, len(entries))
	for _, entry := range entries {
		sigs = append(sigs, domain.SignatureInfo{
			Signature: entry.Signature,
			Slot:      entry.Slot,
			BlockTime: time.Unix(entry.BlockTime, 0).UTC(),
		})
	}

	return sigs, nil
}

// GetParsedTransactions fetches parsed details for up to detailBatchSize
// signatures in one request.
func (c *Client) GetParsedTransactions(ctx context.Context, signatures []string) ([]domain.ParsedTransaction, error) {
	if len(signatures) == 0 {
		return nil, nil
	}

	body := map[string]any{"transactions": signatures}
	endpoint := c.baseURL + "/v0/transactions"

	var txs []domain.ParsedTransaction

	err := c.do(ctx, "parsed_transactions", http.MethodPost, endpoint, nil, body, &txs)
	if err != nil {
		return nil, err
	}

	return txs, nil
}

// GetTokenMetadata fetches metadata for the given mints.
func (c *Client) GetTokenMetadata(ctx context.Context, mints []string) ([]domain.TokenMetadata, error) {
	if len(mints) == 0 {
		return nil, nil
	}

	body := map[string]any{"mintAccounts": mints}
	endpoint := c.baseURL + "/v0/token-metadata"

	var entries []tokenMetadataEntry

	err := c.do(ctx, "token_metadata", http.MethodPost, endpoint, nil, body, &entries)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	metadata := make([]domain.TokenMetadata, 0, len(entries))

	for _, entry := range entries {
		metadata = append(metadata, domain.TokenMetadata{
			Mint:      entry.Mint,
			Symbol:    entry.Symbol,
			Name:      entry.Name,
			PriceUSD:  entry.PriceUSD,
			UpdatedAt: now,
		})
	}

	return metadata, nil
}

// do executes one provider call with rate limiting and bounded retries.
// Retryable outcomes are network errors, 5xx and 429; 4xx other than 429
// fails immediately.
func (c *Client) do(ctx context.Context, operation, method, endpoint string, query url.Values, body, out any) error {
	var lastErr error

	for attempt := range c.maxRetries {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)

			select {
			case <-ctx.Done():
				return domain.WrapError(domain.KindExternalUnavailable, ctx.Err(), "provider call canceled")
			case <-time.After(delay):
			}
		}

		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return domain.WrapError(domain.KindExternalUnavailable, waitErr, "provider rate wait canceled")
		}

		retryable, err := c.attempt(ctx, operation, method, endpoint, query, body, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !retryable {
			return err
		}

		c.logger.Warn("provider call failed, retrying",
			"operation", operation, "attempt", attempt+1, "error", err)
	}

	if domain.KindOf(lastErr) == domain.KindRateLimited {
		return lastErr
	}

	return domain.WrapError(domain.KindExternalUnavailable,
		lastErr, fmt.Sprintf("provider %s exhausted %d attempts", operation, c.maxRetries))
}

func (c *Client) attempt(ctx context.Context, operation, method, endpoint string, query url.Values, body, out any) (retryable bool, err error) {
	started := time.Now()

	defer func() {
		if c.metrics == nil {
			return
		}

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}

		c.metrics.ProviderRequests.WithLabelValues(operation, outcome).Inc()
		c.metrics.ProviderLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}()

	if query == nil {
		query = url.Values{}
	}

	if c.apiKey != "" {
		query.Set("api-key", c.apiKey)
	}

	var reader io.Reader

	if body != nil {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return false, fmt.Errorf("encode provider request: %w", marshalErr)
		}

		reader = bytes.NewReader(encoded)
	}

	requestURL := endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, reqErr := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if reqErr != nil {
		return false, fmt.Errorf("build provider request: %w", reqErr)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return true, domain.WrapError(domain.KindExternalUnavailable, doErr, "provider request failed")
	}

	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, domain.Errorf(domain.KindRateLimited, "provider throttled %s", operation)
	case resp.StatusCode >= 500:
		return true, domain.Errorf(domain.KindExternalUnavailable, "provider %s returned %d", operation, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return false, domain.Errorf(domain.KindInvalidInput, "provider %s rejected request: %d %s", operation, resp.StatusCode, payload)
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return true, domain.WrapError(domain.KindExternalUnavailable, decodeErr, "decode provider response")
	}

	return false, nil
}
