package fetcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/cache"
	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/fetcher"
	"github.com/walletscope/walletscope/internal/store"
)

const testWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func newTestClient(t *testing.T, handler http.Handler) *fetcher.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return fetcher.NewClient(fetcher.ClientOptions{
		BaseURL: server.URL,
		APIKey:  "test-key",
		RPS:     1000,
	})
}

func TestClientRetriesOn429ThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		assert.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"signature": "sig-1", "slot": 100, "blockTime": 1700000000},
		})
	}))

	sigs, err := client.GetSignatures(context.Background(), testWallet, 10, "", "")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "sig-1", sigs[0].Signature)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientExhaustedRetriesReportRateLimited(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.GetSignatures(context.Background(), testWallet, 10, "", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
}

func TestClientServerErrorsReportExternalUnavailable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.GetParsedTransactions(context.Background(), []string{"sig-1"})
	require.Error(t, err)
	assert.Equal(t, domain.KindExternalUnavailable, domain.KindOf(err))
}

func TestClientRejectionFailsFast(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.GetSignatures(context.Background(), testWallet, 10, "", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

// fakeProvider serves scripted signature pages and parsed details.
type fakeProvider struct {
	pages        [][]domain.SignatureInfo
	pageCalls    int
	details      map[string]domain.ParsedTransaction
	detailCalls  atomic.Int32
	detailErr    error
	detailErrFor map[string]bool
}

func (f *fakeProvider) GetSignatures(_ context.Context, _ string, _ int, _, _ string) ([]domain.SignatureInfo, error) {
	if f.pageCalls >= len(f.pages) {
		return nil, nil
	}

	page := f.pages[f.pageCalls]
	f.pageCalls++

	return page, nil
}

func (f *fakeProvider) GetParsedTransactions(_ context.Context, signatures []string) ([]domain.ParsedTransaction, error) {
	f.detailCalls.Add(1)

	for _, sig := range signatures {
		if f.detailErrFor[sig] {
			return nil, f.detailErr
		}
	}

	txs := make([]domain.ParsedTransaction, 0, len(signatures))

	for _, sig := range signatures {
		if tx, ok := f.details[sig]; ok {
			txs = append(txs, tx)
		}
	}

	return txs, nil
}

func sigPage(start, n int) []domain.SignatureInfo {
	page := make([]domain.SignatureInfo, n)
	for i := range page {
		page[i] = domain.SignatureInfo{Signature: fmt.Sprintf("sig-%d", start+i), Slot: uint64(start + i)}
	}

	return page
}

func TestFetchSignaturesPagesUpToLimit(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{pages: [][]domain.SignatureInfo{
		sigPage(0, 100),
		sigPage(100, 100),
		sigPage(200, 100),
	}}

	f := fetcher.New(fetcher.Options{
		Provider: provider,
		Store:    store.NewMemoryStore(),
		PageSize: 100,
	})

	sigs, err := f.FetchSignatures(context.Background(), testWallet, 250, "", "")
	require.NoError(t, err)
	assert.Len(t, sigs, 250, "hard cap at the requested limit")
	assert.Equal(t, 3, provider.pageCalls)
}

func TestFetchSignaturesStopsOnShortPage(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{pages: [][]domain.SignatureInfo{
		sigPage(0, 100),
		sigPage(100, 7),
	}}

	f := fetcher.New(fetcher.Options{
		Provider: provider,
		Store:    store.NewMemoryStore(),
		PageSize: 100,
	})

	sigs, err := f.FetchSignatures(context.Background(), testWallet, 1000, "", "")
	require.NoError(t, err)
	assert.Len(t, sigs, 107)
	assert.Equal(t, 2, provider.pageCalls)
}

func TestFetchParsedDetailsUsesCachesBeforeProvider(t *testing.T) {
	t.Parallel()

	memStore := store.NewMemoryStore()
	_, err := memStore.InsertTransactionsIfAbsent(context.Background(), []domain.ParsedTransaction{
		{Signature: "sig-cached", Type: domain.TxTypeSwap},
	})
	require.NoError(t, err)

	lru := cache.NewDetailLRU(16)
	lru.Put(domain.ParsedTransaction{Signature: "sig-hot", Type: domain.TxTypeSwap})

	provider := &fakeProvider{details: map[string]domain.ParsedTransaction{
		"sig-fresh": {Signature: "sig-fresh", Type: domain.TxTypeSwap},
	}}

	f := fetcher.New(fetcher.Options{
		Provider:    provider,
		Store:       memStore,
		DetailCache: lru,
	})

	resolved, err := f.FetchParsedDetails(context.Background(),
		[]string{"sig-hot", "sig-cached", "sig-fresh"})
	require.NoError(t, err)
	assert.Len(t, resolved, 3)
	assert.Equal(t, int32(1), provider.detailCalls.Load(), "only the miss reaches the provider")

	// The provider result must be written back to the durable cache.
	cached, err := memStore.GetCachedTransactions(context.Background(), []string{"sig-fresh"})
	require.NoError(t, err)
	assert.Contains(t, cached, "sig-fresh")
}

func TestFetchParsedDetailsPartialFailureKeepsSuccesses(t *testing.T) {
	t.Parallel()

	details := make(map[string]domain.ParsedTransaction)
	signatures := make([]string, 0, 150)

	for i := range 150 {
		sig := fmt.Sprintf("sig-%d", i)
		signatures = append(signatures, sig)
		details[sig] = domain.ParsedTransaction{Signature: sig, Type: domain.TxTypeSwap}
	}

	provider := &fakeProvider{
		details:      details,
		detailErr:    domain.Errorf(domain.KindExternalUnavailable, "provider down"),
		detailErrFor: map[string]bool{"sig-149": true},
	}

	f := fetcher.New(fetcher.Options{
		Provider:      provider,
		Store:         store.NewMemoryStore(),
		DetailWorkers: 2,
	})

	resolved, err := f.FetchParsedDetails(context.Background(), signatures)
	require.Error(t, err)
	assert.Equal(t, domain.KindExternalUnavailable, domain.KindOf(err))
	assert.Len(t, resolved, 100, "the successful batch survives the failed one")
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, fetcher.IsRetryable(domain.Errorf(domain.KindRateLimited, "throttled")))
	assert.False(t, fetcher.IsRetryable(domain.Errorf(domain.KindInvalidInput, "bad address")))
	assert.False(t, fetcher.IsRetryable(nil))
}
