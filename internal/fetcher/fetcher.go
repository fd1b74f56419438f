package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/walletscope/walletscope/internal/cache"
	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/observability"
)

// DefaultDetailWorkers is the fan-out for parsed-detail fetches.
const DefaultDetailWorkers = 3

// Provider is the slice of the provider client the fetcher consumes.
type Provider interface {
	GetSignatures(ctx context.Context, address string, limit int, before, until string) ([]domain.SignatureInfo, error)
	GetParsedTransactions(ctx context.Context, signatures []string) ([]domain.ParsedTransaction, error)
}

// DetailStore is the slice of the store the fetcher consumes: the shared
// raw-transaction cache.
type DetailStore interface {
	GetCachedTransactions(ctx context.Context, signatures []string) (map[string]domain.ParsedTransaction, error)
	InsertTransactionsIfAbsent(ctx context.Context, txs []domain.ParsedTransaction) (int, error)
}

// Fetcher pulls signature listings and parsed details from the provider,
// deduplicating against the in-process LRU and the durable cache first.
type Fetcher struct {
	provider      Provider
	store         DetailStore
	detailCache   *cache.DetailLRU
	detailWorkers int
	pageSize      int
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// Options configures a Fetcher.
type Options struct {
	Provider      Provider
	Store         DetailStore
	DetailCache   *cache.DetailLRU
	DetailWorkers int
	PageSize      int
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.DetailWorkers <= 0 {
		opts.DetailWorkers = DefaultDetailWorkers
	}

	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	if opts.DetailCache == nil {
		opts.DetailCache = cache.NewDetailLRU(cache.DefaultDetailCacheSize)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Fetcher{
		provider:      opts.Provider,
		store:         opts.Store,
		detailCache:   opts.DetailCache,
		detailWorkers: opts.DetailWorkers,
		pageSize:      opts.PageSize,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// FetchSignatures pages through the wallet's signature listing, newest first,
// and returns at most limit entries. before and until are exclusive cursors
// bounding the listing on either side.
func (f *Fetcher) FetchSignatures(ctx context.Context, address string, limit int, before, until string) ([]domain.SignatureInfo, error) {
	var collected []domain.SignatureInfo

	cursor := before

	for limit <= 0 || len(collected) < limit {
		pageLimit := f.pageSize
		if limit > 0 && limit-len(collected) < pageLimit {
			pageLimit = limit - len(collected)
		}

		page, err := f.provider.GetSignatures(ctx, address, pageLimit, cursor, until)
		if err != nil {
			return collected, err
		}

		if len(page) == 0 {
			break
		}

		collected = append(collected, page...)
		cursor = page[len(page)-1].Signature

		// A short page means the listing is exhausted.
		if len(page) < pageLimit {
			break
		}
	}

	if limit > 0 && len(collected) > limit {
		collected = collected[:limit]
	}

	return collected, nil
}

// FetchParsedDetails resolves parsed details for the given signatures.
// Resolution order: in-process LRU, durable cache, then the provider with a
// bounded worker pool. Provider successes are written back to both caches.
// Partial provider failures keep the successes; the first error is returned
// alongside everything that resolved.
func (f *Fetcher) FetchParsedDetails(ctx context.Context, signatures []string) (map[string]domain.ParsedTransaction, error) {
	resolved, missing := f.detailCache.GetMulti(signatures)
	f.recordCacheLookups("memory_hit", len(resolved))

	if len(missing) == 0 {
		return resolved, nil
	}

	cached, err := f.store.GetCachedTransactions(ctx, missing)
	if err != nil {
		return resolved, err
	}

	f.recordCacheLookups("store_hit", len(cached))

	remaining := make([]string, 0, len(missing)-len(cached))

	for _, sig := range missing {
		tx, ok := cached[sig]
		if ok {
			resolved[sig] = tx
			f.detailCache.Put(tx)

			continue
		}

		remaining = append(remaining, sig)
	}

	f.recordCacheLookups("miss", len(remaining))

	if len(remaining) == 0 {
		return resolved, nil
	}

	fetched, fetchErr := f.fetchFromProvider(ctx, remaining)

	if len(fetched) > 0 {
		f.detailCache.PutMulti(fetched)

		_, insertErr := f.store.InsertTransactionsIfAbsent(ctx, fetched)
		if insertErr != nil {
			f.logger.Error("cache write-back failed", "count", len(fetched), "error", insertErr)

			if fetchErr == nil {
				fetchErr = insertErr
			}
		}

		for _, tx := range fetched {
			resolved[tx.Signature] = tx
		}
	}

	return resolved, fetchErr
}

// fetchFromProvider fans detail batches out to the worker pool. The returned
// error is the first batch failure; successes from other batches survive.
func (f *Fetcher) fetchFromProvider(ctx context.Context, signatures []string) ([]domain.ParsedTransaction, error) {
	batches := make(chan []string)

	var (
		mu       sync.Mutex
		fetched  []domain.ParsedTransaction
		firstErr error
		wg       sync.WaitGroup
	)

	for range f.detailWorkers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for batch := range batches {
				txs, err := f.provider.GetParsedTransactions(ctx, batch)

				mu.Lock()

				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					fetched = append(fetched, txs...)
				}

				mu.Unlock()
			}
		}()
	}

	for start := 0; start < len(signatures); start += detailBatchSize {
		end := min(start+detailBatchSize, len(signatures))
		batches <- signatures[start:end]
	}

	close(batches)
	wg.Wait()

	return fetched, firstErr
}

func (f *Fetcher) recordCacheLookups(result string, n int) {
	if f.metrics == nil || n == 0 {
		return
	}

	f.metrics.CacheLookups.WithLabelValues(result).Add(float64(n))
}

// IsRetryable reports whether a fetch error is worth retrying at the job
// level. Invalid-input rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tagged *domain.Error
	if errors.As(err, &tagged) {
		return tagged.Kind.IsTransient()
	}

	return true
}
