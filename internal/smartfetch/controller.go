package smartfetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/store"
)

// FetchClient is the slice of the fetcher the controller consumes.
type FetchClient interface {
	FetchSignatures(ctx context.Context, address string, limit int, before, until string) ([]domain.SignatureInfo, error)
	FetchParsedDetails(ctx context.Context, signatures []string) (map[string]domain.ParsedTransaction, error)
}

// TargetCapper bounds a signature target by the wallet's classification.
type TargetCapper interface {
	CapTarget(class domain.Classification, target int) int
}

// Result reports what one controller pass accomplished.
type Result struct {
	// NewFetched is the number of signatures fetched newer than stored history.
	NewFetched int
	// OlderFetched is the number of signatures fetched older than stored history.
	OlderFetched int
	// FinalStoreCount is the wallet's stored history size after the pass.
	FinalStoreCount int
}

// Controller runs the two-phase fetch: Phase Newer catches up from the
// newest stored signature forward, Phase Older backfills from the oldest
// stored signature until the target count or the listing end.
type Controller struct {
	fetch  FetchClient
	store  store.Store
	capper TargetCapper
	logger *slog.Logger
}

// NewController creates a Controller.
func NewController(fetch FetchClient, st store.Store, capper TargetCapper, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{fetch: fetch, store: st, capper: capper, logger: logger}
}

// Fetch fills the wallet's stored history toward targetCount. since bounds
// Phase Older: signatures before it are not fetched. A zero since means
// unbounded backfill.
func (c *Controller) Fetch(ctx context.Context, address string, targetCount int, since time.Time) (Result, error) {
	var result Result

	wallet, err := c.store.GetWallet(ctx, address)
	if err != nil {
		return result, err
	}

	if c.capper != nil {
		targetCount = c.capper.CapTarget(wallet.Classification, targetCount)
	}

	newFetched, newerErr := c.phaseNewer(ctx, address)
	result.NewFetched = newFetched

	if newerErr != nil {
		return c.finish(ctx, address, result, newerErr)
	}

	count, countErr := c.store.CountTransactions(ctx, address)
	if countErr != nil {
		return c.finish(ctx, address, result, countErr)
	}

	if remaining := targetCount - count; remaining > 0 {
		olderFetched, olderErr := c.phaseOlder(ctx, address, remaining, since)
		result.OlderFetched = olderFetched

		if olderErr != nil {
			return c.finish(ctx, address, result, olderErr)
		}
	}

	return c.finish(ctx, address, result, nil)
}

// finish stamps the final store count onto the result, preserving the
// original error if one is pending.
func (c *Controller) finish(ctx context.Context, address string, result Result, pending error) (Result, error) {
	count, err := c.store.CountTransactions(ctx, address)
	if err == nil {
		result.FinalStoreCount = count
	}

	if pending != nil {
		return result, pending
	}

	return result, err
}

// phaseNewer fetches everything newer than the newest stored signature.
// For a wallet with no history this fetches nothing; Phase Older does the
// initial fill so the target bound applies.
func (c *Controller) phaseNewer(ctx context.Context, address string) (int, error) {
	newest, ok, err := c.store.NewestSignature(ctx, address)
	if err != nil || !ok {
		return 0, err
	}

	sigs, fetchErr := c.fetch.FetchSignatures(ctx, address, 0, "", newest.Signature)
	if fetchErr != nil {
		return 0, fetchErr
	}

	if len(sigs) == 0 {
		return 0, nil
	}

	processErr := c.process(ctx, address, sigs)
	if processErr != nil {
		return 0, processErr
	}

	return len(sigs), nil
}

// phaseOlder backfills up to remaining signatures before the oldest stored
// one, never crossing since.
func (c *Controller) phaseOlder(ctx context.Context, address string, remaining int, since time.Time) (int, error) {
	var before string

	oldest, ok, err := c.store.OldestSignature(ctx, address)
	if err != nil {
		return 0, err
	}

	if ok {
		before = oldest.Signature
	}

	sigs, fetchErr := c.fetch.FetchSignatures(ctx, address, remaining, before, "")
	if fetchErr != nil {
		return 0, fetchErr
	}

	if !since.IsZero() {
		bounded := sigs[:0]

		for _, sig := range sigs {
			if sig.BlockTime.Before(since) {
				break
			}

			bounded = append(bounded, sig)
		}

		sigs = bounded
	}

	if len(sigs) == 0 {
		return 0, nil
	}

	processErr := c.process(ctx, address, sigs)
	if processErr != nil {
		return 0, processErr
	}

	return len(sigs), nil
}

// process resolves details for a signature batch, maps them, and persists
// both the associations and the mapped inputs. Every write is
// insert-if-absent, so reprocessing a batch is harmless.
func (c *Controller) process(ctx context.Context, address string, sigs []domain.SignatureInfo) error {
	_, insertErr := c.store.InsertSignaturesIfAbsent(ctx, address, sigs)
	if insertErr != nil {
		return insertErr
	}

	signatures := make([]string, len(sigs))
	for i, sig := range sigs {
		signatures[i] = sig.Signature
	}

	details, fetchErr := c.fetch.FetchParsedDetails(ctx, signatures)
	if fetchErr != nil {
		return fetchErr
	}

	txs := make([]domain.ParsedTransaction, 0, len(details))
	for _, sig := range signatures {
		if tx, ok := details[sig]; ok {
			txs = append(txs, tx)
		}
	}

	inputs, stats := MapTransactions(address, txs)

	c.logger.Debug("mapped transaction batch",
		"wallet", address, "batch", len(txs), "swaps", stats.Swaps,
		"transfers", stats.Transfers, "skipped", stats.Skipped)

	if len(inputs) == 0 {
		return nil
	}

	_, swapErr := c.store.InsertSwapInputsIfAbsent(ctx, inputs)

	return swapErr
}
