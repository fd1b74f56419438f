// Package classifier assigns wallet classifications from stored history
// density. Classification gates how deep smart fetch is allowed to go:
// high-frequency wallets get a capped signature target so bot wallets do not
// monopolize the provider budget.
package classifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/store"
)

// DefaultHighFrequencyTxPerDay is the density threshold above which a wallet
// is classified high_frequency. 500/day cleanly separates bot-operated
// wallets in observed data; the value is a config knob.
const DefaultHighFrequencyTxPerDay = 500.0

// DefaultHighFrequencyCap caps the effective signature target for
// high-frequency wallets.
const DefaultHighFrequencyCap = 1000

// DefaultMinObservedTx is the minimum stored history before density
// classification is attempted.
const DefaultMinObservedTx = 50

// Classifier computes and persists wallet classifications.
type Classifier struct {
	store     store.Store
	threshold float64
	cap       int
	minTx     int
	logger    *slog.Logger
}

// Options configures a Classifier. Zero values fall back to the defaults.
type Options struct {
	Store                 store.Store
	HighFrequencyTxPerDay float64
	HighFrequencyCap      int
	MinObservedTx         int
	Logger                *slog.Logger
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	if opts.HighFrequencyTxPerDay <= 0 {
		opts.HighFrequencyTxPerDay = DefaultHighFrequencyTxPerDay
	}

	if opts.HighFrequencyCap <= 0 {
		opts.HighFrequencyCap = DefaultHighFrequencyCap
	}

	if opts.MinObservedTx <= 0 {
		opts.MinObservedTx = DefaultMinObservedTx
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Classifier{
		store:     opts.Store,
		threshold: opts.HighFrequencyTxPerDay,
		cap:       opts.HighFrequencyCap,
		minTx:     opts.MinObservedTx,
		logger:    opts.Logger,
	}
}

// Classify computes the wallet's classification from stored history density
// and persists it. Restricted wallets are never reclassified. Wallets with
// too little observed history keep their current classification.
func (c *Classifier) Classify(ctx context.Context, address string) (domain.Classification, error) {
	wallet, err := c.store.GetWallet(ctx, address)
	if err != nil {
		return domain.ClassUnknown, err
	}

	if wallet.Classification == domain.ClassRestricted {
		return domain.ClassRestricted, nil
	}

	count, countErr := c.store.CountTransactions(ctx, address)
	if countErr != nil {
		return wallet.Classification, countErr
	}

	if count < c.minTx {
		return wallet.Classification, nil
	}

	newest, haveNewest, newestErr := c.store.NewestSignature(ctx, address)
	if newestErr != nil {
		return wallet.Classification, newestErr
	}

	oldest, haveOldest, oldestErr := c.store.OldestSignature(ctx, address)
	if oldestErr != nil {
		return wallet.Classification, oldestErr
	}

	if !haveNewest || !haveOldest {
		return wallet.Classification, nil
	}

	density := Density(count, oldest.BlockTime, newest.BlockTime)

	class := domain.ClassNormal
	if density > c.threshold {
		class = domain.ClassHighFrequency
	}

	if class == wallet.Classification {
		return class, nil
	}

	setErr := c.store.SetClassification(ctx, address, class)
	if setErr != nil {
		return wallet.Classification, setErr
	}

	c.logger.Info("wallet reclassified",
		"wallet", address, "class", class, "tx_per_day", density, "observed", count)

	return class, nil
}

// CapTarget bounds a signature target by the classification. Only
// high-frequency wallets are capped.
func (c *Classifier) CapTarget(class domain.Classification, target int) int {
	if class == domain.ClassHighFrequency && target > c.cap {
		return c.cap
	}

	return target
}

// Density computes average transactions per day over the observed span.
// Spans shorter than a day count as one day so fresh bursts do not produce
// absurd rates.
func Density(count int, oldest, newest time.Time) float64 {
	spanDays := newest.Sub(oldest).Hours() / 24
	if spanDays < 1 {
		spanDays = 1
	}

	return float64(count) / spanDays
}
