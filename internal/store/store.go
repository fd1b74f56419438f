// Package store provides durable persistence for wallets, the shared raw
// transaction cache, swap analysis inputs, analysis runs and their results.
// Two implementations exist: Postgres (production) and an in-memory store
// used by tests.
package store

import (
	"context"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
)

// RunCompletion carries everything persisted atomically when an analysis run
// succeeds: the per-token results, the wallet aggregates, and the run's
// terminal transition. Partial failures must not leave a RUNNING run behind
// with results already visible.
type RunCompletion struct {
	RunID         int64
	WalletAddress string
	InputCount    int
	Results       []domain.TokenResult
	Summary       domain.PnlSummary
	Behavior      domain.BehaviorProfile
}

// Page bounds a paginated read.
type Page struct {
	Limit  int
	Offset int
}

// Store is the persistence surface consumed by every other component.
// All batch inserts are effectively idempotent: unique keys plus
// insert-if-absent semantics, so retried jobs do not create duplicates.
type Store interface {
	// UpsertWallet creates the wallet row if absent and returns it.
	// Wallets are created lazily on first sync and never deleted.
	UpsertWallet(ctx context.Context, address string) (*domain.Wallet, error)

	// GetWallet returns the wallet or a not_found error.
	GetWallet(ctx context.Context, address string) (*domain.Wallet, error)

	// SetClassification persists an auto- or operator-assigned classification.
	SetClassification(ctx context.Context, address string, class domain.Classification) error

	// IncrementSyncCount bumps the wallet's completed-sync counter.
	IncrementSyncCount(ctx context.Context, address string) error

	// InsertSignaturesIfAbsent records the wallet↔signature associations
	// that define the wallet's stored history. Returns newly inserted count.
	InsertSignaturesIfAbsent(ctx context.Context, address string, sigs []domain.SignatureInfo) (int, error)

	// CountTransactions returns the wallet's stored history size.
	CountTransactions(ctx context.Context, address string) (int, error)

	// NewestSignature returns the most recent stored signature for the
	// wallet, or ok=false when the wallet has no history.
	NewestSignature(ctx context.Context, address string) (domain.SignatureInfo, bool, error)

	// OldestSignature returns the earliest stored signature for the wallet.
	OldestSignature(ctx context.Context, address string) (domain.SignatureInfo, bool, error)

	// InsertTransactionsIfAbsent writes parsed details to the shared raw
	// cache in one set-based statement. Duplicate signatures are dropped.
	InsertTransactionsIfAbsent(ctx context.Context, txs []domain.ParsedTransaction) (int, error)

	// GetCachedTransactions returns the cached subset of the given signatures.
	GetCachedTransactions(ctx context.Context, signatures []string) (map[string]domain.ParsedTransaction, error)

	// InsertSwapInputsIfAbsent writes mapper output; duplicates on the
	// (wallet, signature, direction, mint) tuple are silently dropped.
	InsertSwapInputsIfAbsent(ctx context.Context, inputs []domain.SwapAnalysisInput) (int, error)

	// GetSwapInputs returns the wallet's inputs inside the range, ordered by
	// block time ascending.
	GetSwapInputs(ctx context.Context, address string, window domain.TimeRange) ([]domain.SwapAnalysisInput, error)

	// StartAnalysisRun opens a RUNNING run and returns its id.
	StartAnalysisRun(ctx context.Context, address string, scope domain.Scope) (int64, error)

	// FinishAnalysisRun moves a run to a terminal state without touching
	// results. Used on the failure path.
	FinishAnalysisRun(ctx context.Context, runID int64, state domain.RunState, inputCount int) error

	// CompleteAnalysisRun atomically upserts results, summary and behavior
	// profile, marks the run COMPLETED, and advances the wallet's
	// lastAnalyzedAt. The summary's lastAnalyzedAt is only advanced here,
	// after results are persisted.
	CompleteAnalysisRun(ctx context.Context, completion RunCompletion) error

	// LatestSuccessfulRun returns the newest COMPLETED run for the scope,
	// or nil when none exists.
	LatestSuccessfulRun(ctx context.Context, address string, scope domain.Scope) (*domain.AnalysisRun, error)

	// ReclaimStaleRuns marks RUNNING runs older than the threshold FAILED.
	// Returns the number reclaimed.
	ReclaimStaleRuns(ctx context.Context, olderThan time.Duration) (int, error)

	// GetPnlSummary returns the wallet's aggregate snapshot, or a not_found
	// error when the wallet has never completed a run.
	GetPnlSummary(ctx context.Context, address string) (*domain.PnlSummary, error)

	// GetBehaviorProfile returns the wallet's behavior snapshot.
	GetBehaviorProfile(ctx context.Context, address string) (*domain.BehaviorProfile, error)

	// GetTokenResults returns the wallet's per-token rows, most recent
	// trade first.
	GetTokenResults(ctx context.Context, address string, page Page) ([]domain.TokenResult, error)

	// RecentMints returns the distinct mints most recently traded by the
	// wallet, newest first, for enrichment chaining.
	RecentMints(ctx context.Context, address string, limit int) ([]string, error)

	// UpsertTokenMetadata writes enrichment results.
	UpsertTokenMetadata(ctx context.Context, metadata []domain.TokenMetadata) error

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
}
