// Package jobs wires the queue handlers: wallet sync, dashboard analysis,
// pairwise similarity and token enrichment. Handlers translate job payloads
// into calls on the underlying services and shape the result blobs clients
// read back through the control plane.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/walletscope/walletscope/internal/analyzers"
	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/lock"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/scheduler"
	"github.com/walletscope/walletscope/internal/smartfetch"
	"github.com/walletscope/walletscope/internal/store"
	"github.com/walletscope/walletscope/pkg/solana"
)

// Job timeout budgets by kind. Analyze budgets come from the scope instead.
const (
	SyncTimeout              = 10 * time.Minute
	DefaultSimilarityTimeout = 30 * time.Minute
	EnrichTimeout            = 5 * time.Minute
)

// defaultSyncLockTTL bounds sync lock leakage when a worker dies mid-fetch.
const defaultSyncLockTTL = 20 * time.Minute

// defaultGatherPollInterval paces the similarity gatherer's store polls while
// a chained analysis is still in flight.
const defaultGatherPollInterval = 2 * time.Second

// Sync progress milestones.
const (
	syncProgressLocked  = 10
	syncProgressFetched = 80
)

// Similarity progress milestones.
const (
	similarityProgressGathering = 10
	similarityProgressGathered  = 70
	similarityProgressComputed  = 90
)

// VectorTypeNetFlow is the only supported similarity vector type.
const VectorTypeNetFlow = "net-flow"

// Locker is the slice of the lock service the handlers consume.
type Locker interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
	Await(ctx context.Context, key string, timeout time.Duration) error
}

// AnalysisScheduler schedules dashboard analyses.
type AnalysisScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// AnalyzeExecutor drives one analyze-wallet job.
type AnalyzeExecutor interface {
	Execute(ctx context.Context, jc *queue.JobContext) (any, error)
}

// Classifier refreshes a wallet's classification after new history lands.
type Classifier interface {
	Classify(ctx context.Context, address string) (domain.Classification, error)
}

// MetadataProvider fetches token metadata for enrichment.
type MetadataProvider interface {
	GetTokenMetadata(ctx context.Context, mints []string) ([]domain.TokenMetadata, error)
}

// Set holds every handler's dependencies.
type Set struct {
	store       store.Store
	locks       Locker
	controller  *smartfetch.Controller
	classifier  Classifier
	scheduler   AnalysisScheduler
	executor    AnalyzeExecutor
	metadata    MetadataProvider
	scopeParams scheduler.ScopeParamsFunc
	lockTTL     time.Duration
	gatherPoll  time.Duration
	logger      *slog.Logger
}

// SetOptions configures a handler Set.
type SetOptions struct {
	Store       store.Store
	Locks       Locker
	Controller  *smartfetch.Controller
	Classifier  Classifier
	Scheduler   AnalysisScheduler
	Executor    AnalyzeExecutor
	Metadata    MetadataProvider
	ScopeParams scheduler.ScopeParamsFunc
	LockTTL     time.Duration
	// GatherPollInterval overrides the similarity gatherer's poll pacing.
	GatherPollInterval time.Duration
	Logger             *slog.Logger
}

// NewSet creates the handler set.
func NewSet(opts SetOptions) *Set {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultSyncLockTTL
	}

	if opts.GatherPollInterval <= 0 {
		opts.GatherPollInterval = defaultGatherPollInterval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ScopeParams == nil {
		opts.ScopeParams = func(scope domain.Scope) domain.ScopeParams {
			params, _ := domain.DefaultScopeParams(scope)

			return params
		}
	}

	return &Set{
		store:       opts.Store,
		locks:       opts.Locks,
		controller:  opts.Controller,
		classifier:  opts.Classifier,
		scheduler:   opts.Scheduler,
		executor:    opts.Executor,
		metadata:    opts.Metadata,
		scopeParams: opts.ScopeParams,
		lockTTL:     opts.LockTTL,
		gatherPoll:  opts.GatherPollInterval,
		logger:      opts.Logger,
	}
}

// WalletHandlers returns the wallet-operations dispatch table.
func (s *Set) WalletHandlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{queue.KindSyncWallet: s.SyncWallet}
}

// AnalysisHandlers returns the analysis-operations dispatch table.
func (s *Set) AnalysisHandlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{queue.KindAnalyzeWallet: s.executor.Execute}
}

// SimilarityHandlers returns the similarity-operations dispatch table.
func (s *Set) SimilarityHandlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{queue.KindSimilarity: s.Similarity}
}

// EnrichmentHandlers returns the enrichment-operations dispatch table.
func (s *Set) EnrichmentHandlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{queue.KindEnrichTokens: s.EnrichTokens}
}

// TimeoutFor resolves a job's budget: analyze jobs use their scope's timeout,
// similarity jobs their requested budget, the rest fixed defaults.
func (s *Set) TimeoutFor(job *queue.Job) time.Duration {
	switch job.Kind {
	case queue.KindSyncWallet:
		return SyncTimeout
	case queue.KindAnalyzeWallet:
		var payload scheduler.AnalyzePayload
		if err := job.UnmarshalPayload(&payload); err == nil {
			if params := s.scopeParams(payload.Scope); params.Timeout > 0 {
				return params.Timeout
			}
		}

		return queue.DefaultJobTimeout
	case queue.KindSimilarity:
		var payload scheduler.SimilarityPayload
		if err := job.UnmarshalPayload(&payload); err == nil && payload.TimeoutMinutes > 0 {
			return time.Duration(payload.TimeoutMinutes) * time.Minute
		}

		return DefaultSimilarityTimeout
	case queue.KindEnrichTokens:
		return EnrichTimeout
	default:
		return queue.DefaultJobTimeout
	}
}

// SyncResult is the sync-wallet result payload.
type SyncResult struct {
	WalletAddress  string                `json:"walletAddress"`
	NewFetched     int                   `json:"newFetched"`
	OlderFetched   int                   `json:"olderFetched"`
	StoreCount     int                   `json:"storeCount"`
	Classification domain.Classification `json:"classification"`
}

// SyncWallet fills the wallet's stored history under the per-wallet sync
// lock. A held lock short-circuits without consuming a delivery attempt.
func (s *Set) SyncWallet(ctx context.Context, jc *queue.JobContext) (any, error) {
	var payload scheduler.SyncPayload

	err := jc.Job.UnmarshalPayload(&payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, err, "malformed sync payload")
	}

	if !solana.IsValidAddress(payload.WalletAddress) {
		return nil, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", payload.WalletAddress)
	}

	lockKey := lock.WalletSyncKey(payload.WalletAddress)

	acquired, lockErr := s.locks.TryAcquire(ctx, lockKey, jc.Job.ID, s.lockTTL)
	if lockErr != nil {
		return nil, lockErr
	}

	if !acquired {
		return nil, domain.Errorf(domain.KindAlreadyRunning,
			"wallet %s is locked by another job", payload.WalletAddress)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = s.locks.Release(releaseCtx, lockKey, jc.Job.ID)
	}()

	wallet, walletErr := s.store.UpsertWallet(ctx, payload.WalletAddress)
	if walletErr != nil {
		return nil, walletErr
	}

	if wallet.Classification == domain.ClassRestricted {
		return nil, domain.Errorf(domain.KindRestricted, "wallet %s is restricted", payload.WalletAddress)
	}

	jc.Progress(ctx, syncProgressLocked)

	target := domain.DefaultWorkingTarget
	if payload.FetchAll {
		target = domain.DefaultDeepTarget
	}

	fetchResult, fetchErr := s.controller.Fetch(ctx, payload.WalletAddress, target, time.Time{})
	if fetchErr != nil {
		return nil, fetchErr
	}

	jc.Progress(ctx, syncProgressFetched)

	class := wallet.Classification

	if s.classifier != nil {
		refreshed, classifyErr := s.classifier.Classify(ctx, payload.WalletAddress)
		if classifyErr != nil {
			s.logger.Warn("classification failed", "wallet", payload.WalletAddress, "error", classifyErr)
		} else {
			class = refreshed
		}
	}

	countErr := s.store.IncrementSyncCount(ctx, payload.WalletAddress)
	if countErr != nil {
		s.logger.Warn("sync counter update failed", "wallet", payload.WalletAddress, "error", countErr)
	}

	return SyncResult{
		WalletAddress:  payload.WalletAddress,
		NewFetched:     fetchResult.NewFetched,
		OlderFetched:   fetchResult.OlderFetched,
		StoreCount:     fetchResult.FinalStoreCount,
		Classification: class,
	}, nil
}

// SimilarityResult is the similarity job's result payload.
type SimilarityResult struct {
	VectorType    string                `json:"vectorType"`
	Pairs         []analyzers.PairScore `json:"pairs"`
	Wallets       []string              `json:"wallets"`
	FailedWallets []string              `json:"failedWallets,omitempty"`
}

// Similarity gathers each wallet's net-flow vector, waiting out any live sync
// under one aggregate deadline, then scores every pair in-process. Up to
// FailureThreshold wallets may fail to gather before the job fails.
func (s *Set) Similarity(ctx context.Context, jc *queue.JobContext) (any, error) {
	var payload scheduler.SimilarityPayload

	err := jc.Job.UnmarshalPayload(&payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, err, "malformed similarity payload")
	}

	if len(payload.WalletAddresses) < 2 {
		return nil, domain.Errorf(domain.KindInvalidInput,
			"similarity needs at least two wallets, got %d", len(payload.WalletAddresses))
	}

	for _, address := range payload.WalletAddresses {
		if !solana.IsValidAddress(address) {
			return nil, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", address)
		}
	}

	vectorType := payload.VectorType
	if vectorType == "" {
		vectorType = VectorTypeNetFlow
	}

	if vectorType != VectorTypeNetFlow {
		return nil, domain.Errorf(domain.KindInvalidInput, "unsupported vector type %q", vectorType)
	}

	budget := DefaultSimilarityTimeout
	if payload.TimeoutMinutes > 0 {
		budget = time.Duration(payload.TimeoutMinutes) * time.Minute
	}

	// One deadline spans every wallet wait, not one per wallet.
	gatherCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	jc.Progress(ctx, similarityProgressGathering)

	vectors := make(map[string]map[string]float64, len(payload.WalletAddresses))

	var failed []string

	deadline, _ := gatherCtx.Deadline()

	for _, address := range payload.WalletAddresses {
		gatherErr := s.gatherVector(gatherCtx, address, time.Until(deadline), vectors)
		if gatherErr != nil {
			s.logger.Warn("similarity gather failed", "wallet", address, "error", gatherErr)
			failed = append(failed, address)
		}
	}

	if len(failed) > payload.FailureThreshold {
		return nil, domain.Errorf(domain.KindInternal,
			"similarity aborted: %d of %d wallets failed to gather", len(failed), len(payload.WalletAddresses))
	}

	if len(vectors) < 2 {
		return nil, domain.Errorf(domain.KindInternal,
			"similarity needs at least two gathered wallets, got %d", len(vectors))
	}

	jc.Progress(ctx, similarityProgressGathered)

	lockKey := lock.SimilarityKey(jc.Job.ID)

	acquired, lockErr := s.locks.TryAcquire(ctx, lockKey, jc.Job.ID, budget)
	if lockErr != nil {
		return nil, lockErr
	}

	if !acquired {
		return nil, domain.Errorf(domain.KindAlreadyRunning, "similarity computation %s already in flight", jc.Job.ID)
	}

	defer func() {
		_ = s.locks.Release(context.WithoutCancel(ctx), lockKey, jc.Job.ID)
	}()

	pairs := analyzers.ComputePairwise(vectors)

	jc.Progress(ctx, similarityProgressComputed)

	wallets := make([]string, 0, len(vectors))
	for wallet := range vectors {
		wallets = append(wallets, wallet)
	}

	sort.Strings(wallets)

	return SimilarityResult{
		VectorType:    vectorType,
		Pairs:         pairs,
		Wallets:       wallets,
		FailedWallets: failed,
	}, nil
}

// gatherVector waits out a live sync on the wallet, ensures an analysis has
// been scheduled, and collects the wallet's net-flow vector from the stored
// inputs. While the scheduled analysis is still in flight the store read is
// retried, bounded by the aggregate deadline carried on ctx.
func (s *Set) gatherVector(ctx context.Context, address string, wait time.Duration, vectors map[string]map[string]float64) error {
	err := s.locks.Await(ctx, lock.WalletSyncKey(address), wait)
	if err != nil {
		return err
	}

	pending := false

	if s.scheduler != nil {
		scheduled, scheduleErr := s.scheduler.Schedule(ctx, scheduler.Request{
			WalletAddress: address,
			Scope:         domain.ScopeWorking,
			Trigger:       domain.TriggerSystem,
		})

		switch {
		case scheduleErr == nil:
			// A fresh skip means prior results already cover the wallet.
			pending = !scheduled.Skipped
		case domain.KindOf(scheduleErr) == domain.KindAlreadyRunning:
			pending = true
		default:
			return scheduleErr
		}
	}

	for {
		inputs, inputsErr := s.store.GetSwapInputs(ctx, address, domain.TimeRange{})
		if inputsErr != nil {
			return inputsErr
		}

		if len(inputs) > 0 {
			vectors[address] = analyzers.NetFlowVector(inputs)

			return nil
		}

		if !pending {
			return domain.Errorf(domain.KindNotFound, "wallet %s has no swap history", address)
		}

		select {
		case <-ctx.Done():
			return domain.WrapError(domain.KindTimeout, ctx.Err(), "gather "+address)
		case <-time.After(s.gatherPoll):
		}
	}
}

// EnrichResult is the enrich-tokens result payload.
type EnrichResult struct {
	Requested int `json:"requested"`
	Enriched  int `json:"enriched"`
}

// EnrichTokens resolves metadata and prices for the requested mints and
// upserts them. Enrichment has its own lifecycle; analysis never waits on it.
func (s *Set) EnrichTokens(ctx context.Context, jc *queue.JobContext) (any, error) {
	var payload scheduler.EnrichPayload

	err := jc.Job.UnmarshalPayload(&payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, err, "malformed enrichment payload")
	}

	mints := dedupeStrings(payload.TokenMints)
	if len(mints) == 0 {
		return nil, domain.Errorf(domain.KindInvalidInput, "no token mints to enrich")
	}

	jc.Progress(ctx, 10)

	metadata, fetchErr := s.metadata.GetTokenMetadata(ctx, mints)
	if fetchErr != nil {
		return nil, fetchErr
	}

	jc.Progress(ctx, 70)

	upsertErr := s.store.UpsertTokenMetadata(ctx, metadata)
	if upsertErr != nil {
		return nil, upsertErr
	}

	return EnrichResult{Requested: len(mints), Enriched: len(metadata)}, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))

	for _, v := range values {
		if v == "" {
			continue
		}

		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}
