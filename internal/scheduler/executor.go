package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletscope/walletscope/internal/analyzers"
	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/lock"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/smartfetch"
	"github.com/walletscope/walletscope/internal/store"
)

// enrichmentMintLimit bounds how many recently-traded mints one completed
// analysis chains into the enrichment queue.
const enrichmentMintLimit = 25

// Progress milestones for the analyze job.
const (
	progressLocked    = 10
	progressFetched   = 40
	progressAnalyzed  = 70
	progressPersisted = 90
)

// FollowUpJob names one successor job chained by a completed analysis.
type FollowUpJob struct {
	Scope domain.Scope `json:"scope"`
	JobID string       `json:"jobId"`
}

// CompletionResult is the analyze job's result payload. Skipped successors
// are signalled only by their omission from FollowUpJobsQueued.
type CompletionResult struct {
	RunID              int64         `json:"analysisRunId"`
	Scope              domain.Scope  `json:"scope"`
	InputCount         int           `json:"inputCount"`
	NewFetched         int           `json:"newFetched"`
	OlderFetched       int           `json:"olderFetched"`
	StoreCount         int           `json:"storeCount"`
	EnrichmentJobID    string        `json:"enrichmentJobId,omitempty"`
	FollowUpJobsQueued []FollowUpJob `json:"followUpJobsQueued"`
}

// Classifier is the slice of the wallet classifier the executor consumes.
type Classifier interface {
	Classify(ctx context.Context, address string) (domain.Classification, error)
}

// Locker is the slice of the lock service the executor consumes.
type Locker interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// Executor drives one analyze-wallet job: lock, smart fetch, analyzers,
// completion transaction, then follow-up and enrichment chaining.
type Executor struct {
	store       store.Store
	locks       Locker
	controller  *smartfetch.Controller
	classifier  Classifier
	scheduler   *Scheduler
	queue       JobQueue
	scopeParams ScopeParamsFunc
	lockTTL     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Store       store.Store
	Locks       Locker
	Controller  *smartfetch.Controller
	Classifier  Classifier
	Scheduler   *Scheduler
	Queue       JobQueue
	ScopeParams ScopeParamsFunc
	LockTTL     time.Duration
	Logger      *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 20 * time.Minute
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ScopeParams == nil && opts.Scheduler != nil {
		opts.ScopeParams = opts.Scheduler.scopeParams
	}

	return &Executor{
		store:       opts.Store,
		locks:       opts.Locks,
		controller:  opts.Controller,
		classifier:  opts.Classifier,
		scheduler:   opts.Scheduler,
		queue:       opts.Queue,
		scopeParams: opts.ScopeParams,
		lockTTL:     opts.LockTTL,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one analyze-wallet job.
func (e *Executor) Execute(ctx context.Context, jc *queue.JobContext) (any, error) {
	var payload AnalyzePayload

	err := jc.Job.UnmarshalPayload(&payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, err, "malformed analyze payload")
	}

	lockKey := lock.WalletSyncKey(payload.WalletAddress)

	acquired, lockErr := e.locks.TryAcquire(ctx, lockKey, jc.Job.ID, e.lockTTL)
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

		_ = e.locks.Release(releaseCtx, lockKey, jc.Job.ID)
	}()

	jc.Progress(ctx, progressLocked)

	params := payload.Apply(e.scopeParams(payload.Scope))
	window := params.Window(e.now())

	fetchResult, fetchErr := e.controller.Fetch(ctx, payload.WalletAddress, params.SignatureTarget, window.From)
	if fetchErr != nil {
		return nil, fetchErr
	}

	jc.Progress(ctx, progressFetched)

	if e.classifier != nil {
		_, classifyErr := e.classifier.Classify(ctx, payload.WalletAddress)
		if classifyErr != nil {
			e.logger.Warn("classification failed", "wallet", payload.WalletAddress, "error", classifyErr)
		}
	}

	runID, runErr := e.store.StartAnalysisRun(ctx, payload.WalletAddress, payload.Scope)
	if runErr != nil {
		return nil, runErr
	}

	inputs, inputsErr := e.store.GetSwapInputs(ctx, payload.WalletAddress, window)
	if inputsErr != nil {
		return nil, e.failRun(ctx, runID, 0, inputsErr)
	}

	jc.Progress(ctx, progressAnalyzed)

	// Stamped after StartAnalysisRun so the summary never predates the run.
	analyzedAt := e.now()
	results, summary := analyzers.ComputePnl(payload.WalletAddress, inputs, runID, analyzedAt)
	behavior := analyzers.ComputeBehavior(payload.WalletAddress, inputs, analyzedAt)

	completion := store.RunCompletion{
		RunID:         runID,
		WalletAddress: payload.WalletAddress,
		InputCount:    len(inputs),
		Results:       results,
		Summary:       summary,
		Behavior:      behavior,
	}

	completeErr := e.store.CompleteAnalysisRun(ctx, completion)
	if completeErr != nil {
		return nil, e.failRun(ctx, runID, len(inputs), completeErr)
	}

	jc.Progress(ctx, progressPersisted)

	result := CompletionResult{
		RunID:              runID,
		Scope:              payload.Scope,
		InputCount:         len(inputs),
		NewFetched:         fetchResult.NewFetched,
		OlderFetched:       fetchResult.OlderFetched,
		StoreCount:         fetchResult.FinalStoreCount,
		FollowUpJobsQueued: []FollowUpJob{},
	}

	// Successors chain only after the completion transaction committed.
	result.FollowUpJobsQueued = e.chainFollowUps(ctx, payload, result.FollowUpJobsQueued)

	if payload.EnrichMetadata {
		result.EnrichmentJobID = e.chainEnrichment(ctx, payload.WalletAddress)
	}

	return result, nil
}

// failRun records the FAILED transition and passes the cause through.
func (e *Executor) failRun(ctx context.Context, runID int64, inputCount int, cause error) error {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	finishErr := e.store.FinishAnalysisRun(finishCtx, runID, domain.RunFailed, inputCount)
	if finishErr != nil {
		e.logger.Error("failed-run transition lost", "run", runID, "error", finishErr)
	}

	return cause
}

// chainFollowUps enqueues the requested ladder successor. A flash analysis
// chains working when asked, or deep directly when only queueDeepAfter is
// set; a working analysis chains deep. The deep request rides along on the
// working follow-up so it fires when the ladder reaches it.
func (e *Executor) chainFollowUps(ctx context.Context, payload AnalyzePayload, queued []FollowUpJob) []FollowUpJob {
	switch next := payload.Scope.FollowUp(); next {
	case domain.ScopeWorking:
		if payload.QueueWorkingAfter {
			return e.chainScope(ctx, payload, next, queued)
		}

		if payload.QueueDeepAfter {
			return e.chainScope(ctx, payload, domain.ScopeDeep, queued)
		}
	case domain.ScopeDeep:
		if payload.QueueDeepAfter {
			return e.chainScope(ctx, payload, next, queued)
		}
	}

	return queued
}

func (e *Executor) chainScope(ctx context.Context, payload AnalyzePayload, scope domain.Scope, queued []FollowUpJob) []FollowUpJob {
	e.scheduler.ClearScopeState(ctx, payload.WalletAddress, scope)

	scheduled, err := e.scheduler.Schedule(ctx, Request{
		WalletAddress:  payload.WalletAddress,
		Scope:          scope,
		Trigger:        domain.TriggerSystem,
		QueueDeepAfter: payload.QueueDeepAfter && scope == domain.ScopeWorking,
		EnrichMetadata: payload.EnrichMetadata,
	})
	if err != nil {
		e.logger.Warn("follow-up scheduling failed",
			"wallet", payload.WalletAddress, "scope", scope, "error", err)

		return queued
	}

	if scheduled.Skipped || scheduled.AlreadyRunning {
		return queued
	}

	return append(queued, FollowUpJob{Scope: scope, JobID: scheduled.JobID})
}

func (e *Executor) chainEnrichment(ctx context.Context, address string) string {
	mints, err := e.store.RecentMints(ctx, address, enrichmentMintLimit)
	if err != nil {
		e.logger.Warn("recent mints lookup failed", "wallet", address, "error", err)

		return ""
	}

	if len(mints) == 0 {
		return ""
	}

	job, _, enqueueErr := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		Queue:   queue.QueueEnrichment,
		Kind:    queue.KindEnrichTokens,
		Payload: EnrichPayload{TokenMints: mints, WalletAddress: address},
	})
	if enqueueErr != nil {
		e.logger.Warn("enrichment chaining failed", "wallet", address, "error", enqueueErr)

		return ""
	}

	return job.ID
}
