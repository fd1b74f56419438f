// Package scheduler decides whether a dashboard analysis request becomes a
// job. Three gates run in order: validation, freshness, and the per-scope
// concurrency gate. The worker-side executor then drives the fetch, the
// analyzers and the completion transaction.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/store"
	"github.com/walletscope/walletscope/pkg/solana"
)

// scopeStateTTL bounds placeholder scope-state keys so abandoned follow-ups
// do not linger.
const scopeStateTTL = time.Hour

// Skip reasons reported when the freshness gate trips.
const (
	SkipReasonFresh = "recent-run-within-window"
)

// AnalyzePayload is the analyze-wallet job payload.
type AnalyzePayload struct {
	WalletAddress     string               `json:"walletAddress"`
	Scope             domain.Scope         `json:"scope"`
	Trigger           domain.TriggerSource `json:"trigger"`
	ForceRefresh      bool                 `json:"forceRefresh,omitempty"`
	QueueWorkingAfter bool                 `json:"queueWorkingAfter,omitempty"`
	QueueDeepAfter    bool                 `json:"queueDeepAfter,omitempty"`
	EnrichMetadata    bool                 `json:"enrichMetadata,omitempty"`
	// HistoryWindowDays and TargetSignatureCount override the scope defaults
	// for this job only. Zero keeps the scope parameter.
	HistoryWindowDays    int `json:"historyWindowDays,omitempty"`
	TargetSignatureCount int `json:"targetSignatureCount,omitempty"`
}

// Apply overlays the payload's per-job overrides on the scope parameters.
func (p AnalyzePayload) Apply(params domain.ScopeParams) domain.ScopeParams {
	if p.HistoryWindowDays > 0 {
		params.WindowDays = p.HistoryWindowDays
	}

	if p.TargetSignatureCount > 0 {
		params.SignatureTarget = p.TargetSignatureCount
	}

	return params
}

// SyncPayload is the sync-wallet job payload.
type SyncPayload struct {
	WalletAddress string `json:"walletAddress"`
	ForceRefresh  bool   `json:"forceRefresh,omitempty"`
	FetchOlder    bool   `json:"fetchOlder,omitempty"`
	FetchAll      bool   `json:"fetchAll,omitempty"`
}

// SimilarityPayload is the similarity job payload.
type SimilarityPayload struct {
	WalletAddresses  []string `json:"walletAddresses"`
	VectorType       string   `json:"vectorType,omitempty"`
	FailureThreshold int      `json:"failureThreshold,omitempty"`
	TimeoutMinutes   int      `json:"timeoutMinutes,omitempty"`
}

// EnrichPayload is the enrich-tokens job payload.
type EnrichPayload struct {
	TokenMints    []string `json:"tokenMints"`
	WalletAddress string   `json:"walletAddress,omitempty"`
}

// Request is one dashboard analysis trigger.
type Request struct {
	WalletAddress string
	Scope         domain.Scope
	Trigger       domain.TriggerSource
	// ForceRefresh bypasses the freshness gate. Only manual triggers may set
	// it; the scheduler ignores it otherwise.
	ForceRefresh bool
	// QueueWorkingAfter asks a flash analysis to chain a working analysis
	// once it completes.
	QueueWorkingAfter bool
	// QueueDeepAfter asks a flash or working analysis to chain a deep
	// analysis once the ladder reaches it.
	QueueDeepAfter bool
	// EnrichMetadata chains an enrich-tokens job for recently-observed mints
	// after the analysis completes.
	EnrichMetadata bool
	// HistoryWindowDays and TargetSignatureCount override the scope defaults
	// for this request only. Zero keeps the scope parameter.
	HistoryWindowDays    int
	TargetSignatureCount int
}

// Result reports what the scheduler decided.
type Result struct {
	// Skipped is set when the freshness gate tripped; SkipReason says why.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
	// AlreadyRunning is set when a live job for the same wallet and scope
	// holds the concurrency gate; JobID names it.
	AlreadyRunning bool `json:"alreadyRunning,omitempty"`
	// JobID is the enqueued (or already live) job.
	JobID string `json:"jobId,omitempty"`
	// QueuedFollowUpScopes lists scopes pre-queued as placeholders.
	QueuedFollowUpScopes []domain.Scope `json:"queuedFollowUpScopes,omitempty"`
}

// ScopeParamsFunc resolves tuning for a scope.
type ScopeParamsFunc func(domain.Scope) domain.ScopeParams

// JobQueue is the slice of the queue service the scheduler consumes.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, bool, error)
}

// Scheduler runs the gate chain and enqueues analysis jobs.
type Scheduler struct {
	store       store.Store
	queue       JobQueue
	redis       redis.UniversalClient
	scopeParams ScopeParamsFunc
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Scheduler. client carries the scope-state placeholders and
// may be nil in tests, which disables them.
func New(st store.Store, qs JobQueue, client redis.UniversalClient, params ScopeParamsFunc, logger *slog.Logger) *Scheduler {
	if params == nil {
		params = func(scope domain.Scope) domain.ScopeParams {
			p, _ := domain.DefaultScopeParams(scope)

			return p
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:       st,
		queue:       qs,
		redis:       client,
		scopeParams: params,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Schedule runs the gates for one analysis request.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Result, error) {
	var result Result

	if !solana.IsValidAddress(req.WalletAddress) {
		return result, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", req.WalletAddress)
	}

	wallet, err := s.store.UpsertWallet(ctx, req.WalletAddress)
	if err != nil {
		return result, err
	}

	if wallet.Classification == domain.ClassRestricted {
		return result, domain.Errorf(domain.KindRestricted, "wallet %s is restricted", req.WalletAddress)
	}

	force := req.ForceRefresh && req.Trigger == domain.TriggerManual

	params := s.scopeParams(req.Scope)
	if req.TargetSignatureCount > 0 {
		params.SignatureTarget = req.TargetSignatureCount
	}

	if !force {
		fresh, freshErr := s.isFresh(ctx, req.WalletAddress, req.Scope, params)
		if freshErr != nil {
			return result, freshErr
		}

		if fresh {
			result.Skipped = true
			result.SkipReason = SkipReasonFresh

			return result, nil
		}
	}

	job, created, enqueueErr := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Queue: queue.QueueAnalysis,
		Kind:  queue.KindAnalyzeWallet,
		Payload: AnalyzePayload{
			WalletAddress:        req.WalletAddress,
			Scope:                req.Scope,
			Trigger:              req.Trigger,
			ForceRefresh:         force,
			QueueWorkingAfter:    req.QueueWorkingAfter && req.Scope == domain.ScopeFlash,
			QueueDeepAfter:       req.QueueDeepAfter && req.Scope != domain.ScopeDeep,
			EnrichMetadata:       req.EnrichMetadata,
			HistoryWindowDays:    req.HistoryWindowDays,
			TargetSignatureCount: req.TargetSignatureCount,
		},
		DedupeKey: queue.AnalyzeDedupeKey(req.WalletAddress, string(req.Scope)),
		// The dedupe key is released when the job finalizes; the TTL outlives
		// the job budget so it only expires after a worker crash.
		DedupeTTL: params.Timeout + params.Timeout/2,
	})
	if enqueueErr != nil {
		return result, enqueueErr
	}

	result.JobID = job.ID

	if !created {
		result.AlreadyRunning = true

		return result, nil
	}

	s.logger.Info("analysis scheduled",
		"wallet", req.WalletAddress, "scope", req.Scope, "trigger", req.Trigger, "job", job.ID)

	if req.QueueWorkingAfter && req.Scope == domain.ScopeFlash {
		result.QueuedFollowUpScopes = s.queuePlaceholder(ctx, req.WalletAddress, domain.ScopeWorking, result.QueuedFollowUpScopes)
	}

	if req.QueueDeepAfter && req.Scope != domain.ScopeDeep {
		result.QueuedFollowUpScopes = s.queuePlaceholder(ctx, req.WalletAddress, domain.ScopeDeep, result.QueuedFollowUpScopes)
	}

	return result, nil
}

// queuePlaceholder marks a follow-up scope queued and records it on the
// result when the write sticks.
func (s *Scheduler) queuePlaceholder(ctx context.Context, address string, scope domain.Scope, scopes []domain.Scope) []domain.Scope {
	markErr := s.markScopeQueued(ctx, address, scope)
	if markErr != nil {
		s.logger.Warn("scope placeholder write failed", "wallet", address, "scope", scope, "error", markErr)

		return scopes
	}

	return append(scopes, scope)
}

// isFresh reports whether the latest successful run still satisfies the
// scope's freshness window and the store holds enough history.
func (s *Scheduler) isFresh(ctx context.Context, address string, scope domain.Scope, params domain.ScopeParams) (bool, error) {
	latest, err := s.store.LatestSuccessfulRun(ctx, address, scope)
	if err != nil {
		return false, err
	}

	if latest == nil || latest.FinishedAt == nil {
		return false, nil
	}

	if s.now().Sub(*latest.FinishedAt) >= params.Freshness {
		return false, nil
	}

	count, countErr := s.store.CountTransactions(ctx, address)
	if countErr != nil {
		return false, countErr
	}

	return count >= params.SignatureTarget, nil
}

func scopeStateKey(address string, scope domain.Scope) string {
	return "scope-state:" + address + ":" + string(scope)
}

// markScopeQueued records a follow-up placeholder clients can observe before
// the chained job exists.
func (s *Scheduler) markScopeQueued(ctx context.Context, address string, scope domain.Scope) error {
	if s.redis == nil {
		return nil
	}

	return s.redis.Set(ctx, scopeStateKey(address, scope), "queued", scopeStateTTL).Err()
}

// ClearScopeState removes a placeholder once the chained job is enqueued or
// abandoned.
func (s *Scheduler) ClearScopeState(ctx context.Context, address string, scope domain.Scope) {
	if s.redis == nil {
		return
	}

	_ = s.redis.Del(ctx, scopeStateKey(address, scope)).Err()
}

// ScopeStates returns the wallet's placeholder states by scope.
func (s *Scheduler) ScopeStates(ctx context.Context, address string) (map[domain.Scope]string, error) {
	states := make(map[domain.Scope]string)

	if s.redis == nil {
		return states, nil
	}

	for _, scope := range []domain.Scope{domain.ScopeFlash, domain.ScopeWorking, domain.ScopeDeep} {
		state, err := s.redis.Get(ctx, scopeStateKey(address, scope)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			return nil, domain.WrapError(domain.KindExternalUnavailable, err, "read scope state")
		}

		states[scope] = state
	}

	return states, nil
}
