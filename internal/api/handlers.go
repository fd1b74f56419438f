package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/scheduler"
	"github.com/walletscope/walletscope/internal/store"
	"github.com/walletscope/walletscope/pkg/solana"
)

// Pagination bounds for token-performance reads.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// syncDedupeTTL bounds how long an orphaned sync dedupe key can block new
// syncs.
const syncDedupeTTL = time.Hour

// knownQueues guards the queue-scoped endpoints.
var knownQueues = map[string]struct{}{
	queue.QueueWallet:     {},
	queue.QueueAnalysis:   {},
	queue.QueueSimilarity: {},
	queue.QueueEnrichment: {},
}

type dashboardAnalysisRequest struct {
	WalletAddress        string `json:"walletAddress"`
	AnalysisScope        string `json:"analysisScope"`
	TriggerSource        string `json:"triggerSource"`
	ForceRefresh         bool   `json:"forceRefresh,omitempty"`
	HistoryWindowDays    int    `json:"historyWindowDays,omitempty"`
	TargetSignatureCount int    `json:"targetSignatureCount,omitempty"`
	QueueWorkingAfter    bool   `json:"queueWorkingAfter,omitempty"`
	QueueDeepAfter       bool   `json:"queueDeepAfter,omitempty"`
	EnrichMetadata       bool   `json:"enrichMetadata,omitempty"`
}

// handleDashboardAnalysis runs the scheduler's gate chain. Skipped and
// already-running outcomes are informational 200s, not errors.
func (s *Server) handleDashboardAnalysis(w http.ResponseWriter, r *http.Request) {
	var req dashboardAnalysisRequest

	err := decodeBody(r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	scope, scopeErr := domain.ParseScope(req.AnalysisScope)
	if scopeErr != nil {
		s.writeError(w, scopeErr)

		return
	}

	trigger, triggerErr := parseTrigger(req.TriggerSource)
	if triggerErr != nil {
		s.writeError(w, triggerErr)

		return
	}

	allowErr := s.allowWallet(r, req.WalletAddress)
	if allowErr != nil {
		s.writeError(w, allowErr)

		return
	}

	result, scheduleErr := s.scheduler.Schedule(r.Context(), scheduler.Request{
		WalletAddress:        req.WalletAddress,
		Scope:                scope,
		Trigger:              trigger,
		ForceRefresh:         req.ForceRefresh,
		QueueWorkingAfter:    req.QueueWorkingAfter,
		QueueDeepAfter:       req.QueueDeepAfter,
		EnrichMetadata:       req.EnrichMetadata,
		HistoryWindowDays:    req.HistoryWindowDays,
		TargetSignatureCount: req.TargetSignatureCount,
	})
	if scheduleErr != nil {
		s.writeError(w, scheduleErr)

		return
	}

	status := http.StatusAccepted
	if result.Skipped || result.AlreadyRunning {
		status = http.StatusOK
	}

	writeJSON(w, status, result)
}

func parseTrigger(s string) (domain.TriggerSource, error) {
	switch domain.TriggerSource(s) {
	case domain.TriggerAuto, domain.TriggerManual, domain.TriggerSystem:
		return domain.TriggerSource(s), nil
	case "":
		return domain.TriggerAuto, nil
	default:
		return "", domain.Errorf(domain.KindInvalidInput, "unknown trigger source %q", s)
	}
}

type syncWalletRequest struct {
	WalletAddress string `json:"walletAddress"`
	ForceRefresh  bool   `json:"forceRefresh,omitempty"`
	FetchOlder    bool   `json:"fetchOlder,omitempty"`
	FetchAll      bool   `json:"fetchAll,omitempty"`
}

// enqueueResponse reports an enqueue outcome. AlreadyRunning carries the
// live job's id.
type enqueueResponse struct {
	JobID          string `json:"jobId"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
}

func (s *Server) handleSyncWallet(w http.ResponseWriter, r *http.Request) {
	var req syncWalletRequest

	err := decodeBody(r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !solana.IsValidAddress(req.WalletAddress) {
		s.writeError(w, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", req.WalletAddress))

		return
	}

	allowErr := s.allowWallet(r, req.WalletAddress)
	if allowErr != nil {
		s.writeError(w, allowErr)

		return
	}

	job, created, enqueueErr := s.jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		Queue: queue.QueueWallet,
		Kind:  queue.KindSyncWallet,
		Payload: scheduler.SyncPayload{
			WalletAddress: req.WalletAddress,
			ForceRefresh:  req.ForceRefresh,
			FetchOlder:    req.FetchOlder,
			FetchAll:      req.FetchAll,
		},
		DedupeKey: queue.SyncDedupeKey(req.WalletAddress),
		DedupeTTL: syncDedupeTTL,
	})
	if enqueueErr != nil {
		s.writeError(w, enqueueErr)

		return
	}

	if !created {
		writeJSON(w, http.StatusOK, enqueueResponse{JobID: job.ID, AlreadyRunning: true})

		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID})
}

type analyzeWalletRequest struct {
	WalletAddress string `json:"walletAddress"`
	AnalysisScope string `json:"analysisScope"`
	ForceRefresh  bool   `json:"forceRefresh,omitempty"`
}

// handleAnalyzeWallet enqueues a generic analyze job, bypassing the
// freshness gate but not the concurrency gate.
func (s *Server) handleAnalyzeWallet(w http.ResponseWriter, r *http.Request) {
	var req analyzeWalletRequest

	err := decodeBody(r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	scope, scopeErr := domain.ParseScope(req.AnalysisScope)
	if scopeErr != nil {
		s.writeError(w, scopeErr)

		return
	}

	if !solana.IsValidAddress(req.WalletAddress) {
		s.writeError(w, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", req.WalletAddress))

		return
	}

	allowErr := s.allowWallet(r, req.WalletAddress)
	if allowErr != nil {
		s.writeError(w, allowErr)

		return
	}

	params := s.scopeParams(scope)

	job, created, enqueueErr := s.jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		Queue: queue.QueueAnalysis,
		Kind:  queue.KindAnalyzeWallet,
		Payload: scheduler.AnalyzePayload{
			WalletAddress: req.WalletAddress,
			Scope:         scope,
			Trigger:       domain.TriggerManual,
			ForceRefresh:  req.ForceRefresh,
		},
		DedupeKey: queue.AnalyzeDedupeKey(req.WalletAddress, string(scope)),
		DedupeTTL: params.Timeout + params.Timeout/2,
	})
	if enqueueErr != nil {
		s.writeError(w, enqueueErr)

		return
	}

	if !created {
		writeJSON(w, http.StatusOK, enqueueResponse{JobID: job.ID, AlreadyRunning: true})

		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID})
}

type similarityRequest struct {
	WalletAddresses  []string `json:"walletAddresses"`
	VectorType       string   `json:"vectorType,omitempty"`
	FailureThreshold int      `json:"failureThreshold,omitempty"`
	TimeoutMinutes   int      `json:"timeoutMinutes,omitempty"`
}

func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var req similarityRequest

	err := decodeBody(r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if len(req.WalletAddresses) < 2 {
		s.writeError(w, domain.Errorf(domain.KindInvalidInput,
			"similarity needs at least two wallets, got %d", len(req.WalletAddresses)))

		return
	}

	for _, address := range req.WalletAddresses {
		if !solana.IsValidAddress(address) {
			s.writeError(w, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", address))

			return
		}

		allowErr := s.allowWallet(r, address)
		if allowErr != nil {
			s.writeError(w, allowErr)

			return
		}
	}

	job, _, enqueueErr := s.jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		Queue: queue.QueueSimilarity,
		Kind:  queue.KindSimilarity,
		Payload: scheduler.SimilarityPayload{
			WalletAddresses:  req.WalletAddresses,
			VectorType:       req.VectorType,
			FailureThreshold: req.FailureThreshold,
			TimeoutMinutes:   req.TimeoutMinutes,
		},
	})
	if enqueueErr != nil {
		s.writeError(w, enqueueErr)

		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID})
}

// jobResponse is the wire shape for job reads.
type jobResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Status      queue.State     `json:"status"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func toJobResponse(job *queue.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Name:        job.Kind,
		Queue:       job.Queue,
		Status:      job.State,
		Progress:    job.Progress,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		ProcessedAt: job.ProcessedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    job.ID,
		"status":   job.State,
		"progress": job.Progress,
	})
}

// handleJobResult returns the terminal result, or 409 while the job is
// still in flight.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !job.Terminal() {
		s.writeError(w, domain.Errorf(domain.KindAlreadyRunning, "job %s has not finished", job.ID))

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":  job.ID,
		"status": job.State,
		"result": job.Result,
		"error":  job.Error,
	})
}

func (s *Server) queueName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "queueName")

	if _, known := knownQueues[name]; !known {
		s.writeError(w, domain.Errorf(domain.KindNotFound, "unknown queue %q", name))

		return "", false
	}

	return name, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}

	stats, err := s.jobs.Stats(r.Context(), name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}

	err := s.jobs.Pause(r.Context(), name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueName(w, r)
	if !ok {
		return
	}

	err := s.jobs.Resume(r.Context(), name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

func (s *Server) walletAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := chi.URLParam(r, "address")

	if !solana.IsValidAddress(address) {
		s.writeError(w, domain.Errorf(domain.KindInvalidInput, "invalid wallet address %q", address))

		return "", false
	}

	allowErr := s.allowWallet(r, address)
	if allowErr != nil {
		s.writeError(w, allowErr)

		return "", false
	}

	return address, true
}

// summaryResponse is the wallet summary wire shape. Status is "ok" when a
// summary exists, otherwise "unanalyzed" or "restricted".
type summaryResponse struct {
	Status         string    `json:"status"`
	WalletAddress  string    `json:"walletAddress"`
	TokensTraded   int       `json:"tokensTraded,omitempty"`
	TotalPnl       float64   `json:"totalPnl,omitempty"`
	WinRate        float64   `json:"winRate,omitempty"`
	TotalSolVolume float64   `json:"totalSolVolume,omitempty"`
	LastAnalyzedAt time.Time `json:"lastAnalyzedAt,omitzero"`
}

func (s *Server) handleWalletSummary(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletAddress(w, r)
	if !ok {
		return
	}

	wallet, walletErr := s.store.GetWallet(r.Context(), address)
	if walletErr != nil {
		if domain.KindOf(walletErr) == domain.KindNotFound {
			writeJSON(w, http.StatusOK, summaryResponse{Status: "unanalyzed", WalletAddress: address})

			return
		}

		s.writeError(w, walletErr)

		return
	}

	if wallet.Classification == domain.ClassRestricted {
		writeJSON(w, http.StatusOK, summaryResponse{Status: "restricted", WalletAddress: address})

		return
	}

	summary, summaryErr := s.store.GetPnlSummary(r.Context(), address)
	if summaryErr != nil {
		if domain.KindOf(summaryErr) == domain.KindNotFound {
			writeJSON(w, http.StatusOK, summaryResponse{Status: "unanalyzed", WalletAddress: address})

			return
		}

		s.writeError(w, summaryErr)

		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		Status:         "ok",
		WalletAddress:  summary.WalletAddress,
		TokensTraded:   summary.TokensTraded,
		TotalPnl:       summary.TotalPnl,
		WinRate:        summary.WinRate,
		TotalSolVolume: summary.TotalSolVolume,
		LastAnalyzedAt: summary.LastAnalyzedAt,
	})
}

// tokenResultResponse is the per-token performance wire shape.
type tokenResultResponse struct {
	Mint         string    `json:"mint"`
	BuyCount     int       `json:"buyCount"`
	SellCount    int       `json:"sellCount"`
	SolSpent     float64   `json:"solSpent"`
	SolReceived  float64   `json:"solReceived"`
	RealizedPnl  float64   `json:"realizedPnl"`
	FirstTradeAt time.Time `json:"firstTradeAt"`
	LastTradeAt  time.Time `json:"lastTradeAt"`
}

func (s *Server) handleTokenPerformance(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletAddress(w, r)
	if !ok {
		return
	}

	page := pageFrom(r)

	results, err := s.store.GetTokenResults(r.Context(), address, page)
	if err != nil {
		s.writeError(w, err)

		return
	}

	out := make([]tokenResultResponse, len(results))
	for i, result := range results {
		out[i] = tokenResultResponse{
			Mint:         result.Mint,
			BuyCount:     result.BuyCount,
			SellCount:    result.SellCount,
			SolSpent:     result.SolSpent,
			SolReceived:  result.SolReceived,
			RealizedPnl:  result.RealizedPnl,
			FirstTradeAt: result.FirstTradeAt,
			LastTradeAt:  result.LastTradeAt,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"walletAddress": address,
		"results":       out,
		"limit":         page.Limit,
		"offset":        page.Offset,
	})
}

func pageFrom(r *http.Request) store.Page {
	page := store.Page{Limit: defaultPageLimit}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err == nil && limit > 0 {
			page.Limit = min(limit, maxPageLimit)
		}
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err == nil && offset > 0 {
			page.Offset = offset
		}
	}

	return page
}

func (s *Server) handleWalletBehavior(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletAddress(w, r)
	if !ok {
		return
	}

	profile, err := s.store.GetBehaviorProfile(r.Context(), address)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"walletAddress":   profile.WalletAddress,
		"tradesPerDay":    profile.TradesPerDay,
		"buySellRatio":    profile.BuySellRatio,
		"medianHoldHours": profile.MedianHoldHours,
		"pattern":         profile.Pattern,
		"updatedAt":       profile.UpdatedAt,
	})
}

type classificationRequest struct {
	Classification string `json:"classification"`
}

// handleSetClassification lets operators pin a wallet's classification,
// typically to restrict it.
func (s *Server) handleSetClassification(w http.ResponseWriter, r *http.Request) {
	address, ok := s.walletAddress(w, r)
	if !ok {
		return
	}

	var req classificationRequest

	err := decodeBody(r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	class, classErr := domain.ParseClassification(req.Classification)
	if classErr != nil {
		s.writeError(w, classErr)

		return
	}

	setErr := s.store.SetClassification(r.Context(), address, class)
	if setErr != nil {
		s.writeError(w, setErr)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"walletAddress":  address,
		"classification": class,
	})
}
