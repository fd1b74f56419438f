// Package queue implements durable Redis-backed job queues with at-least-once
// delivery, delayed retries and dedupe-key uniqueness gates, plus the worker
// runtime that drains them.
package queue

import (
	"encoding/json"
	"time"
)

// Queue names. Each queue has its own worker pool and concurrency cap.
const (
	QueueWallet     = "wallet-operations"
	QueueAnalysis   = "analysis-operations"
	QueueSimilarity = "similarity-operations"
	QueueEnrichment = "enrichment-operations"
)

// Job kinds dispatched by the worker runtime.
const (
	KindSyncWallet    = "sync-wallet"
	KindAnalyzeWallet = "analyze-wallet"
	KindSimilarity    = "similarity"
	KindEnrichTokens  = "enrich-tokens"
)

// State is a job lifecycle state.
type State string

const (
	// StateWaiting marks a job queued for a worker.
	StateWaiting State = "waiting"
	// StateActive marks a job claimed by a worker.
	StateActive State = "active"
	// StateDelayed marks a job parked for a retry.
	StateDelayed State = "delayed"
	// StateCompleted marks terminal success.
	StateCompleted State = "completed"
	// StateFailed marks terminal failure.
	StateFailed State = "failed"
)

// DefaultMaxAttempts bounds delivery attempts per job.
const DefaultMaxAttempts = 3

// Retry backoff: base doubles per attempt up to the cap.
const (
	retryBaseDelay = 10 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Job is one queued unit of work, persisted as a Redis hash.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	DedupeKey   string          `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// retryDelay computes the backoff before redelivery attempt n (1-based).
func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}

	return min(delay, retryMaxDelay)
}

// Stats is a point-in-time queue census.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
}

// Key layout. Job hashes are keyed by id alone; the queue name lives in the
// hash so lookups do not need to know the queue.
func jobKey(id string) string            { return "queue:job:" + id }
func waitingKey(queue string) string     { return "queue:" + queue + ":waiting" }
func activeKey(queue string) string      { return "queue:" + queue + ":active" }
func delayedKey(queue string) string     { return "queue:" + queue + ":delayed" }
func pausedKey(queue string) string      { return "queue:" + queue + ":paused" }
func completedCtrKey(queue string) string { return "queue:" + queue + ":completed_count" }
func failedCtrKey(queue string) string    { return "queue:" + queue + ":failed_count" }

// SyncDedupeKey gates at most one live sync job per wallet.
func SyncDedupeKey(wallet string) string { return "dedupe:sync:" + wallet }

// AnalyzeDedupeKey gates at most one live analysis job per wallet and scope.
func AnalyzeDedupeKey(wallet, scope string) string {
	return "dedupe:analyze:" + wallet + ":" + scope
}
