package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/observability"
)

// terminalJobTTL bounds retention of finished job records.
const terminalJobTTL = 24 * time.Hour

// Service manages job records and queue structures on Redis.
type Service struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService creates a queue service.
func NewService(client redis.UniversalClient, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{client: client, logger: logger, metrics: metrics}
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Queue   string
	Kind    string
	Payload any
	// DedupeKey, when set, admits at most one live job for the key. The key
	// is claimed atomically at enqueue and released on the job's terminal
	// transition.
	DedupeKey string
	// DedupeTTL bounds dedupe-key leakage if the terminal cleanup is lost.
	DedupeTTL   time.Duration
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue creates a job and places it on the wait list (or the delayed set
// when Delay is positive). When the dedupe key is already claimed the
// existing job is returned with created=false and nothing is enqueued.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (job *Job, created bool, err error) {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}

	if req.DedupeTTL <= 0 {
		req.DedupeTTL = time.Hour
	}

	payload, marshalErr := json.Marshal(req.Payload)
	if marshalErr != nil {
		return nil, false, fmt.Errorf("encode job payload: %w", marshalErr)
	}

	id := uuid.NewString()

	if req.DedupeKey != "" {
		claimed, claimErr := s.client.SetNX(ctx, req.DedupeKey, id, req.DedupeTTL).Result()
		if claimErr != nil {
			return nil, false, domain.WrapError(domain.KindExternalUnavailable, claimErr, "claim dedupe key")
		}

		if !claimed {
			existing, existingErr := s.jobForDedupeKey(ctx, req.DedupeKey)
			if existingErr != nil {
				return nil, false, existingErr
			}

			return existing, false, nil
		}
	}

	now := time.Now().UTC()
	job = &Job{
		ID:          id,
		Queue:       req.Queue,
		Kind:        req.Kind,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: req.MaxAttempts,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   now,
	}

	if req.Delay > 0 {
		job.State = StateDelayed
	}

	writeErr := s.writeJob(ctx, job)
	if writeErr != nil {
		return nil, false, writeErr
	}

	if req.Delay > 0 {
		readyAt := float64(now.Add(req.Delay).UnixMilli())

		zaddErr := s.client.ZAdd(ctx, delayedKey(req.Queue), redis.Z{Score: readyAt, Member: id}).Err()
		if zaddErr != nil {
			return nil, false, domain.WrapError(domain.KindExternalUnavailable, zaddErr, "park delayed job")
		}
	} else {
		pushErr := s.client.RPush(ctx, waitingKey(req.Queue), id).Err()
		if pushErr != nil {
			return nil, false, domain.WrapError(domain.KindExternalUnavailable, pushErr, "enqueue job")
		}
	}

	return job, true, nil
}

// jobForDedupeKey resolves the live job holding a dedupe key. A dangling key
// whose job record expired is treated as a broken gate.
func (s *Service) jobForDedupeKey(ctx context.Context, key string) (*Job, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.Errorf(domain.KindAlreadyRunning, "dedupe key %s released mid-enqueue", key)
	}

	if err != nil {
		return nil, domain.WrapError(domain.KindExternalUnavailable, err, "resolve dedupe key")
	}

	return s.GetJob(ctx, id)
}

// DedupeJobID returns the job id holding the key, or empty when free.
func (s *Service) DedupeJobID(ctx context.Context, key string) (string, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", domain.WrapError(domain.KindExternalUnavailable, err, "read dedupe key")
	}

	return id, nil
}

// GetJob loads a job record.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalUnavailable, err, "load job")
	}

	if len(fields) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "job %s not found", id)
	}

	return jobFromFields(fields)
}

// Stats returns the queue census.
func (s *Service) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := s.client.Pipeline()

	waiting := pipe.LLen(ctx, waitingKey(queue))
	active := pipe.LLen(ctx, activeKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	completed := pipe.Get(ctx, completedCtrKey(queue))
	failed := pipe.Get(ctx, failedCtrKey(queue))
	paused := pipe.Exists(ctx, pausedKey(queue))

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, domain.WrapError(domain.KindExternalUnavailable, err, "queue stats")
	}

	stats := Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: counterValue(completed),
		Failed:    counterValue(failed),
		Paused:    paused.Val() > 0,
	}

	return stats, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	n, err := strconv.ParseInt(cmd.Val(), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// Pause stops workers from claiming new jobs on the queue. Active jobs run
// to completion.
func (s *Service) Pause(ctx context.Context, queue string) error {
	err := s.client.Set(ctx, pausedKey(queue), "1", 0).Err()
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, "pause queue")
	}

	return nil
}

// Resume lifts a pause.
func (s *Service) Resume(ctx context.Context, queue string) error {
	err := s.client.Del(ctx, pausedKey(queue)).Err()
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, "resume queue")
	}

	return nil
}

// IsPaused reports the pause flag.
func (s *Service) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := s.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, domain.WrapError(domain.KindExternalUnavailable, err, "read pause flag")
	}

	return n > 0, nil
}

// PromoteDelayed moves ready delayed jobs onto the wait list. Returns the
// number promoted.
func (s *Service) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)

	ids, err := s.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, domain.WrapError(domain.KindExternalUnavailable, err, "scan delayed jobs")
	}

	promoted := 0

	for _, id := range ids {
		// Only the remover promotes: ZRem returning 0 means another promoter
		// got there first.
		removed, remErr := s.client.ZRem(ctx, delayedKey(queue), id).Result()
		if remErr != nil {
			return promoted, domain.WrapError(domain.KindExternalUnavailable, remErr, "promote delayed job")
		}

		if removed == 0 {
			continue
		}

		updateErr := s.updateJob(ctx, id, map[string]any{"state": string(StateWaiting)})
		if updateErr != nil {
			return promoted, updateErr
		}

		pushErr := s.client.RPush(ctx, waitingKey(queue), id).Err()
		if pushErr != nil {
			return promoted, domain.WrapError(domain.KindExternalUnavailable, pushErr, "requeue delayed job")
		}

		promoted++
	}

	return promoted, nil
}

// claim blocks for up to timeout waiting for a job, moving it onto the
// active list. Returns nil when the wait times out.
func (s *Service) claim(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	id, err := s.client.BLMove(ctx, waitingKey(queue), activeKey(queue), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, domain.WrapError(domain.KindExternalUnavailable, err, "claim job")
	}

	job, loadErr := s.GetJob(ctx, id)
	if loadErr != nil {
		// Record gone; drop the orphaned id from the active list.
		_ = s.client.LRem(ctx, activeKey(queue), 1, id).Err()

		return nil, loadErr
	}

	now := time.Now().UTC()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &now

	updateErr := s.updateJob(ctx, job.ID, map[string]any{
		"state":        string(StateActive),
		"attempts":     job.Attempts,
		"processed_at": now.Format(time.RFC3339Nano),
	})
	if updateErr != nil {
		return nil, updateErr
	}

	return job, nil
}

// markCompleted finalizes a successful job. The first caller wins; later
// calls report false so terminal events fire exactly once.
func (s *Service) markCompleted(ctx context.Context, job *Job, result any) (bool, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode job result: %w", err)
	}

	first, finalizeErr := s.finalize(ctx, job, map[string]any{
		"state":    string(StateCompleted),
		"result":   string(encoded),
		"progress": 100,
	}, completedCtrKey(job.Queue))
	if finalizeErr != nil || !first {
		return first, finalizeErr
	}

	job.State = StateCompleted
	job.Result = encoded
	job.Progress = 100

	return true, nil
}

// markFailed finalizes a terminally failed job.
func (s *Service) markFailed(ctx context.Context, job *Job, cause error) (bool, error) {
	first, err := s.finalize(ctx, job, map[string]any{
		"state": string(StateFailed),
		"error": cause.Error(),
	}, failedCtrKey(job.Queue))
	if err != nil || !first {
		return first, err
	}

	job.State = StateFailed
	job.Error = cause.Error()

	return true, nil
}

// finalize applies a terminal transition: guard, fields, counters, dedupe
// release, retention TTL, active-list removal.
func (s *Service) finalize(ctx context.Context, job *Job, fields map[string]any, counterKey string) (bool, error) {
	now := time.Now().UTC()

	// HSetNX on finished_at is the exactly-once gate for terminal work.
	first, guardErr := s.client.HSetNX(ctx, jobKey(job.ID), "finished_at", now.Format(time.RFC3339Nano)).Result()
	if guardErr != nil {
		return false, domain.WrapError(domain.KindExternalUnavailable, guardErr, "finalize job")
	}

	if !first {
		return false, nil
	}

	job.FinishedAt = &now

	updateErr := s.updateJob(ctx, job.ID, fields)
	if updateErr != nil {
		return true, updateErr
	}

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, counterKey)
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.Expire(ctx, jobKey(job.ID), terminalJobTTL)

	if job.DedupeKey != "" {
		pipe.Del(ctx, job.DedupeKey)
	}

	_, pipeErr := pipe.Exec(ctx)
	if pipeErr != nil {
		return true, domain.WrapError(domain.KindExternalUnavailable, pipeErr, "finalize job cleanup")
	}

	return true, nil
}

// parkRetry moves a failed attempt to the delayed set with backoff.
func (s *Service) parkRetry(ctx context.Context, job *Job, cause error) error {
	delay := retryDelay(job.Attempts)
	readyAt := float64(time.Now().UTC().Add(delay).UnixMilli())

	updateErr := s.updateJob(ctx, job.ID, map[string]any{
		"state": string(StateDelayed),
		"error": cause.Error(),
	})
	if updateErr != nil {
		return updateErr
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID})
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, "park retry")
	}

	job.State = StateDelayed

	return nil
}

// setProgress persists a progress value.
func (s *Service) setProgress(ctx context.Context, jobID string, progress int) error {
	return s.updateJob(ctx, jobID, map[string]any{"progress": progress})
}

func (s *Service) writeJob(ctx context.Context, job *Job) error {
	fields := map[string]any{
		"id":           job.ID,
		"queue":        job.Queue,
		"kind":         job.Kind,
		"payload":      string(job.Payload),
		"state":        string(job.State),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"progress":     job.Progress,
		"dedupe_key":   job.DedupeKey,
		"created_at":   job.CreatedAt.Format(time.RFC3339Nano),
	}

	err := s.client.HSet(ctx, jobKey(job.ID), fields).Err()
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, "write job")
	}

	return nil
}

func (s *Service) updateJob(ctx context.Context, id string, fields map[string]any) error {
	err := s.client.HSet(ctx, jobKey(id), fields).Err()
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, "update job")
	}

	return nil
}

func jobFromFields(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        fields["id"],
		Queue:     fields["queue"],
		Kind:      fields["kind"],
		Payload:   json.RawMessage(fields["payload"]),
		State:     State(fields["state"]),
		Error:     fields["error"],
		DedupeKey: fields["dedupe_key"],
	}

	if raw := fields["result"]; raw != "" {
		job.Result = json.RawMessage(raw)
	}

	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Progress, _ = strconv.Atoi(fields["progress"])

	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("job %s has invalid created_at: %w", job.ID, err)
	}

	job.CreatedAt = createdAt

	if raw := fields["processed_at"]; raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			job.ProcessedAt = &ts
		}
	}

	if raw := fields["finished_at"]; raw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			job.FinishedAt = &ts
		}
	}

	return job, nil
}
