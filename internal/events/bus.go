// Package events carries job lifecycle notifications over Redis pub/sub.
// Events are advisory: the queue's job records stay authoritative, so a
// dropped event costs a client a refresh, never correctness.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletscope/walletscope/internal/observability"
)

// Type is a job lifecycle event type.
type Type string

const (
	// TypeProgress reports job progress in percent.
	TypeProgress Type = "progress"
	// TypeCompleted reports successful job completion with its result.
	TypeCompleted Type = "completed"
	// TypeFailed reports terminal job failure.
	TypeFailed Type = "failed"
	// TypeQueueToStart reports a job leaving the wait list for a worker.
	TypeQueueToStart Type = "queue-to-start"
)

// channelPrefix roots every event channel.
const channelPrefix = "job:"

// publishRetryDelays paces the publish retries before an event is dropped.
var publishRetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Event is one job lifecycle notification.
type Event struct {
	Type    Type            `json:"type"`
	Queue   string          `json:"queue"`
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Channel returns the Redis channel the event is published on.
func (e Event) Channel() string {
	return fmt.Sprintf("%s%s:%s:%s", channelPrefix, e.Type, e.Queue, e.JobID)
}

// parseChannel recovers type, queue and job id from a channel name.
func parseChannel(channel string) (eventType Type, queue, jobID string, ok bool) {
	trimmed, found := strings.CutPrefix(channel, channelPrefix)
	if !found {
		return "", "", "", false
	}

	parts := strings.SplitN(trimmed, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}

	return Type(parts[0]), parts[1], parts[2], true
}

// Bus publishes and subscribes job lifecycle events.
type Bus struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewBus creates a Bus.
func NewBus(client redis.UniversalClient, logger *slog.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{client: client, logger: logger, metrics: metrics}
}

// Publish sends the event, retrying on broker errors. After the last retry
// the event is logged and counted as dropped; publishing never fails the
// caller.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("event marshal failed", "type", event.Type, "job", event.JobID, "error", err)

		return
	}

	channel := event.Channel()

	publishErr := b.client.Publish(ctx, channel, body).Err()
	if publishErr == nil {
		return
	}

	for _, delay := range publishRetryDelays {
		select {
		case <-ctx.Done():
			b.drop(event, ctx.Err())

			return
		case <-time.After(delay):
		}

		publishErr = b.client.Publish(ctx, channel, body).Err()
		if publishErr == nil {
			return
		}
	}

	b.drop(event, publishErr)
}

func (b *Bus) drop(event Event, cause error) {
	if b.metrics != nil {
		b.metrics.EventsDropped.Inc()
	}

	b.logger.Warn("event dropped after retries",
		"type", event.Type, "queue", event.Queue, "job", event.JobID, "error", cause)
}

// SubscribeAll streams every job event until ctx is canceled. The returned
// channel closes when the subscription ends.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan Event, error) {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")

	// Force the subscription to be established before returning so callers
	// do not miss events published right after.
	_, err := sub.Receive(ctx)
	if err != nil {
		_ = sub.Close()

		return nil, fmt.Errorf("subscribe to job events: %w", err)
	}

	out := make(chan Event, 64)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		messages := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				event, decodeErr := decode(msg)
				if decodeErr != nil {
					b.logger.Warn("undecodable event", "channel", msg.Channel, "error", decodeErr)

					continue
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decode(msg *redis.Message) (Event, error) {
	var event Event

	err := json.Unmarshal([]byte(msg.Payload), &event)
	if err != nil {
		return Event{}, err
	}

	// The channel name is authoritative for routing fields.
	eventType, queue, jobID, ok := parseChannel(msg.Channel)
	if ok {
		event.Type = eventType
		event.Queue = queue
		event.JobID = jobID
	}

	return event, nil
}
