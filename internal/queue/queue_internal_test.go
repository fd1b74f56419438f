package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10*time.Second, retryDelay(1))
	assert.Equal(t, 20*time.Second, retryDelay(2))
	assert.Equal(t, 40*time.Second, retryDelay(3))
	assert.Equal(t, 5*time.Minute, retryDelay(6), "backoff is capped")
	assert.Equal(t, 5*time.Minute, retryDelay(20))
}

func TestNextProgressLaws(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		last     int
		proposed int
		want     int
		publish  bool
	}{
		{name: "first step", last: 0, proposed: 10, want: 10, publish: true},
		{name: "regression suppressed", last: 50, proposed: 40, want: 50, publish: false},
		{name: "equal suppressed", last: 50, proposed: 50, want: 50, publish: false},
		{name: "small step suppressed", last: 50, proposed: 53, want: 50, publish: false},
		{name: "exact step", last: 50, proposed: 55, want: 55, publish: true},
		{name: "terminal always allowed", last: 97, proposed: 100, want: 100, publish: true},
		{name: "clamped above", last: 0, proposed: 150, want: 100, publish: true},
		{name: "clamped below", last: 0, proposed: -5, want: 0, publish: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, publish := nextProgress(tc.last, tc.proposed)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.publish, publish)
		})
	}
}

func TestJobFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	fields := map[string]string{
		"id":           "job-1",
		"queue":        QueueAnalysis,
		"kind":         KindAnalyzeWallet,
		"payload":      `{"walletAddress":"abc"}`,
		"state":        string(StateWaiting),
		"attempts":     "2",
		"max_attempts": "3",
		"progress":     "45",
		"dedupe_key":   "dedupe:analyze:abc:flash",
		"created_at":   now.Format(time.RFC3339Nano),
	}

	job, err := jobFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, QueueAnalysis, job.Queue)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 45, job.Progress)
	assert.Equal(t, now, job.CreatedAt)
	assert.False(t, job.Terminal())

	var payload struct {
		WalletAddress string `json:"walletAddress"`
	}
	require.NoError(t, job.UnmarshalPayload(&payload))
	assert.Equal(t, "abc", payload.WalletAddress)
}

func TestJobFieldsInvalidCreatedAt(t *testing.T) {
	t.Parallel()

	_, err := jobFromFields(map[string]string{"id": "job-1", "created_at": "garbage"})
	require.Error(t, err)
}

func TestDedupeKeyBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dedupe:sync:abc", SyncDedupeKey("abc"))
	assert.Equal(t, "dedupe:analyze:abc:flash", AnalyzeDedupeKey("abc", "flash"))
}
