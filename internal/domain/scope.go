package domain

import (
	"fmt"
	"time"
)

// Scope is one rung of the dashboard analysis ladder. Each scope bundles a
// history window, a signature target, a freshness window and a job timeout.
type Scope string

const (
	// ScopeFlash covers the most recent activity, optimized for latency.
	ScopeFlash Scope = "flash"
	// ScopeWorking covers a 30-day trailing window.
	ScopeWorking Scope = "working"
	// ScopeDeep covers the full stored history, bounded by the store cap.
	ScopeDeep Scope = "deep"
)

// ParseScope validates a client-supplied scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeFlash, ScopeWorking, ScopeDeep:
		return Scope(s), nil
	default:
		return "", Errorf(KindInvalidInput, "unknown analysis scope %q", s)
	}
}

// ScopeParams are the tunable parameters of one scope.
type ScopeParams struct {
	// WindowDays is the history window in days. Zero means full history.
	WindowDays int
	// SignatureTarget is the store-count target for smart fetch.
	SignatureTarget int
	// Freshness is how long a successful run satisfies the freshness gate.
	Freshness time.Duration
	// Timeout bounds the analyze job for this scope.
	Timeout time.Duration
}

// Window converts WindowDays to a TimeRange ending at now.
// A zero WindowDays yields an unbounded range.
func (p ScopeParams) Window(now time.Time) TimeRange {
	if p.WindowDays <= 0 {
		return TimeRange{}
	}

	return TimeRange{From: now.AddDate(0, 0, -p.WindowDays), To: now}
}

// Default scope parameters. Overridable through configuration.
const (
	DefaultFlashWindowDays   = 7
	DefaultFlashTarget       = 250
	DefaultWorkingWindowDays = 30
	DefaultWorkingTarget     = 1000
	DefaultDeepTarget        = 5000

	DefaultFlashFreshness   = 30 * time.Minute
	DefaultWorkingFreshness = 6 * time.Hour
	DefaultDeepFreshness    = 24 * time.Hour

	DefaultFlashTimeout   = 5 * time.Minute
	DefaultWorkingTimeout = 5 * time.Minute
	DefaultDeepTimeout    = 15 * time.Minute
)

// DefaultScopeParams returns the built-in parameter set for a scope.
func DefaultScopeParams(scope Scope) (ScopeParams, error) {
	switch scope {
	case ScopeFlash:
		return ScopeParams{
			WindowDays:      DefaultFlashWindowDays,
			SignatureTarget: DefaultFlashTarget,
			Freshness:       DefaultFlashFreshness,
			Timeout:         DefaultFlashTimeout,
		}, nil
	case ScopeWorking:
		return ScopeParams{
			WindowDays:      DefaultWorkingWindowDays,
			SignatureTarget: DefaultWorkingTarget,
			Freshness:       DefaultWorkingFreshness,
			Timeout:         DefaultWorkingTimeout,
		}, nil
	case ScopeDeep:
		return ScopeParams{
			SignatureTarget: DefaultDeepTarget,
			Freshness:       DefaultDeepFreshness,
			Timeout:         DefaultDeepTimeout,
		}, nil
	default:
		return ScopeParams{}, fmt.Errorf("no parameters for scope %q", scope)
	}
}

// FollowUp returns the next scope in the ladder, or "" for deep.
func (s Scope) FollowUp() Scope {
	switch s {
	case ScopeFlash:
		return ScopeWorking
	case ScopeWorking:
		return ScopeDeep
	default:
		return ""
	}
}
