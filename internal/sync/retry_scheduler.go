package sync

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryEntry is a change owed to a subset of providers after a failed delivery
type RetryEntry struct {
	Key         string     `json:"path"`
	Path        string     `json:"localPath"`
	Kind        ChangeKind `json:"kind"`
	Hash        string     `json:"hash,omitempty"` // content the attempts were spent on
	Attempts    int        `json:"attempts"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	Providers   []string   `json:"providers,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (e *RetryEntry) clone() *RetryEntry {
	c := *e
	c.Providers = slices.Clone(e.Providers)
	return &c
}

func (e *RetryEntry) workItem() workItem {
	return workItem{
		FileChangeEvent: FileChangeEvent{
			Key:  e.Key,
			Path: e.Path,
			Kind: e.Kind,
		},
		hash:      e.Hash,
		attempts:  e.Attempts,
		providers: slices.Clone(e.Providers),
		retried:   true,
	}
}

// RetryPolicy bounds and spaces delivery attempts of a failing key
type RetryPolicy struct {
	// MaxAttempts is the total number of delivery attempts before giving up
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns min(base * 2^attempt, max)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return p.MaxDelay
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts used up the budget
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// retryScheduler periodically moves due retries into the pending set
type retryScheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	state    *syncState
	wake     func()
}

func (r *retryScheduler) run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := r.state.promoteDue(r.clock.Now()); n > 0 {
				slog.Debug("retry due", "count", n)
				r.wake()
			}
		}
	}
}
