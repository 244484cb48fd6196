package sync

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const (
	maxRecentErrors       = 50
	maxSettledPaths       = 1024
	statusEventBufferSize = 16
)

// PathStatus is the observable state of one key
type PathStatus struct {
	Key       string    `json:"path"`
	State     PathState `json:"state"`
	Attempts  int       `json:"attempts,omitempty"`
	Providers []string  `json:"providers,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncError is an entry of the recent errors ring
type SyncError struct {
	Path     string    `json:"path"`
	Provider string    `json:"provider,omitempty"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
}

type SyncCounts struct {
	Pending           int `json:"pending"`
	Active            int `json:"active"`
	Retrying          int `json:"retrying"`
	Synced            int `json:"synced"`
	PermanentFailures int `json:"permanentFailures"`
}

type ProviderStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// SyncStatus is a read-only snapshot for observers
type SyncStatus struct {
	IsRunning      bool             `json:"isRunning"`
	LastSync       *time.Time       `json:"lastSync,omitempty"`
	NextSync       *time.Time       `json:"nextSync,omitempty"`
	FailedAttempts int              `json:"failedAttempts"`
	Errors         []SyncError      `json:"errors"`
	Counts         SyncCounts       `json:"counts"`
	Providers      []ProviderStatus `json:"providers"`
}

// StatusTracker keeps per-path state, counters and a bounded ring of recent
// errors. In-flight paths are kept until they settle; settled paths are kept in
// an LRU so the map does not grow with the tree.
type StatusTracker struct {
	mu             sync.RWMutex
	clock          clockwork.Clock
	inFlight       map[string]*PathStatus
	settled        *lru.Cache[string, *PathStatus]
	errors         []SyncError
	errorsNext     int
	running        bool
	lastSync       time.Time
	failedAttempts int
	synced         int
	permanent      int

	subs  []chan PathStatus
	subMu sync.RWMutex
}

func NewStatusTracker(clock clockwork.Clock) *StatusTracker {
	settled, _ := lru.New[string, *PathStatus](maxSettledPaths)
	return &StatusTracker{
		clock:    clock,
		inFlight: make(map[string]*PathStatus),
		settled:  settled,
		errors:   make([]SyncError, 0, maxRecentErrors),
	}
}

// Subscribe returns a channel of path status changes
func (s *StatusTracker) Subscribe() <-chan PathStatus {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan PathStatus, statusEventBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *StatusTracker) Unsubscribe(ch <-chan PathStatus) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if sub == ch {
			close(sub)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *StatusTracker) broadcast(status PathStatus) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subs {
		select {
		case sub <- status:
		default:
			// slow subscriber, drop
		}
	}
}

func (s *StatusTracker) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Set moves key to state without touching counters
func (s *StatusTracker) Set(key string, state PathState) {
	s.update(key, func(st *PathStatus) {
		st.State = state
	})
}

// Succeeded marks a delivered key
func (s *StatusTracker) Succeeded(key string, providers []string) {
	s.mu.Lock()
	s.synced++
	s.lastSync = s.clock.Now()
	s.mu.Unlock()

	s.update(key, func(st *PathStatus) {
		st.State = StateSucceeded
		st.Attempts = 0
		st.Providers = providers
		st.LastError = ""
	})
}

// Unchanged marks a key whose content every provider already holds
func (s *StatusTracker) Unchanged(key string) {
	s.update(key, func(st *PathStatus) {
		st.State = StateSucceeded
		st.Attempts = 0
		st.LastError = ""
	})
}

// Retrying marks a key waiting for another attempt
func (s *StatusTracker) Retrying(key string, attempts int, providers []string, err error) {
	s.mu.Lock()
	s.failedAttempts++
	s.mu.Unlock()

	s.update(key, func(st *PathStatus) {
		st.State = StateRetrying
		st.Attempts = attempts
		st.Providers = providers
		st.LastError = errString(err)
	})
}

// PermanentlyFailed marks a key that will not be retried
func (s *StatusTracker) PermanentlyFailed(key string, attempts int, err error) {
	s.mu.Lock()
	s.failedAttempts++
	s.permanent++
	s.mu.Unlock()

	s.update(key, func(st *PathStatus) {
		st.State = StatePermanentlyFailed
		st.Attempts = attempts
		st.LastError = errString(err)
	})
}

// Skipped marks a key excluded from sync, e.g. oversize
func (s *StatusTracker) Skipped(key string, reason string) {
	s.update(key, func(st *PathStatus) {
		st.State = StateSkipped
		st.LastError = reason
	})
}

// RecordError appends to the recent errors ring
func (s *StatusTracker) RecordError(key, provider string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := SyncError{Path: key, Provider: provider, Error: err.Error(), Time: s.clock.Now()}
	if len(s.errors) < maxRecentErrors {
		s.errors = append(s.errors, entry)
		return
	}
	s.errors[s.errorsNext] = entry
	s.errorsNext = (s.errorsNext + 1) % maxRecentErrors
}

// Path returns the state of key
func (s *StatusTracker) Path(key string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.inFlight[key]; ok {
		return *st, true
	}
	if st, ok := s.settled.Get(key); ok {
		return *st, true
	}
	return PathStatus{}, false
}

// Paths returns the status of every key not yet settled
func (s *StatusTracker) Paths() []PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PathStatus, 0, len(s.inFlight))
	for _, st := range s.inFlight {
		out = append(out, *st)
	}
	return out
}

// Snapshot returns the tracker's part of SyncStatus; queue counts, next sync and
// providers are filled in by the engine.
func (s *StatusTracker) Snapshot() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SyncStatus{
		IsRunning:      s.running,
		FailedAttempts: s.failedAttempts,
		Errors:         s.recentErrors(),
		Counts: SyncCounts{
			Synced:            s.synced,
			PermanentFailures: s.permanent,
		},
	}
	if !s.lastSync.IsZero() {
		last := s.lastSync
		status.LastSync = &last
	}
	return status
}

// recentErrors returns the ring oldest first. Callers hold mu.
func (s *StatusTracker) recentErrors() []SyncError {
	out := make([]SyncError, 0, len(s.errors))
	if len(s.errors) < maxRecentErrors {
		return append(out, s.errors...)
	}
	out = append(out, s.errors[s.errorsNext:]...)
	return append(out, s.errors[:s.errorsNext]...)
}

func (s *StatusTracker) update(key string, fn func(*PathStatus)) {
	s.mu.Lock()
	st, ok := s.inFlight[key]
	if !ok {
		if prev, found := s.settled.Get(key); found {
			cp := *prev
			st = &cp
		} else {
			st = &PathStatus{Key: key, State: StatePending}
		}
	}
	fn(st)
	st.UpdatedAt = s.clock.Now()

	switch st.State {
	case StateSucceeded, StatePermanentlyFailed, StateSkipped:
		delete(s.inFlight, key)
		s.settled.Add(key, st)
	default:
		s.settled.Remove(key)
		s.inFlight[key] = st
	}
	snapshot := *st
	s.mu.Unlock()

	s.broadcast(snapshot)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
