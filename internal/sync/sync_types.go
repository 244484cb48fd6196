package sync

import (
	"fmt"
	"slices"
	"time"
)

// ChangeKind is what happened to a path
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseChangeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "add":
		return ChangeAdd, nil
	case "modify":
		return ChangeModify, nil
	case "delete":
		return ChangeDelete, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// mergeKind folds a newer change into an older one for the same path.
// A delete always wins, a re-creation after a delete is a modify and an add
// stays an add until it has been delivered.
func mergeKind(prev, next ChangeKind) ChangeKind {
	switch {
	case next == ChangeDelete:
		return ChangeDelete
	case prev == ChangeDelete:
		return ChangeModify
	case prev == ChangeAdd:
		return ChangeAdd
	default:
		return next
	}
}

// FileChangeEvent is a single observed change to a file under a watched root
type FileChangeEvent struct {
	Key        string     `json:"path"`
	Path       string     `json:"localPath"`
	Kind       ChangeKind `json:"kind"`
	ObservedAt time.Time  `json:"observedAt"`
}

func (e FileChangeEvent) merge(next FileChangeEvent) FileChangeEvent {
	next.Kind = mergeKind(e.Kind, next.Kind)
	return next
}

// PathState is the position of a path in the sync state machine
type PathState string

const (
	StatePending           PathState = "pending"
	StateUploading         PathState = "uploading"
	StateSucceeded         PathState = "succeeded"
	StateFailed            PathState = "failed"
	StateRetrying          PathState = "retrying"
	StatePermanentlyFailed PathState = "permanently_failed"
	StateSkipped           PathState = "skipped"
)

// Outcome is the path level result of one propagation
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeUnchanged
	OutcomeFailed
	OutcomePermanentFailure
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeFailed:
		return "failed"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SyncResult collects what happened to each provider during one propagation
type SyncResult struct {
	Key       string
	Kind      ChangeKind
	Outcome   Outcome
	Hash      string
	Succeeded []string
	Failed    map[string]error // transient, retried
	Permanent map[string]error // never retried
	LocalErr  error            // reading the source failed, retried for every provider
	Reason    string

	// LocalFatal is a source that stayed unreadable after the one re-read.
	// Unreached lists the providers the change was owed to.
	LocalFatal error
	Unreached  []string
}

func newSyncResult(key string, kind ChangeKind) *SyncResult {
	return &SyncResult{
		Key:       key,
		Kind:      kind,
		Failed:    make(map[string]error),
		Permanent: make(map[string]error),
	}
}

// settle derives the path level outcome from the per provider results
func (r *SyncResult) settle() {
	slices.Sort(r.Succeeded)
	if r.Outcome == OutcomeSkipped {
		return
	}
	switch {
	case r.LocalErr != nil || len(r.Failed) > 0:
		r.Outcome = OutcomeFailed
	case r.LocalFatal != nil || len(r.Permanent) > 0:
		r.Outcome = OutcomePermanentFailure
	case len(r.Succeeded) > 0:
		r.Outcome = OutcomeSucceeded
	default:
		r.Outcome = OutcomeUnchanged
	}
}

// FailedProviders returns the providers still owed this change
func (r *SyncResult) FailedProviders() []string {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// firstError returns one representative error for logs and retry entries
func (r *SyncResult) firstError() error {
	if r.LocalErr != nil {
		return r.LocalErr
	}
	for _, err := range r.Failed {
		return err
	}
	if r.LocalFatal != nil {
		return r.LocalFatal
	}
	for _, err := range r.Permanent {
		return err
	}
	return nil
}
