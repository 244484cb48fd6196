package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// grace period for in-flight calls to unwind after their context is cancelled
	cancelGrace = 5 * time.Second
)

var (
	ErrEngineRunning = errors.New("sync engine already running")
	ErrEngineStopped = errors.New("sync engine stopped")
)

type EngineConfig struct {
	MaxFileSize        int64
	Debounce           time.Duration
	RetryScanInterval  time.Duration
	Retry              RetryPolicy
	MaxConcurrentFiles int
	DrainTimeout       time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxFileSize:       100 << 20,
		Debounce:          time.Second,
		RetryScanInterval: 5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Minute,
		},
		MaxConcurrentFiles: 4,
		DrainTimeout:       30 * time.Second,
	}
}

type EngineOption func(*SyncEngine)

func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *SyncEngine) {
		e.clock = clock
	}
}

func WithSink(sink MonitoringSink) EngineOption {
	return func(e *SyncEngine) {
		e.sink = sink
	}
}

func WithStatusTracker(status *StatusTracker) EngineOption {
	return func(e *SyncEngine) {
		e.status = status
	}
}

// SyncEngine propagates local changes to every enabled provider. Changes are
// debounced per key, dispatched to a bounded set of workers, and failed
// deliveries are retried with exponential backoff.
type SyncEngine struct {
	cfg          EngineConfig
	clock        clockwork.Clock
	journal      *SyncJournal
	fingerprints *FingerprintStore
	providers    *ProviderRegistry
	status       *StatusTracker
	sink         MonitoringSink
	state        *syncState
	coalescer    *Coalescer
	retries      *retryScheduler

	kick     chan struct{}
	sem      chan struct{}
	inflight sync.WaitGroup
	loopWg   sync.WaitGroup

	loopCancel   context.CancelFunc
	uploadCtx    context.Context
	uploadCancel context.CancelFunc

	abandonedMu sync.Mutex
	abandoned   map[string]struct{}

	running atomic.Bool
	stopped atomic.Bool
}

func NewSyncEngine(cfg EngineConfig, journal *SyncJournal, providers *ProviderRegistry, opts ...EngineOption) *SyncEngine {
	e := &SyncEngine{
		cfg:          cfg,
		clock:        clockwork.NewRealClock(),
		journal:      journal,
		fingerprints: NewFingerprintStore(journal),
		providers:    providers,
		state:        newSyncState(),
		kick:         make(chan struct{}, 1),
		sem:          make(chan struct{}, max(cfg.MaxConcurrentFiles, 1)),
		abandoned:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.status == nil {
		e.status = NewStatusTracker(e.clock)
	}
	if e.sink == nil {
		e.sink = NewLogSink(nil)
	}

	e.coalescer = NewCoalescer(e.clock, cfg.Debounce, e.ready)
	e.retries = &retryScheduler{
		clock:    e.clock,
		interval: cfg.RetryScanInterval,
		state:    e.state,
		wake:     e.wake,
	}
	return e
}

// Start restores persisted retries and starts the dispatcher and retry scan
func (e *SyncEngine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}

	entries, err := e.journal.LoadRetries()
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("load retries: %w", err)
	}
	for _, entry := range entries {
		e.state.addRetry(entry)
	}
	if len(entries) > 0 {
		slog.Info("sync retries restored", "count", len(entries))
	}

	// uploads outlive the dispatcher so Stop can drain them
	e.uploadCtx, e.uploadCancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel

	e.loopWg.Add(2)
	go func() {
		defer e.loopWg.Done()
		e.dispatch(loopCtx)
	}()
	go func() {
		defer e.loopWg.Done()
		e.retries.run(loopCtx)
	}()

	e.status.SetRunning(true)
	slog.Info("sync engine started",
		"providers", len(e.providers.Enabled()),
		"workers", cap(e.sem),
		"debounce", e.cfg.Debounce,
	)
	e.wake()
	return nil
}

// Stop drains the engine: debouncing changes are flushed, in-flight
// propagations get DrainTimeout to finish and whatever is still pending is
// synced before returning. Work that cannot finish is persisted as due retries.
func (e *SyncEngine) Stop(ctx context.Context) error {
	if !e.running.Load() || !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("sync engine stopping")

	e.coalescer.Flush()
	e.coalescer.Stop()

	e.loopCancel()
	e.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	drainTimer := e.clock.NewTimer(e.cfg.DrainTimeout)
	defer drainTimer.Stop()

	select {
	case <-done:
	case <-drainTimer.Chan():
		e.abandon()
	case <-ctx.Done():
		e.abandon()
	}

	grace := e.clock.NewTimer(cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.Chan():
		slog.Warn("sync engine in-flight calls did not unwind")
	}

	for _, item := range e.state.drain() {
		if ctx.Err() != nil {
			e.persistDue(item, ctx.Err())
			continue
		}
		result := e.syncFile(ctx, item)
		if retry := e.resolve(item, result); retry != nil {
			e.scheduleRetry(retry)
		}
	}

	e.uploadCancel()
	e.status.SetRunning(false)
	e.running.Store(false)
	slog.Info("sync engine stopped")
	return nil
}

// abandon persists every in-flight key as a due retry and cancels the calls
func (e *SyncEngine) abandon() {
	items := e.state.activeItems()
	e.abandonedMu.Lock()
	for _, item := range items {
		e.abandoned[item.Key] = struct{}{}
	}
	e.abandonedMu.Unlock()

	for _, item := range items {
		slog.Warn("sync drain timeout, deferring", "path", item.Key)
		e.persistDue(item, context.DeadlineExceeded)
	}
	e.uploadCancel()
}

func (e *SyncEngine) isAbandoned(key string) bool {
	e.abandonedMu.Lock()
	defer e.abandonedMu.Unlock()
	_, ok := e.abandoned[key]
	return ok
}

// persistDue writes item to the journal as a retry due immediately so the next
// run picks it up
func (e *SyncEngine) persistDue(item workItem, cause error) {
	entry := &RetryEntry{
		Key:         item.Key,
		Path:        item.Path,
		Kind:        item.Kind,
		Hash:        item.hash,
		Attempts:    item.attempts,
		NextRetryAt: e.clock.Now(),
		Providers:   item.providers,
		LastError:   errString(cause),
	}
	if err := e.journal.SaveRetry(entry); err != nil {
		slog.Error("sync persist retry", "path", item.Key, "error", err)
	}
}

// Notify feeds a raw change into the debouncer
func (e *SyncEngine) Notify(ev FileChangeEvent) {
	if e.stopped.Load() {
		return
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.clock.Now()
	}
	e.coalescer.Add(ev)
}

// Enqueue makes a change pending right away, bypassing the debouncer
func (e *SyncEngine) Enqueue(ev FileChangeEvent) {
	if e.stopped.Load() {
		return
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.clock.Now()
	}
	e.ready(ev)
}

// ready is called once a change settled
func (e *SyncEngine) ready(ev FileChangeEvent) {
	if superseded := e.state.enqueue(ev); superseded != nil {
		slog.Debug("sync retry superseded", "path", ev.Key, "attempts", superseded.Attempts)
	}
	e.status.Set(ev.Key, StatePending)
	e.wake()
}

// RetryNow makes every scheduled retry due immediately
func (e *SyncEngine) RetryNow() int {
	n := e.state.promoteAll()
	if n > 0 {
		e.wake()
	}
	return n
}

// Retries returns the scheduled retries ordered by due time
func (e *SyncEngine) Retries() []*RetryEntry {
	return e.state.retryEntries()
}

// Idle reports whether nothing is debouncing, pending, active or buffered
func (e *SyncEngine) Idle() bool {
	return e.coalescer.Len() == 0 && e.state.idle()
}

func (e *SyncEngine) Status() SyncStatus {
	status := e.status.Snapshot()
	counts := e.state.counts()
	status.Counts.Pending = counts.pending + counts.buffered + e.coalescer.Len()
	status.Counts.Active = counts.active
	status.Counts.Retrying = counts.retrying
	if next, ok := e.state.nextRetryAt(); ok {
		status.NextSync = &next
	}
	status.Providers = e.providers.Statuses()
	return status
}

func (e *SyncEngine) Tracker() *StatusTracker {
	return e.status
}

func (e *SyncEngine) Fingerprints() *FingerprintStore {
	return e.fingerprints
}

func (e *SyncEngine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// dispatch hands pending keys to workers, at most MaxConcurrentFiles at a time
func (e *SyncEngine) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		}

		for {
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			item, ok := e.state.next()
			if !ok {
				<-e.sem
				break
			}

			e.inflight.Add(1)
			go e.work(item)
		}
	}
}

func (e *SyncEngine) work(item workItem) {
	defer e.inflight.Done()
	defer func() { <-e.sem }()

	result := e.syncFile(e.uploadCtx, item)
	if e.isAbandoned(item.Key) {
		// persisted by abandon; the cut off calls are not this item's failures
		e.state.complete(item.Key, nil)
		return
	}

	retry := e.resolve(item, result)

	if scheduled := e.state.complete(item.Key, retry); scheduled {
		e.scheduleRetry(retry)
	}
	e.wake()
}

// resolve reports the result and returns the retry entry owed, if any
func (e *SyncEngine) resolve(item workItem, result *SyncResult) *RetryEntry {
	now := e.clock.Now()
	key := item.Key

	if result.Hash != "" && item.hash != "" && result.Hash != item.hash {
		// new content gets a fresh attempt budget
		item.attempts = 0
	}

	for name, err := range result.Failed {
		e.status.RecordError(key, name, err)
	}
	for name, err := range result.Permanent {
		e.status.RecordError(key, name, err)
	}
	if result.LocalErr != nil {
		e.status.RecordError(key, "", result.LocalErr)
	}
	if result.LocalFatal != nil {
		e.status.RecordError(key, "", result.LocalFatal)
		e.sink.Publish(newEvent(EventPermanentFailure, key, now).withProviders(result.Unreached).withError(result.LocalFatal))
	}

	if len(result.Succeeded) > 0 {
		typ := EventSynced
		if result.Kind == ChangeDelete {
			typ = EventDeleted
		}
		e.sink.Publish(newEvent(typ, key, now).withProviders(result.Succeeded).withAttempt(item.attempts + 1))
	}
	if len(result.Permanent) > 0 {
		names := make([]string, 0, len(result.Permanent))
		var errs []error
		for name, err := range result.Permanent {
			names = append(names, name)
			errs = append(errs, err)
		}
		e.sink.Publish(newEvent(EventPermanentFailure, key, now).withProviders(names).withError(errors.Join(errs...)))
	}

	switch result.Outcome {
	case OutcomeSucceeded:
		e.status.Succeeded(key, result.Succeeded)
	case OutcomeUnchanged:
		e.status.Unchanged(key)
	case OutcomeSkipped:
		e.status.Skipped(key, result.Reason)
		e.sink.Publish(newEvent(EventSkipped, key, now).withError(errors.New(result.Reason)))
	case OutcomePermanentFailure:
		e.status.PermanentlyFailed(key, item.attempts+1, result.firstError())
	case OutcomeFailed:
		attempts := item.attempts + 1
		err := result.firstError()
		if e.cfg.Retry.Exhausted(attempts) {
			slog.Error("sync retries exhausted", "path", key, "attempts", attempts, "error", err)
			e.status.PermanentlyFailed(key, attempts, err)
			e.sink.Publish(newEvent(EventRetryExhausted, key, now).
				withProviders(result.FailedProviders()).
				withAttempt(attempts).
				withError(err))
			e.forgetRetry(item)
			return nil
		}

		providers := result.FailedProviders()
		hash := result.Hash
		if result.LocalErr != nil {
			providers = item.providers
			hash = item.hash
		}
		return &RetryEntry{
			Key:         key,
			Path:        item.Path,
			Kind:        result.Kind,
			Hash:        hash,
			Attempts:    attempts,
			NextRetryAt: now.Add(e.cfg.Retry.Delay(attempts)),
			Providers:   providers,
			LastError:   errString(err),
		}
	}

	e.forgetRetry(item)
	return nil
}

func (e *SyncEngine) forgetRetry(item workItem) {
	if !item.retried {
		return
	}
	if err := e.journal.DeleteRetry(item.Key); err != nil {
		slog.Error("sync delete retry", "path", item.Key, "error", err)
	}
}

func (e *SyncEngine) scheduleRetry(retry *RetryEntry) {
	if err := e.journal.SaveRetry(retry); err != nil {
		slog.Error("sync persist retry", "path", retry.Key, "error", err)
	}
	e.status.Retrying(retry.Key, retry.Attempts, retry.Providers, errors.New(retry.LastError))
	e.sink.Publish(newEvent(EventRetryScheduled, retry.Key, e.clock.Now()).
		withProviders(retry.Providers).
		withAttempt(retry.Attempts).
		withError(errors.New(retry.LastError)))
	slog.Warn("sync retry scheduled",
		"path", retry.Key,
		"attempt", retry.Attempts,
		"in", retry.NextRetryAt.Sub(e.clock.Now()),
		"providers", retry.Providers,
		"error", retry.LastError,
	)
}
