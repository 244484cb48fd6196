package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/backend"
	"github.com/openmined/syftmirror/internal/config"
)

var ErrNoProviders = errors.New("no usable providers")

type providerEntry struct {
	backend backend.StorageBackend
	typ     string
	enabled bool
}

type ManagerOption func(*SyncManager)

// WithManagerClock drives every timer of the manager from clock
func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(m *SyncManager) {
		m.clock = clock
	}
}

// WithMonitoringSink adds a sink next to the default log sink
func WithMonitoringSink(sink MonitoringSink) ManagerOption {
	return func(m *SyncManager) {
		m.sinks = append(m.sinks, sink)
	}
}

// WithBackends replaces the backends built from the provider config
func WithBackends(backends ...backend.StorageBackend) ManagerOption {
	return func(m *SyncManager) {
		for _, b := range backends {
			m.overrides = append(m.overrides, providerEntry{backend: b, typ: "custom", enabled: true})
		}
	}
}

// SyncManager wires the watcher, scanner, engine and journal together for a
// configuration and owns their start and stop order.
type SyncManager struct {
	cfg       *config.Config
	clock     clockwork.Clock
	journal   *SyncJournal
	roots     WatchRoots
	registry  *ProviderRegistry
	status    *StatusTracker
	engine    *SyncEngine
	watcher   *FileWatcher
	scanner   *LocalScanner
	sinks     MultiSink
	overrides []providerEntry
}

func NewManager(cfg *config.Config, journalPath string, opts ...ManagerOption) (*SyncManager, error) {
	roots, err := NewWatchRoots(cfg.Directories, cfg.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roots: %w", err)
	}

	m := &SyncManager{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		journal: NewSyncJournal(journalPath),
		roots:   roots,
		sinks:   MultiSink{NewLogSink(nil)},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.status = NewStatusTracker(m.clock)
	m.registry = NewProviderRegistry(m.clock, m.sinks)
	m.engine = NewSyncEngine(engineConfig(cfg), m.journal, m.registry,
		WithClock(m.clock),
		WithSink(m.sinks),
		WithStatusTracker(m.status),
	)
	m.watcher = NewFileWatcher(roots, m.engine.Notify)
	m.watcher.SetClock(m.clock)
	m.watcher.SetStabilityThreshold(cfg.StabilityThreshold())
	m.scanner = NewLocalScanner(roots, m.engine.Fingerprints(), m.registry)

	return m, nil
}

func engineConfig(cfg *config.Config) EngineConfig {
	return EngineConfig{
		MaxFileSize:       cfg.MaxFileSizeBytes,
		Debounce:          cfg.Debounce(),
		RetryScanInterval: cfg.RetryScanInterval(),
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
		MaxConcurrentFiles: cfg.MaxConcurrentFiles,
		DrainTimeout:       cfg.DrainTimeout(),
	}
}

func (m *SyncManager) Start(ctx context.Context) error {
	slog.Info("sync manager start", "roots", len(m.roots))

	if err := m.journal.Open(); err != nil {
		return err
	}

	if err := m.registerProviders(ctx); err != nil {
		m.journal.Close()
		return err
	}
	m.registry.Validate(ctx)
	if len(m.registry.Enabled()) == 0 {
		m.journal.Close()
		return ErrNoProviders
	}

	if err := m.engine.Start(ctx); err != nil {
		m.journal.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// watch before scanning so nothing changed in between is missed
	if err := m.watcher.Start(ctx); err != nil {
		m.engine.Stop(context.WithoutCancel(ctx))
		m.journal.Close()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if _, err := m.Rescan(ctx); err != nil {
		slog.Error("sync manager initial scan", "error", err)
	}
	return nil
}

func (m *SyncManager) registerProviders(ctx context.Context) error {
	if len(m.overrides) > 0 {
		for _, p := range m.overrides {
			if err := m.registry.Register(p.backend, p.typ, p.enabled); err != nil {
				return err
			}
		}
		return nil
	}

	for _, p := range m.cfg.Providers {
		b, err := backend.New(ctx, p.BackendOptions())
		if err != nil {
			slog.Error("provider init", "provider", p.Name, "error", err)
			m.sinks.Publish(newEvent(EventProviderDisabled, "", m.clock.Now()).
				withProviders([]string{p.Name}).
				withError(err))
			continue
		}
		if err := m.registry.Register(b, p.Type, p.Enabled); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops the watcher, drains the engine and closes the journal, in that order
func (m *SyncManager) Stop(ctx context.Context) error {
	slog.Info("sync manager stop")
	m.watcher.Stop()
	err := m.engine.Stop(ctx)
	if cerr := m.journal.Close(); cerr != nil && !errors.Is(cerr, ErrJournalClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

// Rescan walks the roots and queues every file the providers are missing
func (m *SyncManager) Rescan(ctx context.Context) (int, error) {
	events, err := m.scanner.Scan(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		m.engine.Enqueue(ev)
	}
	return len(events), nil
}

func (m *SyncManager) RetryNow() int {
	return m.engine.RetryNow()
}

func (m *SyncManager) Retries() []*RetryEntry {
	return m.engine.Retries()
}

func (m *SyncManager) Status() SyncStatus {
	return m.engine.Status()
}

func (m *SyncManager) Tracker() *StatusTracker {
	return m.status
}

func (m *SyncManager) Engine() *SyncEngine {
	return m.engine
}
