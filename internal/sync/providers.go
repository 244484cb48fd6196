package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/backend"
	"golang.org/x/sync/errgroup"
)

const DefaultValidateTimeout = 10 * time.Second

type registeredProvider struct {
	backend backend.StorageBackend
	typ     string
	enabled bool
	reason  string
}

// ProviderRegistry holds the configured backends and which of them are usable.
// A provider that fails validation is disabled on its own; the others keep going.
type ProviderRegistry struct {
	mu              sync.RWMutex
	providers       []*registeredProvider
	byName          map[string]*registeredProvider
	sink            MonitoringSink
	clock           clockwork.Clock
	validateTimeout time.Duration
}

func NewProviderRegistry(clock clockwork.Clock, sink MonitoringSink) *ProviderRegistry {
	return &ProviderRegistry{
		byName:          make(map[string]*registeredProvider),
		sink:            sink,
		clock:           clock,
		validateTimeout: DefaultValidateTimeout,
	}
}

func (r *ProviderRegistry) SetValidateTimeout(d time.Duration) {
	r.validateTimeout = d
}

// Register adds a backend. Names must be unique.
func (r *ProviderRegistry) Register(b backend.StorageBackend, typ string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[b.Name()]; ok {
		return fmt.Errorf("provider %q already registered", b.Name())
	}
	p := &registeredProvider{backend: b, typ: typ, enabled: enabled}
	if !enabled {
		p.reason = "disabled in config"
	}
	r.providers = append(r.providers, p)
	r.byName[b.Name()] = p
	return nil
}

// Validate checks every enabled provider concurrently, disabling the ones that fail
func (r *ProviderRegistry) Validate(ctx context.Context) {
	var g errgroup.Group
	for _, b := range r.Enabled() {
		g.Go(func() error {
			validateCtx, cancel := context.WithTimeout(ctx, r.validateTimeout)
			defer cancel()

			if err := b.Validate(validateCtx); err != nil {
				r.Disable(b.Name(), err.Error())
				return nil
			}
			slog.Info("provider ready", "provider", b.Name())
			return nil
		})
	}
	g.Wait()
}

// Disable takes a provider out of rotation and publishes why
func (r *ProviderRegistry) Disable(name, reason string) {
	r.mu.Lock()
	p, ok := r.byName[name]
	if !ok || !p.enabled {
		r.mu.Unlock()
		return
	}
	p.enabled = false
	p.reason = reason
	r.mu.Unlock()

	slog.Warn("provider disabled", "provider", name, "reason", reason)
	if r.sink != nil {
		r.sink.Publish(newEvent(EventProviderDisabled, "", r.clock.Now()).
			withProviders([]string{name}).
			withError(fmt.Errorf("%s", reason)))
	}
}

// Enabled returns the usable backends in registration order
func (r *ProviderRegistry) Enabled() []backend.StorageBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]backend.StorageBackend, 0, len(r.providers))
	for _, p := range r.providers {
		if p.enabled {
			out = append(out, p.backend)
		}
	}
	return out
}

// Targets returns the enabled backends, restricted to names when it is non-nil
func (r *ProviderRegistry) Targets(names []string) []backend.StorageBackend {
	enabled := r.Enabled()
	if names == nil {
		return enabled
	}
	allowed := mapset.NewThreadUnsafeSet(names...)
	out := enabled[:0]
	for _, b := range enabled {
		if allowed.Contains(b.Name()) {
			out = append(out, b)
		}
	}
	return out
}

func (r *ProviderRegistry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return ok && p.enabled
}

func (r *ProviderRegistry) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderStatus{
			Name:    p.backend.Name(),
			Type:    p.typ,
			Enabled: p.enabled,
			Reason:  p.reason,
		})
	}
	return out
}

func providerNames(backends []backend.StorageBackend) []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	return names
}
