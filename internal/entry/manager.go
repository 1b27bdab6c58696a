package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"integrationcore/internal/entity"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownDomain is returned when no integration is registered for an
	// entry's domain.
	ErrUnknownDomain = errors.New("unknown integration domain")

	// ErrDuplicateEntry is returned when an entry ID is added twice.
	ErrDuplicateEntry = errors.New("duplicate config entry")

	// ErrEntryNotFound is returned for an unknown entry ID.
	ErrEntryNotFound = errors.New("config entry not found")
)

// Resolver returns the setup function for a domain.
type Resolver func(domain string) (SetupFunc, bool)

// Manager owns every configured entry.
type Manager struct {
	svc     Services
	resolve Resolver
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewManager creates an empty Manager.
func NewManager(svc Services, resolve Resolver) *Manager {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	return &Manager{
		svc:     svc,
		resolve: resolve,
		logger:  svc.Logger.Named("entries"),
		entries: make(map[string]*Entry),
	}
}

// Add creates a not_loaded entry for cfg.
func (m *Manager) Add(cfg Config) (*Entry, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("config entry for %s has no id", cfg.Domain)
	}
	setup, ok := m.resolve(cfg.Domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, cfg.Domain)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, cfg.ID)
	}
	e := New(cfg, setup, m.svc)
	m.entries[cfg.ID] = e
	m.order = append(m.order, cfg.ID)
	return e, nil
}

// Get returns the entry with id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// List returns every entry in the order it was added.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id])
	}
	return out
}

// SetupAll sets up every not_loaded entry concurrently. Entries that fail
// keep retrying on their own; the returned error joins every failure.
func (m *Manager) SetupAll(ctx context.Context) error {
	entries := m.List()
	errs := make([]error, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		if e.State() != StateNotLoaded {
			continue
		}
		g.Go(func() error {
			errs[i] = e.Setup(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UnloadAll unloads every entry, newest first.
func (m *Manager) UnloadAll(ctx context.Context) error {
	entries := m.List()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].Unload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove unloads an entry and deletes its entities and devices from the
// registries.
func (m *Manager) Remove(ctx context.Context, id string) error {
	e, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err := e.Unload(ctx); err != nil {
		return err
	}

	if m.svc.Entities != nil {
		for _, rec := range m.svc.Entities.ForEntry(id) {
			if err := m.svc.Entities.Remove(ctx, rec.EntityID); err != nil {
				return fmt.Errorf("failed to remove entity %s: %w", rec.EntityID, err)
			}
		}
	}
	if m.svc.Devices != nil {
		if err := m.svc.Devices.RemoveEntry(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.entries, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("Removed config entry", zap.String("entry_id", id))
	return nil
}

// LookupEntity finds the active entity with entityID in any loaded entry.
func (m *Manager) LookupEntity(entityID string) (entity.Entity, *Entry, bool) {
	for _, e := range m.List() {
		rt := e.Runtime()
		if rt == nil {
			continue
		}
		if ent, ok := rt.Platform().Lookup(entityID); ok {
			return ent, e, true
		}
	}
	return nil, nil, false
}
