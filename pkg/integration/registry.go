// Package integration is the compile-time catalogue of integrations. Each
// integration package registers itself from init(); the binary picks them up
// through blank imports.
package integration

import (
	"fmt"
	"sort"
	"sync"

	"integrationcore/internal/entry"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// Priority constants for integration registration.
// Higher priority values override lower priority integrations with the same domain.
const (
	// PriorityDefault is the default priority for integrations.
	PriorityDefault = 0

	// PriorityOverride lets a private build replace a bundled integration.
	PriorityOverride = 100

	defaultOrder = 50
)

// Integration describes one integration domain.
type Integration struct {
	// Domain is the unique identifier, e.g. "mediaserver". It must be a slug.
	Domain string

	// Name is the human-readable name.
	Name string

	// Description is shown in logs.
	Description string

	// Priority determines which integration wins when several register the
	// same domain. Higher priority wins.
	Priority int

	// Setup sets up one config entry of this domain.
	Setup entry.SetupFunc

	// Order specifies the setup order of entries. Lower values are added first.
	// Default is 50.
	Order int
}

// Registry manages integration registration.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]Integration
	order        []string
	logger       *zap.Logger
}

// NewRegistry creates a new integration registry. A nil logger logs through
// zap's global logger.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		integrations: make(map[string]Integration),
		order:        make([]string, 0),
		logger:       logger,
	}
}

func (r *Registry) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L().Named("integration")
}

// Register adds an integration to the registry.
// If one with the same domain already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Domain == "" {
		return fmt.Errorf("integration domain cannot be empty")
	}
	if !slug.IsSlug(info.Domain) {
		return fmt.Errorf("integration domain %q must be a lowercase slug", info.Domain)
	}
	if info.Setup == nil {
		return fmt.Errorf("integration %s: setup cannot be nil", info.Domain)
	}
	if info.Order == 0 {
		info.Order = defaultOrder
	}
	if info.Name == "" {
		info.Name = info.Domain
	}

	existing, exists := r.integrations[info.Domain]
	if exists {
		if info.Priority < existing.Priority {
			r.log().Debug("Integration registration skipped",
				zap.String("domain", info.Domain),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.log().Info("Integration overridden",
			zap.String("domain", info.Domain),
			zap.Int("old_priority", existing.Priority),
			zap.Int("new_priority", info.Priority))
	}

	r.integrations[info.Domain] = info
	if !exists {
		r.order = append(r.order, info.Domain)
	}

	r.log().Debug("Integration registered",
		zap.String("domain", info.Domain),
		zap.Int("priority", info.Priority),
		zap.Int("order", info.Order),
		zap.String("description", info.Description))
	return nil
}

// Get returns the integration for a domain, or nil if not found.
func (r *Registry) Get(domain string) *Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.integrations[domain]
	if !ok {
		return nil
	}
	return &info
}

// Resolve returns the setup function for domain. It satisfies entry.Resolver.
func (r *Registry) Resolve(domain string) (entry.SetupFunc, bool) {
	info := r.Get(domain)
	if info == nil {
		return nil, false
	}
	return info.Setup, true
}

// List returns all integrations sorted by Order, then Domain.
func (r *Registry) List() []Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Integration, 0, len(r.integrations))
	for _, domain := range r.order {
		result = append(result, r.integrations[domain])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Domain < result[j].Domain
	})
	return result
}

// SortEntries orders cfgs by the Order of their integration. Entries of
// unknown domains go last; ties keep their configured order.
func (r *Registry) SortEntries(cfgs []entry.Config) []entry.Config {
	out := append([]entry.Config(nil), cfgs...)
	orderOf := func(domain string) int {
		if info := r.Get(domain); info != nil {
			return info.Order
		}
		return int(^uint(0) >> 1)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return orderOf(out[i].Domain) < orderOf(out[j].Domain)
	})
	return out
}

// Domains returns the registered domains in registration order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered integrations. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.integrations = make(map[string]Integration)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry(nil)

// Register adds an integration to the global registry.
// This is typically called from init() functions in integration packages.
func Register(info Integration) error {
	return globalRegistry.Register(info)
}

// MustRegister is Register for init() functions.
func MustRegister(info Integration) {
	if err := Register(info); err != nil {
		panic(err)
	}
}

// Get returns an integration from the global registry.
func Get(domain string) *Integration {
	return globalRegistry.Get(domain)
}

// Resolve looks up a setup function in the global registry.
func Resolve(domain string) (entry.SetupFunc, bool) {
	return globalRegistry.Resolve(domain)
}

// List returns all integrations from the global registry.
func List() []Integration {
	return globalRegistry.List()
}

// SortEntries orders cfgs using the global registry.
func SortEntries(cfgs []entry.Config) []entry.Config {
	return globalRegistry.SortEntries(cfgs)
}

// Domains returns all domains from the global registry.
func Domains() []string {
	return globalRegistry.Domains()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
