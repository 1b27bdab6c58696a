// Package platform registers entities with the runtime on behalf of one
// config entry: it assigns entity IDs, links devices, renders state and
// tears entities down again.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"integrationcore/internal/entity"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateUniqueID is returned when an entity reuses a unique_id
	// already active in the entry.
	ErrDuplicateUniqueID = errors.New("duplicate unique_id")

	// ErrUnknownEntity is returned when removing an entity that is not active.
	ErrUnknownEntity = errors.New("unknown entity")
)

// Options wires a Platform to the runtime registries.
type Options struct {
	Domain   string
	EntryID  string
	Entities *registry.EntityRegistry
	Devices  *registry.DeviceRegistry
	States   *state.Store
	Logger   *zap.Logger
}

type tracked struct {
	entity   entity.Entity
	entityID string
}

// Platform owns the active entities of one config entry.
type Platform struct {
	domain   string
	entryID  string
	entities *registry.EntityRegistry
	devices  *registry.DeviceRegistry
	states   *state.Store
	logger   *zap.Logger

	mu       sync.RWMutex
	active   map[string]*tracked
	byEntity map[string]*tracked
	order    []string
}

// New creates an empty Platform.
func New(opts Options) *Platform {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{
		domain:   opts.Domain,
		entryID:  opts.EntryID,
		entities: opts.Entities,
		devices:  opts.Devices,
		states:   opts.States,
		logger:   logger.Named("platform").With(zap.String("entry_id", opts.EntryID)),
		active:   make(map[string]*tracked),
		byEntity: make(map[string]*tracked),
	}
}

// AddEntities registers and adds entities. Disabled entities are registered
// but not added. With updateBeforeAdd every entity is refreshed once before
// its first render. Duplicates are skipped and reported in the returned error.
func (p *Platform) AddEntities(ctx context.Context, ents []entity.Entity, updateBeforeAdd bool) error {
	var errs []error

	accepted := make([]entity.Entity, 0, len(ents))
	seen := make(map[string]bool, len(ents))
	p.mu.RLock()
	for _, e := range ents {
		uid := e.UniqueID()
		if _, active := p.active[uid]; active || seen[uid] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateUniqueID, uid))
			p.logger.Error("Entity unique_id already exists", zap.String("unique_id", uid))
			continue
		}
		seen[uid] = true
		accepted = append(accepted, e)
	}
	p.mu.RUnlock()

	type pending struct {
		entity   entity.Entity
		entityID string
	}
	toAdd := make([]pending, 0, len(accepted))
	for _, e := range accepted {
		entry, err := p.register(ctx, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.Disabled() {
			p.logger.Debug("Not adding disabled entity",
				zap.String("entity_id", entry.EntityID),
				zap.String("disabled_by", entry.DisabledBy))
			continue
		}
		toAdd = append(toAdd, pending{entity: e, entityID: entry.EntityID})
	}

	if updateBeforeAdd {
		g, gctx := errgroup.WithContext(ctx)
		for _, item := range toAdd {
			e := item.entity
			g.Go(func() error {
				if err := e.Update(gctx); err != nil {
					p.logger.Warn("Update before add failed",
						zap.String("unique_id", e.UniqueID()),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, item := range toAdd {
		uid := item.entity.UniqueID()
		t := &tracked{entity: item.entity, entityID: item.entityID}

		// A concurrent AddEntities or Sync may have added uid since the check above.
		p.mu.Lock()
		if _, active := p.active[uid]; active {
			p.mu.Unlock()
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateUniqueID, uid))
			p.logger.Error("Entity unique_id already exists", zap.String("unique_id", uid))
			continue
		}
		p.active[uid] = t
		p.byEntity[item.entityID] = t
		p.order = append(p.order, uid)
		p.mu.Unlock()

		if err := item.entity.Added(ctx, p); err != nil {
			p.untrack(uid)
			item.entity.Removed()
			errs = append(errs, fmt.Errorf("failed to add %s: %w", item.entityID, err))
			continue
		}
		p.logger.Debug("Added entity", zap.String("entity_id", item.entityID))
	}

	return errors.Join(errs...)
}

func (p *Platform) register(ctx context.Context, e entity.Entity) (registry.EntityEntry, error) {
	var deviceID, deviceName string
	if info := e.Device(); info != nil && p.devices != nil {
		d, err := p.devices.GetOrCreate(ctx, p.entryID, p.domain, *info)
		if err != nil {
			return registry.EntityEntry{}, fmt.Errorf("failed to register device for %s: %w", e.UniqueID(), err)
		}
		deviceID = d.ID
		deviceName = d.Info.Name
	}

	meta := e.Metadata()
	entry, err := p.entities.Register(ctx, registry.RegisterRequest{
		Platform:          string(e.Kind()),
		Domain:            p.domain,
		UniqueID:          e.UniqueID(),
		SuggestedName:     suggestedName(deviceName, meta.Name, e.UniqueID()),
		ConfigEntryID:     p.entryID,
		DeviceID:          deviceID,
		DisabledByDefault: meta.DisabledByDefault,
	})
	if err != nil {
		return registry.EntityEntry{}, fmt.Errorf("failed to register %s: %w", e.UniqueID(), err)
	}
	return entry, nil
}

func suggestedName(device, name, uniqueID string) string {
	parts := lo.Compact([]string{device, name})
	if len(parts) == 0 {
		return uniqueID
	}
	return strings.Join(parts, " ")
}

// WriteState renders e into the state store.
func (p *Platform) WriteState(e entity.Entity) {
	p.mu.RLock()
	t, ok := p.active[e.UniqueID()]
	p.mu.RUnlock()
	if !ok || t.entity != e {
		return
	}
	p.states.Set(t.entityID, e.State(), e.Attributes())
}

// WriteAllStates re-renders every active entity, e.g. after the
// availability of a shared connection changed.
func (p *Platform) WriteAllStates() {
	for _, e := range p.Entities() {
		p.WriteState(e)
	}
}

// RemoveEntity tears down one active entity and drops its state. The
// registry entry is kept so the entity_id survives a later re-add.
func (p *Platform) RemoveEntity(uniqueID string) error {
	t := p.untrack(uniqueID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uniqueID)
	}
	t.entity.Removed()
	p.states.Remove(t.entityID)
	p.logger.Debug("Removed entity", zap.String("entity_id", t.entityID))
	return nil
}

func (p *Platform) untrack(uniqueID string) *tracked {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.active[uniqueID]
	if !ok {
		return nil
	}
	delete(p.active, uniqueID)
	delete(p.byEntity, t.entityID)
	p.order = lo.Without(p.order, uniqueID)
	return t
}

// SyncResult lists the unique IDs touched by Sync.
type SyncResult struct {
	Added   []string
	Removed []string
}

// Sync makes the active set match discovered: entities no longer discovered
// are removed (and dropped from the entity registry), new ones are added.
// Entities present in both are left alone.
func (p *Platform) Sync(ctx context.Context, discovered []entity.Entity, updateBeforeAdd bool) (SyncResult, error) {
	p.mu.RLock()
	known := append([]string(nil), p.order...)
	p.mu.RUnlock()

	discoveredIDs := lo.Map(discovered, func(e entity.Entity, _ int) string { return e.UniqueID() })
	gone, fresh := lo.Difference(known, discoveredIDs)

	var errs []error
	for _, uid := range gone {
		entityID, _ := p.EntityID(uid)
		if err := p.RemoveEntity(uid); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.entities.Remove(ctx, entityID); err != nil && !errors.Is(err, registry.ErrEntityNotFound) {
			errs = append(errs, err)
		}
	}

	freshSet := lo.SliceToMap(fresh, func(uid string) (string, bool) { return uid, true })
	toAdd := lo.Filter(discovered, func(e entity.Entity, _ int) bool { return freshSet[e.UniqueID()] })
	if err := p.AddEntities(ctx, toAdd, updateBeforeAdd); err != nil {
		errs = append(errs, err)
	}

	if len(gone) > 0 || len(fresh) > 0 {
		p.logger.Info("Synchronized entities",
			zap.Strings("added", fresh),
			zap.Strings("removed", gone))
	}
	return SyncResult{Added: fresh, Removed: gone}, errors.Join(errs...)
}

// Reset removes every active entity, newest first.
func (p *Platform) Reset() {
	p.mu.RLock()
	order := append([]string(nil), p.order...)
	p.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		_ = p.RemoveEntity(order[i])
	}
}

// EntityID returns the entity_id of an active entity.
func (p *Platform) EntityID(uniqueID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.active[uniqueID]
	if !ok {
		return "", false
	}
	return t.entityID, true
}

// Lookup returns the active entity with entityID.
func (p *Platform) Lookup(entityID string) (entity.Entity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.byEntity[entityID]
	if !ok {
		return nil, false
	}
	return t.entity, true
}

// Entities returns the active entities in the order they were added.
func (p *Platform) Entities() []entity.Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return lo.Map(p.order, func(uid string, _ int) entity.Entity { return p.active[uid].entity })
}

// EntityIDs returns the entity IDs of the active entities in add order.
func (p *Platform) EntityIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return lo.Map(p.order, func(uid string, _ int) string { return p.active[uid].entityID })
}
