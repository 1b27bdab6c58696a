package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"integrationcore/internal/store"

	"github.com/gosimple/slug"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const entityPrefix = "entity/"

// DisabledByIntegration marks entities that are disabled by default.
const DisabledByIntegration = "integration"

// ErrEntityNotFound is returned for unknown entity IDs.
var ErrEntityNotFound = errors.New("entity not found")

// EntityEntry is the persisted record for one entity.
type EntityEntry struct {
	EntityID      string `json:"entity_id"`
	UniqueID      string `json:"unique_id"`
	Platform      string `json:"platform"`
	Domain        string `json:"domain"`
	ConfigEntryID string `json:"config_entry_id"`
	DeviceID      string `json:"device_id,omitempty"`
	OriginalName  string `json:"original_name,omitempty"`
	DisabledBy    string `json:"disabled_by,omitempty"`
}

// Disabled reports whether the entity should not be added to the runtime.
func (e EntityEntry) Disabled() bool {
	return e.DisabledBy != ""
}

// RegisterRequest describes an entity an integration wants to add.
type RegisterRequest struct {
	Platform          string
	Domain            string
	UniqueID          string
	SuggestedName     string
	ConfigEntryID     string
	DeviceID          string
	DisabledByDefault bool
}

// EntityRegistry maps (domain, platform, unique_id) to a stable entity_id.
type EntityRegistry struct {
	kv     store.KV
	logger *zap.Logger

	mu       sync.RWMutex
	byKey    map[string]*EntityEntry
	byEntity map[string]*EntityEntry
}

// NewEntityRegistry loads every persisted entity from kv.
func NewEntityRegistry(ctx context.Context, kv store.KV, logger *zap.Logger) (*EntityRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &EntityRegistry{
		kv:       kv,
		logger:   logger.Named("entity_registry"),
		byKey:    make(map[string]*EntityEntry),
		byEntity: make(map[string]*EntityEntry),
	}

	records, err := kv.List(ctx, entityPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	for key, raw := range records {
		var e EntityEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			r.logger.Warn("Skipping unreadable entity record", zap.String("key", key), zap.Error(err))
			continue
		}
		r.byKey[entityKey(e.Domain, e.Platform, e.UniqueID)] = &e
		r.byEntity[e.EntityID] = &e
	}
	return r, nil
}

func entityKey(domain, platform, uniqueID string) string {
	return domain + "/" + platform + "/" + uniqueID
}

// Register returns the entry for req, creating it with a fresh entity_id on
// first sight. A known unique_id keeps its entity_id; its entry and device
// links are refreshed.
func (r *EntityRegistry) Register(ctx context.Context, req RegisterRequest) (EntityEntry, error) {
	if req.UniqueID == "" {
		return EntityEntry{}, errors.New("unique_id is required")
	}
	key := entityKey(req.Domain, req.Platform, req.UniqueID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[key]; ok {
		if existing.ConfigEntryID == req.ConfigEntryID && existing.DeviceID == req.DeviceID {
			return *existing, nil
		}
		updated := *existing
		updated.ConfigEntryID = req.ConfigEntryID
		updated.DeviceID = req.DeviceID
		if err := r.saveLocked(ctx, key, &updated); err != nil {
			return EntityEntry{}, err
		}
		return updated, nil
	}

	e := &EntityEntry{
		EntityID:      r.generateEntityIDLocked(req),
		UniqueID:      req.UniqueID,
		Platform:      req.Platform,
		Domain:        req.Domain,
		ConfigEntryID: req.ConfigEntryID,
		DeviceID:      req.DeviceID,
		OriginalName:  req.SuggestedName,
	}
	if req.DisabledByDefault {
		e.DisabledBy = DisabledByIntegration
	}
	if err := r.saveLocked(ctx, key, e); err != nil {
		return EntityEntry{}, err
	}

	r.logger.Info("Registered entity",
		zap.String("entity_id", e.EntityID),
		zap.String("unique_id", e.UniqueID))
	return *e, nil
}

// generateEntityIDLocked builds "<platform>.<slug>" and appends _2, _3, ...
// until the ID is free.
func (r *EntityRegistry) generateEntityIDLocked(req RegisterRequest) string {
	name := req.SuggestedName
	if name == "" {
		name = req.UniqueID
	}
	object := strings.Replace(slug.Make(name), "-", "_", -1)
	if object == "" {
		object = req.Domain
	}

	base := req.Platform + "." + object
	candidate := base
	for i := 2; ; i++ {
		if _, taken := r.byEntity[candidate]; !taken {
			return candidate
		}
		candidate = base + "_" + strconv.Itoa(i)
	}
}

func (r *EntityRegistry) saveLocked(ctx context.Context, key string, e *EntityEntry) error {
	if err := store.PutJSON(ctx, r.kv, entityPrefix+key, e); err != nil {
		return fmt.Errorf("failed to save entity %s: %w", e.EntityID, err)
	}
	r.byKey[key] = e
	r.byEntity[e.EntityID] = e
	return nil
}

// Get returns the entry for entityID.
func (r *EntityRegistry) Get(entityID string) (EntityEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byEntity[entityID]
	if !ok {
		return EntityEntry{}, false
	}
	return *e, true
}

// Lookup returns the entity_id registered for a unique_id.
func (r *EntityRegistry) Lookup(domain, platform, uniqueID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[entityKey(domain, platform, uniqueID)]
	if !ok {
		return "", false
	}
	return e.EntityID, true
}

// ForEntry lists entries linked to a config entry, sorted by entity_id.
func (r *EntityRegistry) ForEntry(entryID string) []EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.FilterMap(lo.Values(r.byEntity), func(e *EntityEntry, _ int) (EntityEntry, bool) {
		return *e, e.ConfigEntryID == entryID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// SetDisabled enables or disables an entity as the user.
func (r *EntityRegistry) SetDisabled(ctx context.Context, entityID string, disabled bool) (EntityEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byEntity[entityID]
	if !ok {
		return EntityEntry{}, ErrEntityNotFound
	}
	updated := *e
	updated.DisabledBy = ""
	if disabled {
		updated.DisabledBy = "user"
	}
	if err := r.saveLocked(ctx, entityKey(e.Domain, e.Platform, e.UniqueID), &updated); err != nil {
		return EntityEntry{}, err
	}
	return updated, nil
}

// Remove deletes the entry for entityID.
func (r *EntityRegistry) Remove(ctx context.Context, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byEntity[entityID]
	if !ok {
		return ErrEntityNotFound
	}
	key := entityKey(e.Domain, e.Platform, e.UniqueID)
	if err := r.kv.Delete(ctx, entityPrefix+key); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", entityID, err)
	}
	delete(r.byKey, key)
	delete(r.byEntity, entityID)
	return nil
}
