// Package state keeps the rendered state of every entity and notifies
// subscribers when it changes.
package state

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"integrationcore/internal/clock"

	"go.uber.org/zap"
)

// Wildcard subscribes to every entity.
const Wildcard = "*"

// State is the rendered state of one entity.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// StateChangeHandler is called when an entity state changes.
// newState is nil when the entity was removed.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	key   string
	id    uint64
	store *Store
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.store.unsubscribe(s.key, s.id) })
}

// Store holds the current state of every entity in the runtime.
type Store struct {
	clock       clock.Clock
	logger      *zap.Logger
	cache       map[string]*State
	cacheMu     sync.RWMutex
	subscribers map[string]map[uint64]StateChangeHandler
	nextID      uint64
	subsMu      sync.RWMutex
}

// NewStore creates an empty state store
func NewStore(clk clock.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		clock:       clock.OrReal(clk),
		logger:      logger.Named("state"),
		cache:       make(map[string]*State),
		subscribers: make(map[string]map[uint64]StateChangeHandler),
	}
}

// Set writes the state of entityID. last_changed only moves when the state
// string changes. Writing an identical state and attributes is a no-op.
func (s *Store) Set(entityID, value string, attributes map[string]interface{}) *State {
	now := s.clock.Now()
	attrs := copyAttributes(attributes)

	s.cacheMu.Lock()
	old := s.cache[entityID]
	if old != nil && old.State == value && reflect.DeepEqual(old.Attributes, attrs) {
		s.cacheMu.Unlock()
		return copyState(old)
	}

	next := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
	if old != nil && old.State == value {
		next.LastChanged = old.LastChanged
	}
	s.cache[entityID] = next
	s.cacheMu.Unlock()

	s.logger.Debug("State changed",
		zap.String("entity_id", entityID),
		zap.String("state", value))

	s.notifySubscribers(entityID, copyState(old), copyState(next))
	return copyState(next)
}

// Get returns the state of entityID.
func (s *Store) Get(entityID string) (*State, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	st, ok := s.cache[entityID]
	if !ok {
		return nil, false
	}
	return copyState(st), true
}

// All returns every state sorted by entity_id.
func (s *Store) All() []*State {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	states := make([]*State, 0, len(s.cache))
	for _, st := range s.cache {
		states = append(states, copyState(st))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	return states
}

// Remove drops entityID and notifies subscribers with a nil new state.
func (s *Store) Remove(entityID string) {
	s.cacheMu.Lock()
	old, ok := s.cache[entityID]
	delete(s.cache, entityID)
	s.cacheMu.Unlock()

	if !ok {
		return
	}
	s.logger.Debug("State removed", zap.String("entity_id", entityID))
	s.notifySubscribers(entityID, copyState(old), nil)
}

// Subscribe calls handler for changes to entityID, or to every entity when
// entityID is Wildcard. Handlers run synchronously on the writer's goroutine.
func (s *Store) Subscribe(entityID string, handler StateChangeHandler) Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextID++
	id := s.nextID
	if s.subscribers[entityID] == nil {
		s.subscribers[entityID] = make(map[uint64]StateChangeHandler)
	}
	s.subscribers[entityID][id] = handler

	return &subscription{key: entityID, id: id, store: s}
}

// unsubscribe removes a single handler
func (s *Store) unsubscribe(key string, id uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	delete(s.subscribers[key], id)
	if len(s.subscribers[key]) == 0 {
		delete(s.subscribers, key)
	}
}

// notifySubscribers notifies entity subscribers then wildcard subscribers,
// each group in subscription order.
func (s *Store) notifySubscribers(entityID string, oldState, newState *State) {
	s.subsMu.RLock()
	handlers := orderedHandlers(s.subscribers[entityID])
	if entityID != Wildcard {
		handlers = append(handlers, orderedHandlers(s.subscribers[Wildcard])...)
	}
	s.subsMu.RUnlock()

	for _, handler := range handlers {
		s.callHandler(handler, entityID, oldState, newState)
	}
}

func (s *Store) callHandler(handler StateChangeHandler, entityID string, oldState, newState *State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("State subscriber panicked",
				zap.String("entity_id", entityID),
				zap.Any("panic", r))
		}
	}()
	handler(entityID, oldState, newState)
}

func orderedHandlers(m map[uint64]StateChangeHandler) []StateChangeHandler {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]StateChangeHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func copyState(st *State) *State {
	if st == nil {
		return nil
	}
	out := *st
	out.Attributes = copyAttributes(st.Attributes)
	return &out
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
