package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"integrationcore/internal/registry"
	"integrationcore/internal/state"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultStatePrefix     = "integrationcore"
)

// Publisher is the publish side of a Bridge.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// DiscoveryDevice is the device block of a discovery config.
type DiscoveryDevice struct {
	Name         string   `json:"name,omitempty"`
	Identifiers  []string `json:"identifiers"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// DiscoveryConfig is the retained message announcing one entity.
type DiscoveryConfig struct {
	Name                string           `json:"name,omitempty"`
	UniqueID            string           `json:"unique_id"`
	ObjectID            string           `json:"object_id"`
	StateTopic          string           `json:"state_topic"`
	ValueTemplate       string           `json:"value_template"`
	JSONAttributesTopic string           `json:"json_attributes_topic"`
	DeviceClass         string           `json:"device_class,omitempty"`
	UnitOfMeasurement   string           `json:"unit_of_measurement,omitempty"`
	Icon                string           `json:"icon,omitempty"`
	EntityCategory      string           `json:"entity_category,omitempty"`
	PayloadOn           string           `json:"payload_on,omitempty"`
	PayloadOff          string           `json:"payload_off,omitempty"`
	Device              *DiscoveryDevice `json:"device,omitempty"`
}

// StateMessage is the retained state of one entity.
type StateMessage struct {
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged string                 `json:"last_changed"`
}

// StatePublisher mirrors the state store onto MQTT: a discovery config the
// first time an entity is seen, then its state on every change. Removing an
// entity clears both retained messages.
type StatePublisher struct {
	pub             Publisher
	entities        *registry.EntityRegistry
	devices         *registry.DeviceRegistry
	states          *state.Store
	discoveryPrefix string
	statePrefix     string
	logger          *zap.Logger

	mu        sync.Mutex
	announced map[string]string
	sub       state.Subscription
}

// PublisherOptions configures a StatePublisher.
type PublisherOptions struct {
	DiscoveryPrefix string
	StatePrefix     string
	Logger          *zap.Logger
}

// NewStatePublisher creates a publisher. Start begins mirroring.
func NewStatePublisher(pub Publisher, entities *registry.EntityRegistry, devices *registry.DeviceRegistry, states *state.Store, opts PublisherOptions) *StatePublisher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if opts.StatePrefix == "" {
		opts.StatePrefix = DefaultStatePrefix
	}
	return &StatePublisher{
		pub:             pub,
		entities:        entities,
		devices:         devices,
		states:          states,
		discoveryPrefix: strings.TrimSuffix(opts.DiscoveryPrefix, "/"),
		statePrefix:     strings.TrimSuffix(opts.StatePrefix, "/"),
		logger:          logger.Named("mqtt_publisher"),
		announced:       make(map[string]string),
	}
}

// Start subscribes to the state store and publishes every current state.
func (p *StatePublisher) Start() {
	p.mu.Lock()
	if p.sub != nil {
		p.mu.Unlock()
		return
	}
	p.sub = p.states.Subscribe(state.Wildcard, p.handleChange)
	p.mu.Unlock()

	for _, st := range p.states.All() {
		p.handleChange(st.EntityID, nil, st)
	}
}

// Stop unsubscribes. Retained messages stay on the broker.
func (p *StatePublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		p.sub.Unsubscribe()
		p.sub = nil
	}
}

// StateTopic returns the topic carrying the state of entityID.
func (p *StatePublisher) StateTopic(entityID string) string {
	return fmt.Sprintf("%s/%s/state", p.statePrefix, entityID)
}

// DiscoveryTopic returns the discovery topic of an entity.
func (p *StatePublisher) DiscoveryTopic(platform, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", p.discoveryPrefix, platform, topicSafe(uniqueID))
}

func (p *StatePublisher) handleChange(entityID string, _, newState *state.State) {
	if newState == nil {
		p.retract(entityID)
		return
	}

	if err := p.announce(entityID, newState); err != nil {
		p.logger.Warn("Failed to publish discovery config", zap.String("entity_id", entityID), zap.Error(err))
	}

	payload, err := json.Marshal(StateMessage{
		State:       newState.State,
		Attributes:  newState.Attributes,
		LastChanged: newState.LastChanged.UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("Failed to encode state", zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	if err := p.pub.Publish(p.StateTopic(entityID), payload, true); err != nil {
		p.logger.Warn("Failed to publish state", zap.String("entity_id", entityID), zap.Error(err))
	}
}

func (p *StatePublisher) announce(entityID string, st *state.State) error {
	p.mu.Lock()
	_, done := p.announced[entityID]
	p.mu.Unlock()
	if done {
		return nil
	}

	rec, ok := p.entities.Get(entityID)
	if !ok {
		return fmt.Errorf("entity %s is not registered", entityID)
	}

	topic := p.DiscoveryTopic(rec.Platform, rec.UniqueID)
	payload, err := json.Marshal(p.discoveryConfig(rec, st))
	if err != nil {
		return err
	}
	if err := p.pub.Publish(topic, payload, true); err != nil {
		return err
	}

	p.mu.Lock()
	p.announced[entityID] = topic
	p.mu.Unlock()
	p.logger.Debug("Announced entity", zap.String("entity_id", entityID), zap.String("topic", topic))
	return nil
}

func (p *StatePublisher) discoveryConfig(rec registry.EntityEntry, st *state.State) DiscoveryConfig {
	attr := func(key string) string {
		s, _ := st.Attributes[key].(string)
		return s
	}

	cfg := DiscoveryConfig{
		Name:                attr("friendly_name"),
		UniqueID:            rec.UniqueID,
		ObjectID:            strings.TrimPrefix(rec.EntityID, rec.Platform+"."),
		StateTopic:          p.StateTopic(rec.EntityID),
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: p.StateTopic(rec.EntityID),
		DeviceClass:         attr("device_class"),
		UnitOfMeasurement:   attr("unit_of_measurement"),
		Icon:                attr("icon"),
		EntityCategory:      attr("entity_category"),
	}
	if rec.Platform == "binary_sensor" || rec.Platform == "switch" {
		cfg.PayloadOn = "on"
		cfg.PayloadOff = "off"
	}

	if rec.DeviceID != "" && p.devices != nil {
		if d, ok := p.devices.Get(rec.DeviceID); ok {
			dev := &DiscoveryDevice{
				Name:         d.Info.Name,
				Identifiers:  []string{topicSafe(d.ID)},
				Model:        d.Info.Model,
				Manufacturer: d.Info.Manufacturer,
				SWVersion:    d.Info.SWVersion,
			}
			if d.ViaDeviceID != "" {
				dev.ViaDevice = topicSafe(d.ViaDeviceID)
			}
			cfg.Device = dev
		}
	}
	return cfg
}

func (p *StatePublisher) retract(entityID string) {
	p.mu.Lock()
	topic, ok := p.announced[entityID]
	delete(p.announced, entityID)
	p.mu.Unlock()

	if err := p.pub.Publish(p.StateTopic(entityID), nil, true); err != nil {
		p.logger.Warn("Failed to clear state", zap.String("entity_id", entityID), zap.Error(err))
	}
	if !ok {
		return
	}
	if err := p.pub.Publish(topic, nil, true); err != nil {
		p.logger.Warn("Failed to clear discovery config", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// topicSafe makes an identifier usable as a single MQTT topic level.
func topicSafe(s string) string {
	return strings.Replace(slug.Make(s), "-", "_", -1)
}
