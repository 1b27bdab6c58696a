// Package entity models the externally visible capabilities of a vendor
// device: sensors, binary sensors, buttons, numbers and switches.
//
// Entities are built by composition. Each kind holds a non-owning reference
// to the coordinator (or dispatch bus) that feeds it and a typed descriptor
// with the functions that read or command the device.
package entity

import (
	"context"
	"sync"

	"integrationcore/internal/clock"
	"integrationcore/internal/command"
	"integrationcore/internal/registry"

	"go.uber.org/zap"
)

// Rendered states for entities without a value.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
	StateOn          = "on"
	StateOff         = "off"
)

// Kind is the platform an entity belongs to. It is the prefix of the entity_id.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindButton       Kind = "button"
	KindNumber       Kind = "number"
	KindSwitch       Kind = "switch"
)

// Category marks entities that are not primary controls.
type Category string

const (
	CategoryNone       Category = ""
	CategoryConfig     Category = "config"
	CategoryDiagnostic Category = "diagnostic"
)

// Metadata is the display bundle shared by every descriptor.
type Metadata struct {
	Name              string
	DeviceClass       string
	Icon              string
	Unit              string
	Category          Category
	DisabledByDefault bool
}

// Entity is what the platform registrar manages.
type Entity interface {
	UniqueID() string
	Kind() Kind
	Metadata() Metadata
	Device() *registry.DeviceInfo

	Available() bool
	State() string
	Attributes() map[string]any

	// Added subscribes the entity to its data source and writes its first state.
	Added(ctx context.Context, host Host) error
	// Removed releases every subscription. It is safe to call more than once
	// and on an entity that was never added.
	Removed()
	// Update pulls fresh data for the entity, used before the first render.
	Update(ctx context.Context) error
}

// Host receives rendered state changes. The platform registrar implements it.
type Host interface {
	WriteState(e Entity)
}

// Presser is implemented by buttons.
type Presser interface {
	Press(ctx context.Context) error
}

// ValueSetter is implemented by numbers.
type ValueSetter interface {
	SetValue(ctx context.Context, value float64) error
}

// Toggler is implemented by switches.
type Toggler interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Option configures an entity at construction.
type Option func(*options)

type options struct {
	device *registry.DeviceInfo
	policy command.Policy
	clock  clock.Clock
	logger *zap.Logger
}

// WithDevice links the entity to a device record.
func WithDevice(info registry.DeviceInfo) Option {
	return func(o *options) { o.device = &info }
}

// WithPolicy sets the retry policy used for commands.
func WithPolicy(p command.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock sets the clock used for press timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger for command failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Base carries identity, metadata and the subscription handles every kind
// shares.
type Base struct {
	uniqueID string
	kind     Kind
	meta     Metadata
	device   *registry.DeviceInfo
	policy   command.Policy
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	host     Host
	removers []func()
}

func newBase(uniqueID string, kind Kind, meta Metadata, opts []Option) Base {
	o := options{policy: command.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{
		uniqueID: uniqueID,
		kind:     kind,
		meta:     meta,
		device:   o.device,
		policy:   o.policy,
		clock:    clock.OrReal(o.clock),
		logger:   logger.Named("entity").With(zap.String("unique_id", uniqueID)),
	}
}

// UniqueID returns the stable registry key.
func (b *Base) UniqueID() string { return b.uniqueID }

// Kind returns the entity platform.
func (b *Base) Kind() Kind { return b.kind }

// Metadata returns the display bundle.
func (b *Base) Metadata() Metadata { return b.meta }

// Device returns the linked device, or nil.
func (b *Base) Device() *registry.DeviceInfo { return b.device }

// Removed releases subscriptions in reverse order of registration.
func (b *Base) Removed() {
	b.mu.Lock()
	removers := b.removers
	b.removers = nil
	b.host = nil
	b.mu.Unlock()

	for i := len(removers) - 1; i >= 0; i-- {
		removers[i]()
	}
}

func (b *Base) attach(host Host) {
	b.mu.Lock()
	b.host = host
	b.mu.Unlock()
}

func (b *Base) track(remove func()) {
	b.mu.Lock()
	b.removers = append(b.removers, remove)
	b.mu.Unlock()
}

// writeState hands self to the host. It is a no-op once removed.
func (b *Base) writeState(self Entity) {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()

	if host != nil {
		host.WriteState(self)
	}
}

func (b *Base) baseAttributes() map[string]any {
	attrs := make(map[string]any)
	if b.meta.Name != "" {
		attrs["friendly_name"] = b.meta.Name
	}
	if b.meta.DeviceClass != "" {
		attrs["device_class"] = b.meta.DeviceClass
	}
	if b.meta.Icon != "" {
		attrs["icon"] = b.meta.Icon
	}
	if b.meta.Unit != "" {
		attrs["unit_of_measurement"] = b.meta.Unit
	}
	if b.meta.Category != CategoryNone {
		attrs["entity_category"] = string(b.meta.Category)
	}
	return attrs
}

// runCommand executes fn under the retry policy and converts failures to
// a *CommandError.
func (b *Base) runCommand(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := b.policy.Run(ctx, name, fn)
	if err == nil {
		return nil
	}
	cerr := newCommandError(b.uniqueID, name, err)
	b.logger.Warn("Command failed",
		zap.String("command", name),
		zap.String("reason", cerr.Reason),
		zap.Error(err))
	return cerr
}
