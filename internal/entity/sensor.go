package entity

import "context"

// SensorDescription describes a read-only value extracted from a snapshot.
type SensorDescription[T any] struct {
	Key string
	Metadata
	// Value extracts the native value. ok=false renders unknown.
	Value func(data T) (value any, ok bool)
	// Attributes adds extra state attributes. Optional.
	Attributes func(data T) map[string]any
	// Online is the domain availability predicate. Nil means always online.
	Online func(data T) bool
}

// Sensor renders one value from a coordinator snapshot.
type Sensor[T any] struct {
	coordinated[T]
	desc SensorDescription[T]
}

// NewSensor creates a coordinator-backed sensor.
func NewSensor[T any](uniqueID string, source Source[T], desc SensorDescription[T], opts ...Option) *Sensor[T] {
	return &Sensor[T]{
		coordinated: newCoordinated(uniqueID, KindSensor, desc.Metadata, source, desc.Online, opts),
		desc:        desc,
	}
}

// Key returns the descriptor key.
func (s *Sensor[T]) Key() string { return s.desc.Key }

// Added subscribes to the coordinator.
func (s *Sensor[T]) Added(_ context.Context, host Host) error {
	s.subscribe(host, s, nil)
	return nil
}

// NativeValue returns the current value, or false if unknown or unavailable.
func (s *Sensor[T]) NativeValue() (any, bool) {
	data, ok := s.data()
	if !ok || s.desc.Value == nil {
		return nil, false
	}
	v, ok := s.desc.Value(data)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (s *Sensor[T]) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	v, ok := s.NativeValue()
	if !ok {
		return StateUnknown
	}
	return formatValue(v)
}

func (s *Sensor[T]) Attributes() map[string]any {
	attrs := s.baseAttributes()
	if data, ok := s.data(); ok && s.desc.Attributes != nil {
		mergeAttributes(attrs, s.desc.Attributes(data))
	}
	return attrs
}

// BinarySensorDescription describes an on/off value extracted from a snapshot.
type BinarySensorDescription[T any] struct {
	Key string
	Metadata
	IsOn       func(data T) (on bool, ok bool)
	Attributes func(data T) map[string]any
	Online     func(data T) bool
}

// BinarySensor renders one on/off value from a coordinator snapshot.
type BinarySensor[T any] struct {
	coordinated[T]
	desc BinarySensorDescription[T]
}

// NewBinarySensor creates a coordinator-backed binary sensor.
func NewBinarySensor[T any](uniqueID string, source Source[T], desc BinarySensorDescription[T], opts ...Option) *BinarySensor[T] {
	return &BinarySensor[T]{
		coordinated: newCoordinated(uniqueID, KindBinarySensor, desc.Metadata, source, desc.Online, opts),
		desc:        desc,
	}
}

func (s *BinarySensor[T]) Key() string { return s.desc.Key }

func (s *BinarySensor[T]) Added(_ context.Context, host Host) error {
	s.subscribe(host, s, nil)
	return nil
}

// IsOn reports the current value, or false if unknown or unavailable.
func (s *BinarySensor[T]) IsOn() (on bool, ok bool) {
	data, ok := s.data()
	if !ok || s.desc.IsOn == nil {
		return false, false
	}
	return s.desc.IsOn(data)
}

func (s *BinarySensor[T]) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	on, ok := s.IsOn()
	if !ok {
		return StateUnknown
	}
	return formatValue(on)
}

func (s *BinarySensor[T]) Attributes() map[string]any {
	attrs := s.baseAttributes()
	if data, ok := s.data(); ok && s.desc.Attributes != nil {
		mergeAttributes(attrs, s.desc.Attributes(data))
	}
	return attrs
}
