package entity

import (
	"context"
	"sync"

	"integrationcore/internal/dispatch"
)

// Subscriber is the subscribe side of a dispatch bus.
// *dispatch.Bus[P] implements it.
type Subscriber[P any] interface {
	Subscribe(topic string, handler dispatch.Handler[P]) (unsubscribe func())
}

// pushed holds the last payload received on a bus topic.
type pushed[P any] struct {
	Base
	bus       Subscriber[P]
	topic     string
	available func() bool
	initial   func() (P, bool)

	mu   sync.Mutex
	last *P
}

func newPushed[P any](uniqueID string, kind Kind, meta Metadata, bus Subscriber[P], topic string, available func() bool, initial func() (P, bool), opts []Option) pushed[P] {
	return pushed[P]{
		Base:      newBase(uniqueID, kind, meta, opts),
		bus:       bus,
		topic:     topic,
		available: available,
		initial:   initial,
	}
}

// Topic returns the bus topic the entity listens on.
func (p *pushed[P]) Topic() string { return p.topic }

// Available defers to the availability function, if any.
func (p *pushed[P]) Available() bool {
	return p.available == nil || p.available()
}

// Update is a no-op: push entities have nothing to pull.
func (p *pushed[P]) Update(context.Context) error { return nil }

func (p *pushed[P]) subscribe(host Host, self Entity) {
	if p.initial != nil {
		if v, ok := p.initial(); ok {
			p.store(v)
		}
	}

	p.attach(host)
	p.track(p.bus.Subscribe(p.topic, func(_ context.Context, payload P) error {
		p.store(payload)
		p.writeState(self)
		return nil
	}))
	p.writeState(self)
}

func (p *pushed[P]) store(v P) {
	p.mu.Lock()
	p.last = &v
	p.mu.Unlock()
}

func (p *pushed[P]) payload() (P, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero P
	if p.last == nil {
		return zero, false
	}
	return *p.last, true
}

// PushSensorDescription describes a value carried by push events.
type PushSensorDescription[P any] struct {
	Key string
	Metadata
	Value      func(payload P) (any, bool)
	Attributes func(payload P) map[string]any
	// Initial seeds the value before the first event. Optional.
	Initial func() (P, bool)
}

// PushSensor renders the value of the last event on its topic.
type PushSensor[P any] struct {
	pushed[P]
	desc PushSensorDescription[P]
}

// NewPushSensor creates a bus-backed sensor. available may be nil.
func NewPushSensor[P any](uniqueID string, bus Subscriber[P], topic string, desc PushSensorDescription[P], available func() bool, opts ...Option) *PushSensor[P] {
	return &PushSensor[P]{
		pushed: newPushed(uniqueID, KindSensor, desc.Metadata, bus, topic, available, desc.Initial, opts),
		desc:   desc,
	}
}

func (s *PushSensor[P]) Key() string { return s.desc.Key }

func (s *PushSensor[P]) Added(_ context.Context, host Host) error {
	s.subscribe(host, s)
	return nil
}

func (s *PushSensor[P]) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	payload, ok := s.payload()
	if !ok || s.desc.Value == nil {
		return StateUnknown
	}
	v, ok := s.desc.Value(payload)
	if !ok {
		return StateUnknown
	}
	return formatValue(v)
}

func (s *PushSensor[P]) Attributes() map[string]any {
	attrs := s.baseAttributes()
	if payload, ok := s.payload(); ok && s.desc.Attributes != nil {
		mergeAttributes(attrs, s.desc.Attributes(payload))
	}
	return attrs
}

// PushBinarySensorDescription describes an on/off value carried by push events.
type PushBinarySensorDescription[P any] struct {
	Key string
	Metadata
	IsOn       func(payload P) (on bool, ok bool)
	Attributes func(payload P) map[string]any
	Initial    func() (P, bool)
}

// PushBinarySensor renders the on/off value of the last event on its topic.
type PushBinarySensor[P any] struct {
	pushed[P]
	desc PushBinarySensorDescription[P]
}

// NewPushBinarySensor creates a bus-backed binary sensor. available may be nil.
func NewPushBinarySensor[P any](uniqueID string, bus Subscriber[P], topic string, desc PushBinarySensorDescription[P], available func() bool, opts ...Option) *PushBinarySensor[P] {
	return &PushBinarySensor[P]{
		pushed: newPushed(uniqueID, KindBinarySensor, desc.Metadata, bus, topic, available, desc.Initial, opts),
		desc:   desc,
	}
}

func (s *PushBinarySensor[P]) Key() string { return s.desc.Key }

func (s *PushBinarySensor[P]) Added(_ context.Context, host Host) error {
	s.subscribe(host, s)
	return nil
}

// IsOn reports the value of the last event.
func (s *PushBinarySensor[P]) IsOn() (on bool, ok bool) {
	payload, ok := s.payload()
	if !ok || s.desc.IsOn == nil {
		return false, false
	}
	return s.desc.IsOn(payload)
}

func (s *PushBinarySensor[P]) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	on, ok := s.IsOn()
	if !ok {
		return StateUnknown
	}
	return formatValue(on)
}

func (s *PushBinarySensor[P]) Attributes() map[string]any {
	attrs := s.baseAttributes()
	if payload, ok := s.payload(); ok && s.desc.Attributes != nil {
		mergeAttributes(attrs, s.desc.Attributes(payload))
	}
	return attrs
}
