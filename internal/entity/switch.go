package entity

import (
	"context"
	"sync"
)

// SwitchDescription describes an on/off control.
type SwitchDescription[T any] struct {
	Key string
	Metadata
	IsOn         func(data T) (on bool, ok bool)
	TurnOn       func(ctx context.Context) error
	TurnOff      func(ctx context.Context) error
	Online       func(data T) bool
	RefreshAfter bool
}

// Switch is a coordinator-backed on/off control.
type Switch[T any] struct {
	coordinated[T]
	desc SwitchDescription[T]

	mu         sync.Mutex
	optimistic *bool
}

// NewSwitch creates a switch entity.
func NewSwitch[T any](uniqueID string, source Source[T], desc SwitchDescription[T], opts ...Option) *Switch[T] {
	return &Switch[T]{
		coordinated: newCoordinated(uniqueID, KindSwitch, desc.Metadata, source, desc.Online, opts),
		desc:        desc,
	}
}

func (s *Switch[T]) Key() string { return s.desc.Key }

func (s *Switch[T]) Added(_ context.Context, host Host) error {
	s.subscribe(host, s, func() {
		s.mu.Lock()
		s.optimistic = nil
		s.mu.Unlock()
	})
	return nil
}

func (s *Switch[T]) TurnOn(ctx context.Context) error {
	return s.set(ctx, "turn_on", s.desc.TurnOn, true)
}

func (s *Switch[T]) TurnOff(ctx context.Context) error {
	return s.set(ctx, "turn_off", s.desc.TurnOff, false)
}

func (s *Switch[T]) set(ctx context.Context, name string, fn func(context.Context) error, on bool) error {
	if fn == nil {
		return unsupported(s.uniqueID, name)
	}
	if err := s.runCommand(ctx, name, fn); err != nil {
		return err
	}

	if !s.desc.RefreshAfter {
		s.mu.Lock()
		s.optimistic = &on
		s.mu.Unlock()
		s.writeState(s)
	}
	s.afterCommand(s.desc.RefreshAfter)
	return nil
}

// IsOn returns the optimistic value if one is pending, else the snapshot value.
func (s *Switch[T]) IsOn() (on bool, ok bool) {
	s.mu.Lock()
	optimistic := s.optimistic
	s.mu.Unlock()
	if optimistic != nil {
		return *optimistic, true
	}

	data, ok := s.data()
	if !ok || s.desc.IsOn == nil {
		return false, false
	}
	return s.desc.IsOn(data)
}

func (s *Switch[T]) State() string {
	if !s.Available() {
		return StateUnavailable
	}
	on, ok := s.IsOn()
	if !ok {
		return StateUnknown
	}
	return formatValue(on)
}

func (s *Switch[T]) Attributes() map[string]any {
	return s.baseAttributes()
}
