package entity

import (
	"context"
	"math"
	"sync"
)

// NumberDescription describes a settable numeric value.
type NumberDescription[T any] struct {
	Key string
	Metadata
	Min, Max, Step float64
	Value          func(data T) (float64, bool)
	SetValue       func(ctx context.Context, value float64) error
	Online         func(data T) bool
	// RefreshAfter requests a debounced refresh instead of keeping the
	// written value optimistically until the next coordinator update.
	RefreshAfter bool
}

// Number is a coordinator-backed numeric control.
type Number[T any] struct {
	coordinated[T]
	desc NumberDescription[T]

	mu         sync.Mutex
	optimistic *float64
}

// NewNumber creates a number entity.
func NewNumber[T any](uniqueID string, source Source[T], desc NumberDescription[T], opts ...Option) *Number[T] {
	return &Number[T]{
		coordinated: newCoordinated(uniqueID, KindNumber, desc.Metadata, source, desc.Online, opts),
		desc:        desc,
	}
}

func (n *Number[T]) Key() string { return n.desc.Key }

func (n *Number[T]) Added(_ context.Context, host Host) error {
	n.subscribe(host, n, n.clearOptimistic)
	return nil
}

// SetValue validates value against the range, when one is set (Max > Min),
// and writes it to the device.
func (n *Number[T]) SetValue(ctx context.Context, value float64) error {
	if n.desc.SetValue == nil {
		return unsupported(n.uniqueID, "set_value")
	}
	ranged := n.desc.Max > n.desc.Min
	if math.IsNaN(value) || (ranged && (value < n.desc.Min || value > n.desc.Max)) {
		return invalidValue(n.uniqueID, value, n.desc.Min, n.desc.Max)
	}

	err := n.runCommand(ctx, "set_value", func(ctx context.Context) error {
		return n.desc.SetValue(ctx, value)
	})
	if err != nil {
		return err
	}

	if !n.desc.RefreshAfter {
		n.mu.Lock()
		v := value
		n.optimistic = &v
		n.mu.Unlock()
		n.writeState(n)
	}
	n.afterCommand(n.desc.RefreshAfter)
	return nil
}

// NativeValue returns the optimistic value if one is pending, else the
// value in the snapshot.
func (n *Number[T]) NativeValue() (float64, bool) {
	n.mu.Lock()
	optimistic := n.optimistic
	n.mu.Unlock()
	if optimistic != nil {
		return *optimistic, true
	}

	data, ok := n.data()
	if !ok || n.desc.Value == nil {
		return 0, false
	}
	return n.desc.Value(data)
}

func (n *Number[T]) State() string {
	if !n.Available() {
		return StateUnavailable
	}
	v, ok := n.NativeValue()
	if !ok {
		return StateUnknown
	}
	return formatValue(v)
}

func (n *Number[T]) Attributes() map[string]any {
	attrs := n.baseAttributes()
	attrs["min"] = n.desc.Min
	attrs["max"] = n.desc.Max
	if n.desc.Step > 0 {
		attrs["step"] = n.desc.Step
	}
	return attrs
}

func (n *Number[T]) clearOptimistic() {
	n.mu.Lock()
	n.optimistic = nil
	n.mu.Unlock()
}
