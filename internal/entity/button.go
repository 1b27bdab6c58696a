package entity

import (
	"context"
	"sync"
	"time"
)

// ButtonDescription describes a stateless device action.
type ButtonDescription struct {
	Key string
	Metadata
	Press func(ctx context.Context) error
	// RefreshAfter requests a debounced coordinator refresh after a successful press.
	RefreshAfter bool
}

// Button is a coordinator-backed action. Its state is the time of the last
// successful press. T is the snapshot type of the coordinator used for
// availability.
type Button[T any] struct {
	coordinated[T]
	desc ButtonDescription

	mu          sync.Mutex
	lastPressed time.Time
}

// NewButton creates a button. online may be nil.
func NewButton[T any](uniqueID string, source Source[T], desc ButtonDescription, online func(T) bool, opts ...Option) *Button[T] {
	return &Button[T]{
		coordinated: newCoordinated(uniqueID, KindButton, desc.Metadata, source, online, opts),
		desc:        desc,
	}
}

func (b *Button[T]) Key() string { return b.desc.Key }

func (b *Button[T]) Added(_ context.Context, host Host) error {
	b.subscribe(host, b, nil)
	return nil
}

// Press sends the command. A vendor failure returns a *CommandError and
// leaves the coordinator untouched.
func (b *Button[T]) Press(ctx context.Context) error {
	if b.desc.Press == nil {
		return unsupported(b.uniqueID, "press")
	}
	if err := b.runCommand(ctx, "press", b.desc.Press); err != nil {
		return err
	}

	b.mu.Lock()
	b.lastPressed = b.clock.Now()
	b.mu.Unlock()

	b.writeState(b)
	b.afterCommand(b.desc.RefreshAfter)
	return nil
}

// LastPressed returns the time of the last successful press.
func (b *Button[T]) LastPressed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPressed
}

func (b *Button[T]) State() string {
	if !b.Available() {
		return StateUnavailable
	}
	return formatValue(b.LastPressed())
}

func (b *Button[T]) Attributes() map[string]any {
	return b.baseAttributes()
}
