package entity

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Source is the read side of a coordinator as seen by its entities.
// *coordinator.Coordinator[T] implements it.
type Source[T any] interface {
	DataOK() (T, bool)
	LastUpdateSuccess() bool
	AddListener(fn func()) (remove func())
	RequestRefresh(ctx context.Context) error
	ScheduleRefresh()
}

// coordinated is the part of every coordinator-backed kind that tracks the
// coordinator and derives availability.
type coordinated[T any] struct {
	Base
	source Source[T]
	online func(T) bool
}

func newCoordinated[T any](uniqueID string, kind Kind, meta Metadata, source Source[T], online func(T) bool, opts []Option) coordinated[T] {
	return coordinated[T]{
		Base:   newBase(uniqueID, kind, meta, opts),
		source: source,
		online: online,
	}
}

// Available is false whenever the last refresh failed, whatever the data says.
func (c *coordinated[T]) Available() bool {
	if !c.source.LastUpdateSuccess() {
		return false
	}
	if c.online == nil {
		return true
	}
	data, _ := c.source.DataOK()
	return c.online(data)
}

// Update forces one refresh of the backing coordinator.
func (c *coordinated[T]) Update(ctx context.Context) error {
	return c.source.RequestRefresh(ctx)
}

// subscribe registers a coordinator listener that runs onUpdate (if any)
// and rewrites self, then writes the initial state.
func (c *coordinated[T]) subscribe(host Host, self Entity, onUpdate func()) {
	c.attach(host)
	c.track(c.source.AddListener(func() {
		if onUpdate != nil {
			onUpdate()
		}
		c.writeState(self)
	}))
	c.writeState(self)
}

// data returns the snapshot if the entity is available.
func (c *coordinated[T]) data() (T, bool) {
	var zero T
	if !c.Available() {
		return zero, false
	}
	data, ok := c.source.DataOK()
	if !ok {
		return zero, false
	}
	return data, true
}

func (c *coordinated[T]) afterCommand(refresh bool) {
	if refresh {
		c.source.ScheduleRefresh()
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return StateUnknown
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return StateOn
		}
		return StateOff
	case time.Time:
		if x.IsZero() {
			return StateUnknown
		}
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func mergeAttributes(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
